package seeder

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/cellar/internal/entity"
	service "github.com/Additional-Code/cellar/internal/service/order"
	"github.com/Additional-Code/cellar/pkg/errorbank"
)

// Module provides the Seeder to Fx.
var Module = fx.Provide(New)

// Creator creates orders.
type Creator interface {
	Create(ctx context.Context, in service.CreateInput) (*entity.Order, error)
}

// Seeder performs seeding for local/dev setups.
type Seeder struct {
	orders Creator
	logger *zap.Logger
}

// New constructs a Seeder on top of the order service.
func New(svc *service.Service, logger *zap.Logger) *Seeder {
	return &Seeder{orders: svc, logger: logger}
}

// Samples are the tasting orders Orders creates.
var Samples = []service.CreateInput{
	{
		GroupName:  "Table 5",
		GuestNames: map[string]string{"g1": "Ana", "g2": "Bruno", "g3": ""},
		Selections: map[string][]entity.Selection{
			"g1": {{WineReference: "chablis-premier-cru-2021"}, {WineReference: "pommard-2019"}},
			"g2": {{WineReference: "meursault-2020"}},
			"g3": {{WineReference: "cremant-de-bourgogne"}, {WineReference: "aligote-2022"}, {WineReference: "marc-de-bourgogne"}},
		},
	},
	{
		GroupName:  "Terrasse Côté Jardin",
		GuestNames: map[string]string{"g1": "Chloé", "g2": "Daniel"},
		Selections: map[string][]entity.Selection{
			"g1": {{WineReference: "gevrey-chambertin-2018", Status: entity.ServingServed}},
			"g2": {{WineReference: "gevrey-chambertin-2018"}},
		},
	},
}

// Orders creates the sample orders, skipping the ones whose group already has an
// active order.
func (s *Seeder) Orders(ctx context.Context) error {
	created := 0
	for _, sample := range Samples {
		if _, err := s.orders.Create(ctx, sample); err != nil {
			if errorbank.IsKind(err, errorbank.KindConflict) {
				s.logger.Debug("seed order already present", zap.String("group_name", sample.GroupName))
				continue
			}
			return err
		}
		created++
	}

	s.logger.Info("seeded orders", zap.Int("created", created), zap.Int("samples", len(Samples)))
	return nil
}
