package order

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/Additional-Code/cellar/internal/awsclient"
	"github.com/Additional-Code/cellar/internal/config"
	"github.com/Additional-Code/cellar/internal/database"
)

// Module provides the configured order Store to Fx.
var Module = fx.Provide(NewStore)

// NewStore picks the relational repository or the DynamoDB store from the database driver.
func NewStore(cfg config.Config, conns *database.Connections, logger *zap.Logger) (Store, error) {
	if conns.Relational() {
		return NewRepository(conns.Writer, conns.Reader), nil
	}

	client, err := awsclient.NewDynamoDB(context.Background(), cfg.Store.DynamoDB)
	if err != nil {
		return nil, err
	}
	logger.Info("using dynamodb order store",
		zap.String("orders_table", cfg.Store.DynamoDB.OrdersTable),
		zap.String("region", cfg.Store.DynamoDB.Region),
	)
	return NewDynamoStore(client, cfg.Store.DynamoDB), nil
}
