package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/Additional-Code/cellar/internal/awsclient"
	"github.com/Additional-Code/cellar/internal/config"
	"github.com/Additional-Code/cellar/internal/entity"
)

// slugClaim reserves a group slug for the active order that owns it.
type slugClaim struct {
	GroupSlug string `dynamodbav:"group_slug"`
	OrderID   string `dynamodbav:"order_id"`
}

// DynamoStore is the key/value Store. Active slug uniqueness is held by claim items
// in a separate table written in the same transaction as the order.
type DynamoStore struct {
	client    awsclient.DynamoDBAPI
	orders    string
	slugs     string
	mutations string
}

// NewDynamoStore builds a DynamoDB backed store.
func NewDynamoStore(client awsclient.DynamoDBAPI, tables config.DynamoDB) *DynamoStore {
	return &DynamoStore{
		client:    client,
		orders:    tables.OrdersTable,
		slugs:     tables.SlugsTable,
		mutations: tables.MutationsTable,
	}
}

// Create writes the slug claim and the order atomically.
func (s *DynamoStore) Create(ctx context.Context, order *entity.Order) error {
	if order == nil {
		return errors.New("nil order")
	}
	ctx, span := repoTracer.Start(ctx, "OrderDynamoStore.Create", trace.WithAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("order.slug", order.GroupSlug),
	))
	defer span.End()

	orderItem, err := attributevalue.MarshalMap(order)
	if err != nil {
		return fmt.Errorf("marshal order item: %w", err)
	}
	claimItem, err := attributevalue.MarshalMap(slugClaim{GroupSlug: order.GroupSlug, OrderID: order.ID})
	if err != nil {
		return fmt.Errorf("marshal slug claim: %w", err)
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{
		TransactItems: []types.TransactWriteItem{
			{Put: &types.Put{
				TableName:           sdkaws.String(s.slugs),
				Item:                claimItem,
				ConditionExpression: sdkaws.String("attribute_not_exists(group_slug)"),
			}},
			{Put: &types.Put{
				TableName:           sdkaws.String(s.orders),
				Item:                orderItem,
				ConditionExpression: sdkaws.String("attribute_not_exists(order_id)"),
			}},
		},
	})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) && conditionFailed(tce, 0, 1) {
			return ErrConflict
		}
		span.SetAttributes(attribute.String("aws.error_code", apiErrorCode(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, "transact write failed")
		return fmt.Errorf("transact write: %w", err)
	}
	return nil
}

// GetByID fetches an order with a strongly consistent read.
func (s *DynamoStore) GetByID(ctx context.Context, id string) (*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderDynamoStore.GetByID", trace.WithAttributes(attribute.String("order.id", id)))
	defer span.End()

	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      sdkaws.String(s.orders),
		Key:            map[string]types.AttributeValue{"order_id": &types.AttributeValueMemberS{Value: id}},
		ConsistentRead: sdkaws.Bool(true),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "get item failed")
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var o entity.Order
	if err := attributevalue.UnmarshalMap(out.Item, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

// FindBySlug follows the active claim first and falls back to scanning for released slugs.
func (s *DynamoStore) FindBySlug(ctx context.Context, slug string) (*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderDynamoStore.FindBySlug", trace.WithAttributes(attribute.String("order.slug", slug)))
	defer span.End()

	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      sdkaws.String(s.slugs),
		Key:            map[string]types.AttributeValue{"group_slug": &types.AttributeValueMemberS{Value: slug}},
		ConsistentRead: sdkaws.Bool(true),
	})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("get slug claim: %w", err)
	}
	if len(out.Item) > 0 {
		var claim slugClaim
		if err := attributevalue.UnmarshalMap(out.Item, &claim); err != nil {
			return nil, fmt.Errorf("unmarshal slug claim: %w", err)
		}
		order, err := s.GetByID(ctx, claim.OrderID)
		if err == nil || !errors.Is(err, ErrNotFound) {
			return order, err
		}
	}

	orders, err := s.scan(ctx, "group_slug = :slug", nil, map[string]types.AttributeValue{
		":slug": &types.AttributeValueMemberS{Value: slug},
	}, 0)
	if err != nil {
		return nil, err
	}
	if len(orders) == 0 {
		return nil, ErrNotFound
	}
	for _, o := range orders {
		if o.IsActive() {
			return o, nil
		}
	}
	return orders[0], nil
}

// List scans orders matching filter, newest first.
func (s *DynamoStore) List(ctx context.Context, filter ListFilter) ([]*entity.Order, error) {
	ctx, span := repoTracer.Start(ctx, "OrderDynamoStore.List", trace.WithAttributes(attribute.String("winery.id", filter.WineryID)))
	defer span.End()

	var (
		expr   string
		names  map[string]string
		values = map[string]types.AttributeValue{}
	)
	if filter.WineryID != "" {
		expr = "winery_id = :winery"
		values[":winery"] = &types.AttributeValueMemberS{Value: filter.WineryID}
	}
	if filter.Status != "" {
		if expr != "" {
			expr += " AND "
		}
		expr += "#s = :status"
		names = map[string]string{"#s": "status"}
		values[":status"] = &types.AttributeValueMemberS{Value: string(filter.Status)}
	}
	orders, err := s.scan(ctx, expr, names, values, filter.Limit)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "scan failed")
	}
	return orders, err
}

// Save updates the order under a version condition. The mutation record and, when the
// order leaves the active state, the slug claim release ride in the same transaction.
func (s *DynamoStore) Save(ctx context.Context, next *entity.Order, expectedVersion int64, mutation *entity.Mutation) error {
	ctx, span := repoTracer.Start(ctx, "OrderDynamoStore.Save", trace.WithAttributes(
		attribute.String("order.id", next.ID),
		attribute.Int64("order.expected_version", expectedVersion),
	))
	defer span.End()

	selections, err := attributevalue.Marshal(next.Selections)
	if err != nil {
		return fmt.Errorf("marshal selections: %w", err)
	}
	updatedAt, err := attributevalue.Marshal(next.UpdatedAt)
	if err != nil {
		return fmt.Errorf("marshal updated_at: %w", err)
	}

	items := []types.TransactWriteItem{{
		Update: &types.Update{
			TableName:           sdkaws.String(s.orders),
			Key:                 map[string]types.AttributeValue{"order_id": &types.AttributeValueMemberS{Value: next.ID}},
			UpdateExpression:    sdkaws.String("SET selections = :sel, #s = :st, #v = :nv, updated_at = :ua"),
			ConditionExpression: sdkaws.String("#v = :ev"),
			ExpressionAttributeNames: map[string]string{
				"#s": "status",
				"#v": "version",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":sel": selections,
				":st":  &types.AttributeValueMemberS{Value: string(next.Status)},
				":nv":  &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion+1, 10)},
				":ev":  &types.AttributeValueMemberN{Value: strconv.FormatInt(expectedVersion, 10)},
				":ua":  updatedAt,
			},
		},
	}}

	mutationIdx := -1
	if mutation != nil {
		mutation.OrderVersion = expectedVersion + 1
		mutationItem, err := attributevalue.MarshalMap(mutation)
		if err != nil {
			return fmt.Errorf("marshal mutation: %w", err)
		}
		mutationIdx = len(items)
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:           sdkaws.String(s.mutations),
			Item:                mutationItem,
			ConditionExpression: sdkaws.String("attribute_not_exists(request_id)"),
		}})
	}

	if !next.IsActive() {
		items = append(items, types.TransactWriteItem{Delete: &types.Delete{
			TableName:           sdkaws.String(s.slugs),
			Key:                 map[string]types.AttributeValue{"group_slug": &types.AttributeValueMemberS{Value: next.GroupSlug}},
			ConditionExpression: sdkaws.String("attribute_not_exists(group_slug) OR order_id = :oid"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":oid": &types.AttributeValueMemberS{Value: next.ID},
			},
		}})
	}

	_, err = s.client.TransactWriteItems(ctx, &dyn.TransactWriteItemsInput{TransactItems: items})
	if err != nil {
		var tce *types.TransactionCanceledException
		if errors.As(err, &tce) {
			switch {
			case conditionFailed(tce, 0), hasReason(tce, "TransactionConflict"):
				return ErrVersionConflict
			case mutationIdx >= 0 && conditionFailed(tce, mutationIdx):
				return ErrDuplicateMutation
			}
		}
		span.SetAttributes(attribute.String("aws.error_code", apiErrorCode(err)))
		span.RecordError(err)
		span.SetStatus(codes.Error, "transact write failed")
		return fmt.Errorf("transact write: %w", err)
	}
	next.Version = expectedVersion + 1
	return nil
}

// GetMutation loads a recorded mutation by request id.
func (s *DynamoStore) GetMutation(ctx context.Context, requestID string) (*entity.Mutation, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      sdkaws.String(s.mutations),
		Key:            map[string]types.AttributeValue{"request_id": &types.AttributeValueMemberS{Value: requestID}},
		ConsistentRead: sdkaws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get mutation: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}
	var m entity.Mutation
	if err := attributevalue.UnmarshalMap(out.Item, &m); err != nil {
		return nil, fmt.Errorf("unmarshal mutation: %w", err)
	}
	return &m, nil
}

func (s *DynamoStore) scan(ctx context.Context, filter string, names map[string]string, values map[string]types.AttributeValue, limit int) ([]*entity.Order, error) {
	input := &dyn.ScanInput{
		TableName:      sdkaws.String(s.orders),
		ConsistentRead: sdkaws.Bool(true),
	}
	if filter != "" {
		input.FilterExpression = sdkaws.String(filter)
		input.ExpressionAttributeValues = values
	}
	if len(names) > 0 {
		input.ExpressionAttributeNames = names
	}

	var orders []*entity.Order
	for {
		out, err := s.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("scan orders: %w", err)
		}
		for _, item := range out.Items {
			var o entity.Order
			if err := attributevalue.UnmarshalMap(item, &o); err != nil {
				return nil, fmt.Errorf("unmarshal order: %w", err)
			}
			orders = append(orders, &o)
		}
		if len(out.LastEvaluatedKey) == 0 {
			break
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}

	sort.SliceStable(orders, func(i, j int) bool {
		return orders[i].CreatedAt.After(orders[j].CreatedAt)
	})
	if limit > 0 && len(orders) > limit {
		orders = orders[:limit]
	}
	return orders, nil
}

// conditionFailed reports whether any of the transaction items at idx failed their condition.
func conditionFailed(tce *types.TransactionCanceledException, idx ...int) bool {
	for _, i := range idx {
		if i < len(tce.CancellationReasons) && sdkaws.ToString(tce.CancellationReasons[i].Code) == "ConditionalCheckFailed" {
			return true
		}
	}
	return false
}

// hasReason reports whether any transaction item was cancelled with code.
func hasReason(tce *types.TransactionCanceledException, code string) bool {
	for _, r := range tce.CancellationReasons {
		if sdkaws.ToString(r.Code) == code {
			return true
		}
	}
	return false
}

// apiErrorCode extracts the service error code, if any.
func apiErrorCode(err error) string {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return apiErr.ErrorCode()
	}
	return ""
}
