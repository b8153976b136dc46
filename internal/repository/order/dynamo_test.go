package order

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	sdkaws "github.com/aws/aws-sdk-go-v2/aws"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Additional-Code/cellar/internal/config"
	"github.com/Additional-Code/cellar/internal/entity"
)

// mockDynamo keeps items per table keyed by the table's hash key and understands the
// handful of condition expressions the store issues.
type mockDynamo struct {
	mu     sync.Mutex
	keys   map[string]string
	tables map[string]map[string]map[string]types.AttributeValue
}

func newMockDynamo(tables config.DynamoDB) *mockDynamo {
	return &mockDynamo{
		keys: map[string]string{
			tables.OrdersTable:    "order_id",
			tables.SlugsTable:     "group_slug",
			tables.MutationsTable: "request_id",
		},
		tables: map[string]map[string]map[string]types.AttributeValue{},
	}
}

func (m *mockDynamo) table(name string) map[string]map[string]types.AttributeValue {
	if _, ok := m.tables[name]; !ok {
		m.tables[name] = map[string]map[string]types.AttributeValue{}
	}
	return m.tables[name]
}

func (m *mockDynamo) pk(table string, item map[string]types.AttributeValue) string {
	return stringAttr(item[m.keys[table]])
}

func stringAttr(v types.AttributeValue) string {
	switch a := v.(type) {
	case *types.AttributeValueMemberS:
		return a.Value
	case *types.AttributeValueMemberN:
		return a.Value
	}
	return ""
}

func (m *mockDynamo) GetItem(_ context.Context, params *dyn.GetItemInput, _ ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := *params.TableName
	item, ok := m.table(table)[m.pk(table, params.Key)]
	if !ok {
		return &dyn.GetItemOutput{}, nil
	}
	return &dyn.GetItemOutput{Item: copyItem(item)}, nil
}

func (m *mockDynamo) PutItem(_ context.Context, params *dyn.PutItemInput, _ ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	table := *params.TableName
	m.table(table)[m.pk(table, params.Item)] = copyItem(params.Item)
	return &dyn.PutItemOutput{}, nil
}

func (m *mockDynamo) Scan(_ context.Context, params *dyn.ScanInput, _ ...func(*dyn.Options)) (*dyn.ScanOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var items []map[string]types.AttributeValue
	for _, item := range m.table(*params.TableName) {
		if matchesFilter(item, sdkaws.ToString(params.FilterExpression), params.ExpressionAttributeNames, params.ExpressionAttributeValues) {
			items = append(items, copyItem(item))
		}
	}
	return &dyn.ScanOutput{Items: items}, nil
}

// matchesFilter evaluates "attr = :value" clauses joined by AND.
func matchesFilter(item map[string]types.AttributeValue, expr string, names map[string]string, values map[string]types.AttributeValue) bool {
	if expr == "" {
		return true
	}
	for _, clause := range strings.Split(expr, " AND ") {
		parts := strings.SplitN(clause, " = ", 2)
		if len(parts) != 2 {
			return false
		}
		attr := strings.TrimSpace(parts[0])
		if alias, ok := names[attr]; ok {
			attr = alias
		}
		if stringAttr(item[attr]) != stringAttr(values[strings.TrimSpace(parts[1])]) {
			return false
		}
	}
	return true
}

func (m *mockDynamo) TransactWriteItems(_ context.Context, params *dyn.TransactWriteItemsInput, _ ...func(*dyn.Options)) (*dyn.TransactWriteItemsOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	reasons := make([]types.CancellationReason, len(params.TransactItems))
	failed := false
	for i, it := range params.TransactItems {
		var table string
		var existing map[string]types.AttributeValue
		var cond string
		var values map[string]types.AttributeValue
		switch {
		case it.Put != nil:
			table = *it.Put.TableName
			existing = m.table(table)[m.pk(table, it.Put.Item)]
			cond = sdkaws.ToString(it.Put.ConditionExpression)
			values = it.Put.ExpressionAttributeValues
		case it.Update != nil:
			table = *it.Update.TableName
			existing = m.table(table)[m.pk(table, it.Update.Key)]
			cond = sdkaws.ToString(it.Update.ConditionExpression)
			values = it.Update.ExpressionAttributeValues
		case it.Delete != nil:
			table = *it.Delete.TableName
			existing = m.table(table)[m.pk(table, it.Delete.Key)]
			cond = sdkaws.ToString(it.Delete.ConditionExpression)
			values = it.Delete.ExpressionAttributeValues
		}
		if !conditionHolds(existing, cond, values) {
			reasons[i].Code = sdkaws.String("ConditionalCheckFailed")
			failed = true
		} else {
			reasons[i].Code = sdkaws.String("None")
		}
	}
	if failed {
		return nil, &types.TransactionCanceledException{CancellationReasons: reasons}
	}

	for _, it := range params.TransactItems {
		switch {
		case it.Put != nil:
			table := *it.Put.TableName
			m.table(table)[m.pk(table, it.Put.Item)] = copyItem(it.Put.Item)
		case it.Update != nil:
			table := *it.Update.TableName
			item := m.table(table)[m.pk(table, it.Update.Key)]
			v := it.Update.ExpressionAttributeValues
			item["selections"] = v[":sel"]
			item["status"] = v[":st"]
			item["version"] = v[":nv"]
			item["updated_at"] = v[":ua"]
		case it.Delete != nil:
			table := *it.Delete.TableName
			delete(m.table(table), m.pk(table, it.Delete.Key))
		}
	}
	return &dyn.TransactWriteItemsOutput{}, nil
}

func conditionHolds(existing map[string]types.AttributeValue, cond string, values map[string]types.AttributeValue) bool {
	switch {
	case cond == "":
		return true
	case strings.HasPrefix(cond, "attribute_not_exists(") && !strings.Contains(cond, " OR "):
		return existing == nil
	case strings.Contains(cond, " OR order_id = :oid"):
		return existing == nil || stringAttr(existing["order_id"]) == stringAttr(values[":oid"])
	case cond == "#v = :ev":
		return existing != nil && stringAttr(existing["version"]) == stringAttr(values[":ev"])
	}
	return false
}

func copyItem(in map[string]types.AttributeValue) map[string]types.AttributeValue {
	out := make(map[string]types.AttributeValue, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func newTestDynamoStore() (*DynamoStore, *mockDynamo) {
	tables := config.DynamoDB{OrdersTable: "orders", SlugsTable: "slugs", MutationsTable: "mutations"}
	mock := newMockDynamo(tables)
	return NewDynamoStore(mock, tables), mock
}

func TestDynamoStore_CreateAndGet(t *testing.T) {
	store, mock := newTestDynamoStore()
	ctx := context.Background()

	order := newTestOrder("o1", "Table 5", "table_5")
	require.NoError(t, store.Create(ctx, order))

	assert.Contains(t, mock.tables["slugs"], "table_5")

	got, err := store.GetByID(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, order.GuestNames, got.GuestNames)
	assert.Equal(t, order.Selections, got.Selections)
	assert.True(t, order.CreatedAt.Equal(got.CreatedAt))

	_, err = store.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDynamoStore_SlugClaimLifecycle(t *testing.T) {
	store, mock := newTestDynamoStore()
	ctx := context.Background()

	first := newTestOrder("o1", "Table 5", "table_5")
	require.NoError(t, store.Create(ctx, first))

	err := store.Create(ctx, newTestOrder("o2", "table_5", "table_5"))
	assert.ErrorIs(t, err, ErrConflict)
	assert.NotContains(t, mock.tables["orders"], "o2")

	done := first.Clone()
	done.Status = entity.OrderCompleted
	require.NoError(t, store.Save(ctx, done, 0, nil))
	assert.NotContains(t, mock.tables["slugs"], "table_5")

	require.NoError(t, store.Create(ctx, newTestOrder("o2", "table_5", "table_5")))

	got, err := store.FindBySlug(ctx, "table_5")
	require.NoError(t, err)
	assert.Equal(t, "o2", got.ID)
}

func TestDynamoStore_SaveVersionAndMutation(t *testing.T) {
	store, _ := newTestDynamoStore()
	ctx := context.Background()

	order := newTestOrder("o1", "Table 5", "table_5")
	require.NoError(t, store.Create(ctx, order))

	next := order.Clone()
	next.Selections["g1"][0].Status = entity.ServingServed
	mutation := &entity.Mutation{RequestID: "req-1", OrderID: "o1", GuestKey: "g1", Mode: entity.MutationToggle, ResultStatus: entity.ServingServed}
	require.NoError(t, store.Save(ctx, next, 0, mutation))
	assert.Equal(t, int64(1), next.Version)

	stale := order.Clone()
	err := store.Save(ctx, stale, 0, nil)
	assert.ErrorIs(t, err, ErrVersionConflict)

	dup := *mutation
	err = store.Save(ctx, next.Clone(), 1, &dup)
	assert.ErrorIs(t, err, ErrDuplicateMutation)

	recorded, err := store.GetMutation(ctx, "req-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), recorded.OrderVersion)

	got, err := store.GetByID(ctx, "o1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Equal(t, entity.ServingServed, got.Selections["g1"][0].Status)
}

func TestDynamoStore_List(t *testing.T) {
	store, _ := newTestDynamoStore()
	ctx := context.Background()

	a := newTestOrder("o1", "Table 1", "table_1")
	b := newTestOrder("o2", "Table 2", "table_2")
	b.WineryID = "other"
	require.NoError(t, store.Create(ctx, a))
	require.NoError(t, store.Create(ctx, b))

	orders, err := store.List(ctx, ListFilter{WineryID: entity.DefaultWineryID, Status: entity.OrderActive})
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "o1", orders[0].ID)
}

func TestConditionFailed(t *testing.T) {
	tce := &types.TransactionCanceledException{CancellationReasons: []types.CancellationReason{
		{Code: sdkaws.String("None")},
		{Code: sdkaws.String("ConditionalCheckFailed")},
	}}
	assert.False(t, conditionFailed(tce, 0))
	assert.True(t, conditionFailed(tce, 1))
	assert.False(t, conditionFailed(tce, 5))

	var target *types.TransactionCanceledException
	assert.True(t, errors.As(error(tce), &target))
}

func TestCancellationHelpers(t *testing.T) {
	tce := &types.TransactionCanceledException{CancellationReasons: []types.CancellationReason{
		{Code: sdkaws.String("TransactionConflict")},
	}}
	assert.True(t, hasReason(tce, "TransactionConflict"))
	assert.False(t, hasReason(tce, "ConditionalCheckFailed"))

	assert.Equal(t, "TransactionCanceledException", apiErrorCode(fmt.Errorf("transact: %w", tce)))
	assert.Empty(t, apiErrorCode(errors.New("plain")))
}
