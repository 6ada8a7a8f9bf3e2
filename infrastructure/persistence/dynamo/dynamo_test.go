package dynamo

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"lattice-core/domain/outline"
	"lattice-core/pkg/errors"
)

type fakeClient struct {
	putItem    func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error)
	getItem    func(*dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error)
	deleteItem func(*dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error)
	query      func(*dynamodb.QueryInput) (*dynamodb.QueryOutput, error)
	scan       func(*dynamodb.ScanInput) (*dynamodb.ScanOutput, error)
}

func (f *fakeClient) PutItem(_ context.Context, in *dynamodb.PutItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error) {
	if f.putItem != nil {
		return f.putItem(in)
	}
	return &dynamodb.PutItemOutput{}, nil
}

func (f *fakeClient) GetItem(_ context.Context, in *dynamodb.GetItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error) {
	if f.getItem != nil {
		return f.getItem(in)
	}
	return &dynamodb.GetItemOutput{}, nil
}

func (f *fakeClient) DeleteItem(_ context.Context, in *dynamodb.DeleteItemInput, _ ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error) {
	if f.deleteItem != nil {
		return f.deleteItem(in)
	}
	return &dynamodb.DeleteItemOutput{}, nil
}

func (f *fakeClient) Query(_ context.Context, in *dynamodb.QueryInput, _ ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error) {
	if f.query != nil {
		return f.query(in)
	}
	return &dynamodb.QueryOutput{}, nil
}

func (f *fakeClient) Scan(_ context.Context, in *dynamodb.ScanInput, _ ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error) {
	if f.scan != nil {
		return f.scan(in)
	}
	return &dynamodb.ScanOutput{}, nil
}

func newTestBackend(client *fakeClient) *Backend {
	return New(client, "outline", "GSI1", zap.NewNop())
}

func mkNode(t *testing.T, id, parentID string, created time.Time) *outline.Node {
	t.Helper()
	n, err := outline.NewNode(id, "text", "content of "+id, parentID, nil)
	require.NoError(t, err)
	n.CreatedAt = created
	n.ModifiedAt = created
	return n
}

func mustItem(t *testing.T, n *outline.Node) map[string]types.AttributeValue {
	t.Helper()
	item, err := attributevalue.MarshalMap(toRecord(n))
	require.NoError(t, err)
	return item
}

func TestRecordRoundTrip(t *testing.T) {
	node, err := outline.NewNode("n1", "task", "links to [[other]]", "p1", map[string]any{
		"collapsed": true,
		"depth":     float64(3),
	})
	require.NoError(t, err)

	item, err := attributevalue.MarshalMap(toRecord(node))
	require.NoError(t, err)

	var r record
	require.NoError(t, attributevalue.UnmarshalMap(item, &r))
	got, err := fromRecord(r)
	require.NoError(t, err)

	assert.Equal(t, node.ID, got.ID)
	assert.Equal(t, node.Type, got.Type)
	assert.Equal(t, node.Content, got.Content)
	assert.Equal(t, node.ParentID, got.ParentID)
	assert.Equal(t, node.Properties, got.Properties)
	assert.Equal(t, node.Version, got.Version)
	assert.Equal(t, []string{"other"}, got.Mentions)
	assert.True(t, node.CreatedAt.Equal(got.CreatedAt))
	assert.True(t, node.ModifiedAt.Equal(got.ModifiedAt))
}

func TestCreateSendsConditionalPut(t *testing.T) {
	var captured *dynamodb.PutItemInput
	client := &fakeClient{putItem: func(in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
		captured = in
		return &dynamodb.PutItemOutput{}, nil
	}}
	b := newTestBackend(client)

	require.NoError(t, b.Create(context.Background(), mkNode(t, "n1", "p1", time.Now().UTC())))
	require.NotNil(t, captured)

	assert.Equal(t, "outline", *captured.TableName)
	assert.Equal(t, "NODE#n1", captured.Item["PK"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, "META", captured.Item["SK"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, "PARENT#p1", captured.Item["GSI1PK"].(*types.AttributeValueMemberS).Value)
	require.NotNil(t, captured.ConditionExpression)
	assert.Contains(t, *captured.ConditionExpression, "attribute_not_exists")
}

func TestCreateDuplicateIsConflict(t *testing.T) {
	client := &fakeClient{putItem: func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
		return nil, &types.ConditionalCheckFailedException{}
	}}
	b := newTestBackend(client)

	err := b.Create(context.Background(), mkNode(t, "n1", "", time.Now().UTC()))
	require.Error(t, err)
	assert.True(t, errors.IsConflict(err))
}

func TestUpdateSendsExistenceGuard(t *testing.T) {
	var captured *dynamodb.PutItemInput
	client := &fakeClient{putItem: func(in *dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
		captured = in
		return &dynamodb.PutItemOutput{}, nil
	}}
	b := newTestBackend(client)

	require.NoError(t, b.Update(context.Background(), mkNode(t, "n1", "", time.Now().UTC())))
	require.NotNil(t, captured)
	require.NotNil(t, captured.ConditionExpression)
	assert.Contains(t, *captured.ConditionExpression, "attribute_exists")
}

func TestUpdateMissingIsNotFound(t *testing.T) {
	client := &fakeClient{putItem: func(*dynamodb.PutItemInput) (*dynamodb.PutItemOutput, error) {
		return nil, &types.ConditionalCheckFailedException{}
	}}
	b := newTestBackend(client)

	err := b.Update(context.Background(), mkNode(t, "ghost", "", time.Now().UTC()))
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestDeleteSendsKey(t *testing.T) {
	var captured *dynamodb.DeleteItemInput
	client := &fakeClient{deleteItem: func(in *dynamodb.DeleteItemInput) (*dynamodb.DeleteItemOutput, error) {
		captured = in
		return &dynamodb.DeleteItemOutput{}, nil
	}}
	b := newTestBackend(client)

	require.NoError(t, b.Delete(context.Background(), "n1"))
	require.NotNil(t, captured)
	assert.Equal(t, "NODE#n1", captured.Key["PK"].(*types.AttributeValueMemberS).Value)
	assert.Equal(t, "META", captured.Key["SK"].(*types.AttributeValueMemberS).Value)
}

func TestLoadParsesStoredItem(t *testing.T) {
	node := mkNode(t, "n1", "p1", time.Now().UTC())
	var captured *dynamodb.GetItemInput
	client := &fakeClient{getItem: func(in *dynamodb.GetItemInput) (*dynamodb.GetItemOutput, error) {
		captured = in
		return &dynamodb.GetItemOutput{Item: mustItem(t, node)}, nil
	}}
	b := newTestBackend(client)

	got, err := b.Load(context.Background(), "n1")
	require.NoError(t, err)
	assert.Equal(t, "n1", got.ID)
	assert.Equal(t, "p1", got.ParentID)
	assert.True(t, node.CreatedAt.Equal(got.CreatedAt))

	require.NotNil(t, captured)
	assert.Equal(t, "NODE#n1", captured.Key["PK"].(*types.AttributeValueMemberS).Value)
	require.NotNil(t, captured.ConsistentRead)
	assert.True(t, *captured.ConsistentRead)
}

func TestLoadMissingIsNotFound(t *testing.T) {
	b := newTestBackend(&fakeClient{})

	_, err := b.Load(context.Background(), "ghost")
	require.Error(t, err)
	assert.True(t, errors.IsNotFound(err))
}

func TestLoadChildrenPaginatesTheParentIndex(t *testing.T) {
	base := time.Now().UTC()
	first := mkNode(t, "c1", "p", base)
	second := mkNode(t, "c2", "p", base.Add(time.Second))

	// The backend reuses one QueryInput across pages, so the mutated start
	// key has to be captured per call rather than via the input pointer.
	var (
		inputs    []*dynamodb.QueryInput
		startKeys []map[string]types.AttributeValue
	)
	client := &fakeClient{query: func(in *dynamodb.QueryInput) (*dynamodb.QueryOutput, error) {
		inputs = append(inputs, in)
		startKeys = append(startKeys, in.ExclusiveStartKey)
		if len(inputs) == 1 {
			return &dynamodb.QueryOutput{
				Items:            []map[string]types.AttributeValue{mustItem(t, first)},
				LastEvaluatedKey: map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: "NODE#c1"}},
			}, nil
		}
		return &dynamodb.QueryOutput{Items: []map[string]types.AttributeValue{mustItem(t, second)}}, nil
	}}
	b := newTestBackend(client)

	children, err := b.LoadChildren(context.Background(), "p")
	require.NoError(t, err)
	require.Len(t, children, 2)
	assert.Equal(t, "c1", children[0].ID)
	assert.Equal(t, "c2", children[1].ID)

	require.Len(t, startKeys, 2)
	assert.Equal(t, "GSI1", *inputs[0].IndexName)
	assert.Nil(t, startKeys[0])
	assert.NotNil(t, startKeys[1])

	foundParentKey := false
	for _, v := range inputs[0].ExpressionAttributeValues {
		if s, ok := v.(*types.AttributeValueMemberS); ok && s.Value == "PARENT#p" {
			foundParentKey = true
		}
	}
	assert.True(t, foundParentKey, "query must key on the parent")
}

func TestListScansAllPages(t *testing.T) {
	base := time.Now().UTC()
	var inputs []*dynamodb.ScanInput
	client := &fakeClient{scan: func(in *dynamodb.ScanInput) (*dynamodb.ScanOutput, error) {
		inputs = append(inputs, in)
		if len(inputs) == 1 {
			return &dynamodb.ScanOutput{
				Items: []map[string]types.AttributeValue{
					mustItem(t, mkNode(t, "a", "", base)),
					mustItem(t, mkNode(t, "b", "", base.Add(time.Second))),
				},
				LastEvaluatedKey: map[string]types.AttributeValue{"PK": &types.AttributeValueMemberS{Value: "NODE#b"}},
			}, nil
		}
		return &dynamodb.ScanOutput{
			Items: []map[string]types.AttributeValue{mustItem(t, mkNode(t, "c", "", base.Add(2*time.Second)))},
		}, nil
	}}
	b := newTestBackend(client)

	all, err := b.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c", all[2].ID)

	require.Len(t, inputs, 2)
	require.NotNil(t, inputs[0].FilterExpression)
	assert.Contains(t, *inputs[0].FilterExpression, "#0")
}

func TestSortableTimestampsSortChronologically(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	// .1s vs .15s is exactly the pair a trimmed fractional format misorders.
	offsets := []time.Duration{
		0,
		100 * time.Millisecond,
		150 * time.Millisecond,
		time.Second,
		time.Second + time.Nanosecond,
	}

	var previous string
	for i, off := range offsets {
		formatted := base.Add(off).Format(sortableTime)
		if i > 0 {
			assert.True(t, previous < formatted, "%q must sort before %q", previous, formatted)
		}
		previous = formatted
	}
}
