// Package dynamo persists outline nodes in a DynamoDB single-table layout
// for cloud-sync deployments. Every node is one item keyed PK=NODE#<id>,
// SK=META, with GSI1 keyed on the parent so child listings avoid scans.
package dynamo

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"go.uber.org/zap"

	"lattice-core/domain/outline"
	"lattice-core/pkg/errors"
)

const (
	entityType  = "NODE"
	metaSortKey = "META"

	// Fixed-width fractional seconds keep GSI1SK lexicographically ordered;
	// trimmed formats sort ".1" after ".15".
	sortableTime = "2006-01-02T15:04:05.000000000Z07:00"
)

// API is the subset of the DynamoDB client the backend calls. *dynamodb.Client
// satisfies it; tests substitute a fake.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, params *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Backend implements ports.NodeBackend against a DynamoDB table.
type Backend struct {
	client    API
	tableName string
	indexName string
	logger    *zap.Logger
}

// New creates a DynamoDB backend. indexName names the GSI whose partition key
// is GSI1PK (the parent key) and whose sort key is GSI1SK (creation order).
func New(client API, tableName, indexName string, logger *zap.Logger) *Backend {
	return &Backend{
		client:    client,
		tableName: tableName,
		indexName: indexName,
		logger:    logger.Named("dynamo"),
	}
}

// record is the stored item shape. Times travel as fixed-width UTC strings so
// the GSI sort key and the parsed fields agree.
type record struct {
	PK         string         `dynamodbav:"PK"`
	SK         string         `dynamodbav:"SK"`
	EntityType string         `dynamodbav:"EntityType"`
	GSI1PK     string         `dynamodbav:"GSI1PK"`
	GSI1SK     string         `dynamodbav:"GSI1SK"`
	NodeID     string         `dynamodbav:"NodeID"`
	NodeType   string         `dynamodbav:"NodeType"`
	Content    string         `dynamodbav:"Content"`
	ParentID   string         `dynamodbav:"ParentID"`
	Properties map[string]any `dynamodbav:"Properties,omitempty"`
	Version    int64          `dynamodbav:"Version"`
	CreatedAt  string         `dynamodbav:"CreatedAt"`
	ModifiedAt string         `dynamodbav:"ModifiedAt"`
	Mentions   []string       `dynamodbav:"Mentions,omitempty"`
}

func nodeKey(id string) string {
	return "NODE#" + id
}

func parentKey(parentID string) string {
	return "PARENT#" + parentID
}

func toRecord(n *outline.Node) record {
	created := n.CreatedAt.UTC().Format(sortableTime)
	return record{
		PK:         nodeKey(n.ID),
		SK:         metaSortKey,
		EntityType: entityType,
		GSI1PK:     parentKey(n.ParentID),
		GSI1SK:     fmt.Sprintf("CREATED#%s#%s", created, n.ID),
		NodeID:     n.ID,
		NodeType:   n.Type,
		Content:    n.Content,
		ParentID:   n.ParentID,
		Properties: n.Properties,
		Version:    n.Version,
		CreatedAt:  created,
		ModifiedAt: n.ModifiedAt.UTC().Format(sortableTime),
		Mentions:   n.Mentions,
	}
}

func fromRecord(r record) (*outline.Node, error) {
	createdAt, err := time.Parse(time.RFC3339Nano, r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing CreatedAt for node %s: %w", r.NodeID, err)
	}
	modifiedAt, err := time.Parse(time.RFC3339Nano, r.ModifiedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing ModifiedAt for node %s: %w", r.NodeID, err)
	}
	return &outline.Node{
		ID:         r.NodeID,
		Type:       r.NodeType,
		Content:    r.Content,
		ParentID:   r.ParentID,
		Properties: r.Properties,
		Version:    r.Version,
		CreatedAt:  createdAt,
		ModifiedAt: modifiedAt,
		Mentions:   r.Mentions,
	}, nil
}

func (b *Backend) key(id string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK": &types.AttributeValueMemberS{Value: nodeKey(id)},
		"SK": &types.AttributeValueMemberS{Value: metaSortKey},
	}
}

// Create puts the item with an existence guard; losing the race to another
// writer surfaces as a conflict.
func (b *Backend) Create(ctx context.Context, node *outline.Node) error {
	if node == nil || node.ID == "" {
		return errors.NewValidation("cannot create a node without an id")
	}

	item, err := attributevalue.MarshalMap(toRecord(node))
	if err != nil {
		return fmt.Errorf("marshalling node %s: %w", node.ID, err)
	}

	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeNotExists(expression.Name("PK"))).
		Build()
	if err != nil {
		return fmt.Errorf("building create condition: %w", err)
	}

	_, err = b.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(b.tableName),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if stderrors.As(err, &ccf) {
			return errors.NewConflict(fmt.Sprintf("node %s already exists", node.ID))
		}
		return fmt.Errorf("putting node %s: %w", node.ID, err)
	}

	b.logger.Debug("created node", zap.String("nodeId", node.ID))
	return nil
}

// Update replaces the item, guarded on existence so a delete that raced the
// debounce window cannot be resurrected.
func (b *Backend) Update(ctx context.Context, node *outline.Node) error {
	if node == nil || node.ID == "" {
		return errors.NewValidation("cannot update a node without an id")
	}

	item, err := attributevalue.MarshalMap(toRecord(node))
	if err != nil {
		return fmt.Errorf("marshalling node %s: %w", node.ID, err)
	}

	expr, err := expression.NewBuilder().
		WithCondition(expression.AttributeExists(expression.Name("PK"))).
		Build()
	if err != nil {
		return fmt.Errorf("building update condition: %w", err)
	}

	_, err = b.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName:                 aws.String(b.tableName),
		Item:                      item,
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if stderrors.As(err, &ccf) {
			return errors.NewNotFound(fmt.Sprintf("node %s does not exist", node.ID))
		}
		return fmt.Errorf("putting node %s: %w", node.ID, err)
	}

	b.logger.Debug("updated node", zap.String("nodeId", node.ID), zap.Int64("version", node.Version))
	return nil
}

// Delete removes the item; deleting an absent node is not an error.
func (b *Backend) Delete(ctx context.Context, id string) error {
	_, err := b.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(b.tableName),
		Key:       b.key(id),
	})
	if err != nil {
		return fmt.Errorf("deleting node %s: %w", id, err)
	}
	return nil
}

// Load fetches one node with a consistent read; the caller is usually about
// to trust the version number on it.
func (b *Backend) Load(ctx context.Context, id string) (*outline.Node, error) {
	out, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.tableName),
		Key:            b.key(id),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("getting node %s: %w", id, err)
	}
	if len(out.Item) == 0 {
		return nil, errors.NewNotFound(fmt.Sprintf("node %s does not exist", id))
	}

	var r record
	if err := attributevalue.UnmarshalMap(out.Item, &r); err != nil {
		return nil, fmt.Errorf("unmarshalling node %s: %w", id, err)
	}
	return fromRecord(r)
}

// LoadChildren queries the parent GSI; items come back in creation order
// because GSI1SK embeds a fixed-width creation timestamp.
func (b *Backend) LoadChildren(ctx context.Context, parentID string) ([]*outline.Node, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("GSI1PK").Equal(expression.Value(parentKey(parentID)))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("building child query: %w", err)
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(b.tableName),
		IndexName:                 aws.String(b.indexName),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}

	var nodes []*outline.Node
	for {
		out, err := b.client.Query(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("querying children of %q: %w", parentID, err)
		}
		parsed, err := parseItems(out.Items)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, parsed...)

		if len(out.LastEvaluatedKey) == 0 {
			return nodes, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// List scans the table for startup hydration, filtered to node items so the
// table can host other entity types later.
func (b *Backend) List(ctx context.Context) ([]*outline.Node, error) {
	expr, err := expression.NewBuilder().
		WithFilter(expression.Name("EntityType").Equal(expression.Value(entityType))).
		Build()
	if err != nil {
		return nil, fmt.Errorf("building list filter: %w", err)
	}

	input := &dynamodb.ScanInput{
		TableName:                 aws.String(b.tableName),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	}

	var nodes []*outline.Node
	for {
		out, err := b.client.Scan(ctx, input)
		if err != nil {
			return nil, fmt.Errorf("scanning nodes: %w", err)
		}
		parsed, err := parseItems(out.Items)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, parsed...)

		if len(out.LastEvaluatedKey) == 0 {
			return nodes, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

// Close is a no-op; the SDK client holds no connection state worth tearing
// down here.
func (b *Backend) Close() error {
	return nil
}

func parseItems(items []map[string]types.AttributeValue) ([]*outline.Node, error) {
	nodes := make([]*outline.Node, 0, len(items))
	for _, item := range items {
		var r record
		if err := attributevalue.UnmarshalMap(item, &r); err != nil {
			return nil, fmt.Errorf("unmarshalling item: %w", err)
		}
		n, err := fromRecord(r)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}
