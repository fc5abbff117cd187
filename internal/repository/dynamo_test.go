package repository

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cloud-wave-best-zizon/order-service/internal/domain"
	pkgconfig "github.com/cloud-wave-best-zizon/order-service/pkg/config"
)

func TestOrderRecordKeepsMillisAndAmount(t *testing.T) {
	created := time.UnixMilli(1_700_000_000_123)
	paid := created.Add(5 * time.Second)
	o := &domain.Order{
		OrderNo:     "1001",
		Amount:      decimal.RequireFromString("19.90"),
		Status:      domain.OrderStatusPaid,
		PayDeadline: created.Add(time.Minute),
		PayTime:     &paid,
		CreatedAt:   created,
		UpdatedAt:   paid,
	}

	r := toOrderRecord(o)
	assert.Equal(t, "19.9", r.Amount)
	assert.Equal(t, created.UnixMilli()+60_000, r.PayDeadline)

	back := r.toDomain()
	assert.True(t, back.Amount.Equal(o.Amount))
	require.NotNil(t, back.PayTime)
	assert.True(t, back.PayTime.Equal(paid))
	assert.True(t, back.CreatedAt.Equal(created))

	o.PayTime = nil
	assert.Nil(t, toOrderRecord(o).toDomain().PayTime)
}

func TestParseAmountFallsBackToZero(t *testing.T) {
	assert.True(t, parseAmount("oops").IsZero())
	assert.True(t, parseAmount("").IsZero())
}

func TestConditionFailures(t *testing.T) {
	_, ok := conditionFailures(errors.New("network"))
	assert.False(t, ok)

	err := &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String("None")},
			{Code: aws.String("ConditionalCheckFailed")},
		},
	}
	failed, ok := conditionFailures(err)
	require.True(t, ok)
	assert.Equal(t, []bool{false, true}, failed)
	assert.False(t, transactionConflict(err))
}

func TestTransactionConflict(t *testing.T) {
	assert.False(t, transactionConflict(errors.New("network")))
	assert.True(t, transactionConflict(&types.TransactionConflictException{}))

	lost := &types.TransactionCanceledException{
		CancellationReasons: []types.CancellationReason{
			{Code: aws.String("TransactionConflict")},
			{Code: aws.String("None")},
		},
	}
	assert.True(t, transactionConflict(fmt.Errorf("wrapped: %w", lost)))

	// a conflict is not a failed condition
	failed, ok := conditionFailures(lost)
	require.True(t, ok)
	assert.Equal(t, []bool{false, false}, failed)
}

// TestDynamoStore runs the store conformance cases against dynamodb-local
// (DYNAMODB_TEST_ENDPOINT=http://localhost:8000). Tables are created per run.
func TestDynamoStore(t *testing.T) {
	endpoint := os.Getenv("DYNAMODB_TEST_ENDPOINT")
	if endpoint == "" {
		t.Skip("DYNAMODB_TEST_ENDPOINT not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	client, err := NewDynamoDBClient(ctx, &pkgconfig.Config{AWSRegion: "ap-northeast-2", DynamoDBEndpoint: endpoint})
	require.NoError(t, err)

	suffix := strconv.FormatInt(time.Now().UnixNano(), 36)
	tables := DynamoTables{
		Products:  "products-" + suffix,
		Cities:    "cities-" + suffix,
		Orders:    "orders-" + suffix,
		Payments:  "payments-" + suffix,
		OrderLogs: "order-logs-" + suffix,
		Cart:      "cart-" + suffix,
	}
	createTestTables(ctx, t, client, tables)
	s := NewDynamoStore(client, tables)

	cases := map[string]func(*testing.T, Store, int64){
		"create and release": exerciseCreateAndRelease,
		"transition guards":  exerciseGuards,
		"concurrent pay":     exerciseConcurrentPay,
		"concurrent create":  exerciseConcurrentCreate,
		"unknown order":      exerciseUnknownOrder,
		"cart":               exerciseCart,
		"active aggregates":  exerciseAggregates,
	}
	var offset int64
	for name, run := range cases {
		offset += 1000
		base := offset
		t.Run(name, func(t *testing.T) {
			run(t, s, base)
		})
	}
}

func createTestTables(ctx context.Context, t *testing.T, client *dynamodb.Client, tables DynamoTables) {
	t.Helper()

	attr := func(name string, typ types.ScalarAttributeType) types.AttributeDefinition {
		return types.AttributeDefinition{AttributeName: aws.String(name), AttributeType: typ}
	}
	key := func(hash string, rng ...string) []types.KeySchemaElement {
		ks := []types.KeySchemaElement{{AttributeName: aws.String(hash), KeyType: types.KeyTypeHash}}
		for _, r := range rng {
			ks = append(ks, types.KeySchemaElement{AttributeName: aws.String(r), KeyType: types.KeyTypeRange})
		}
		return ks
	}
	index := func(name string, schema []types.KeySchemaElement) types.GlobalSecondaryIndex {
		return types.GlobalSecondaryIndex{
			IndexName:  aws.String(name),
			KeySchema:  schema,
			Projection: &types.Projection{ProjectionType: types.ProjectionTypeAll},
		}
	}

	inputs := []*dynamodb.CreateTableInput{
		{
			TableName:            aws.String(tables.Products),
			AttributeDefinitions: []types.AttributeDefinition{attr("product_id", types.ScalarAttributeTypeN)},
			KeySchema:            key("product_id"),
		},
		{
			TableName:            aws.String(tables.Cities),
			AttributeDefinitions: []types.AttributeDefinition{attr("city_id", types.ScalarAttributeTypeN)},
			KeySchema:            key("city_id"),
		},
		{
			TableName: aws.String(tables.Orders),
			AttributeDefinitions: []types.AttributeDefinition{
				attr("order_no", types.ScalarAttributeTypeS),
				attr("user_id", types.ScalarAttributeTypeN),
				attr("created_at", types.ScalarAttributeTypeN),
				attr("status", types.ScalarAttributeTypeS),
				attr("pay_deadline", types.ScalarAttributeTypeN),
			},
			KeySchema: key("order_no"),
			GlobalSecondaryIndexes: []types.GlobalSecondaryIndex{
				index(userCreatedIndex, key("user_id", "created_at")),
				index(statusDeadlineIndex, key("status", "pay_deadline")),
			},
		},
		{
			TableName:            aws.String(tables.Payments),
			AttributeDefinitions: []types.AttributeDefinition{attr("order_no", types.ScalarAttributeTypeS)},
			KeySchema:            key("order_no"),
		},
		{
			TableName: aws.String(tables.OrderLogs),
			AttributeDefinitions: []types.AttributeDefinition{
				attr("order_no", types.ScalarAttributeTypeS),
				attr("log_id", types.ScalarAttributeTypeS),
			},
			KeySchema: key("order_no", "log_id"),
		},
		{
			TableName: aws.String(tables.Cart),
			AttributeDefinitions: []types.AttributeDefinition{
				attr("user_id", types.ScalarAttributeTypeN),
				attr("cart_key", types.ScalarAttributeTypeS),
			},
			KeySchema: key("user_id", "cart_key"),
		},
	}
	for _, in := range inputs {
		in.BillingMode = types.BillingModePayPerRequest
		_, err := client.CreateTable(ctx, in)
		require.NoError(t, err, aws.ToString(in.TableName))

		name := aws.ToString(in.TableName)
		t.Cleanup(func() {
			_, _ = client.DeleteTable(context.Background(), &dynamodb.DeleteTableInput{TableName: aws.String(name)})
		})
	}
}
