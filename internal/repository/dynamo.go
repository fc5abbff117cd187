package repository

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/shopspring/decimal"

	"github.com/cloud-wave-best-zizon/order-service/internal/domain"
	pkgconfig "github.com/cloud-wave-best-zizon/order-service/pkg/config"
)

const (
	userCreatedIndex    = "user_id-created_at-index"
	statusDeadlineIndex = "status-pay_deadline-index"

	// TransactWriteItems attempts after the first one that end in a
	// TransactionConflict.
	conflictRetries = 4
	conflictBackoff = 20 * time.Millisecond
)

type DynamoTables struct {
	Products  string
	Cities    string
	Orders    string
	Payments  string
	OrderLogs string
	Cart      string
}

func TablesFromConfig(cfg *pkgconfig.Config) DynamoTables {
	return DynamoTables{
		Products:  cfg.ProductTableName,
		Cities:    cfg.CityTableName,
		Orders:    cfg.OrderTableName,
		Payments:  cfg.PaymentTableName,
		OrderLogs: cfg.OrderLogTableName,
		Cart:      cfg.CartTableName,
	}
}

type DynamoStore struct {
	client *dynamodb.Client
	tables DynamoTables
}

func NewDynamoDBClient(ctx context.Context, cfg *pkgconfig.Config) (*dynamodb.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.AWSRegion)}
	if cfg.DynamoDBEndpoint != "" {
		// dynamodb-local 은 임의의 자격 증명을 허용
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.DynamoDBEndpoint != "" {
			o.BaseEndpoint = aws.String(cfg.DynamoDBEndpoint)
		}
	}), nil
}

func NewDynamoStore(client *dynamodb.Client, tables DynamoTables) *DynamoStore {
	return &DynamoStore{client: client, tables: tables}
}

func (s *DynamoStore) Close() error { return nil }

type productRecord struct {
	ProductID  int64  `dynamodbav:"product_id"`
	Name       string `dynamodbav:"name"`
	Brand      string `dynamodbav:"brand"`
	Category   string `dynamodbav:"category"`
	PlatformID int64  `dynamodbav:"platform_id"`
	Price      string `dynamodbav:"price"`
	Stock      int    `dynamodbav:"stock"`
	Status     string `dynamodbav:"status"`
	UpdatedAt  int64  `dynamodbav:"updated_at"`
}

type cityRecord struct {
	CityID       int64  `dynamodbav:"city_id"`
	Name         string `dynamodbav:"name"`
	ProvinceID   int64  `dynamodbav:"province_id"`
	ProvinceName string `dynamodbav:"province_name"`
}

// Timestamps are unix millis so the GSI sort keys compare numerically.
type orderRecord struct {
	OrderNo       string `dynamodbav:"order_no"`
	UserID        int64  `dynamodbav:"user_id"`
	ProductID     int64  `dynamodbav:"product_id"`
	CityID        int64  `dynamodbav:"city_id"`
	Quantity      int    `dynamodbav:"quantity"`
	Amount        string `dynamodbav:"amount"`
	Remark        string `dynamodbav:"remark,omitempty"`
	Status        string `dynamodbav:"status"`
	PayDeadline   int64  `dynamodbav:"pay_deadline"`
	PayTime       int64  `dynamodbav:"pay_time,omitempty"`
	PaymentMethod string `dynamodbav:"payment_method,omitempty"`
	PaymentNo     string `dynamodbav:"payment_no,omitempty"`
	Version       int64  `dynamodbav:"version"`
	CreatedAt     int64  `dynamodbav:"created_at"`
	UpdatedAt     int64  `dynamodbav:"updated_at"`
	ProductName   string `dynamodbav:"product_name"`
	Brand         string `dynamodbav:"brand"`
	Category      string `dynamodbav:"category"`
	PlatformID    int64  `dynamodbav:"platform_id"`
	CityName      string `dynamodbav:"city_name"`
	ProvinceID    int64  `dynamodbav:"province_id"`
	ProvinceName  string `dynamodbav:"province_name"`
}

type paymentRecord struct {
	OrderNo   string `dynamodbav:"order_no"`
	PaymentNo string `dynamodbav:"payment_no"`
	UserID    int64  `dynamodbav:"user_id"`
	Amount    string `dynamodbav:"amount"`
	Method    string `dynamodbav:"method"`
	PaidAt    int64  `dynamodbav:"paid_at"`
}

type logRecord struct {
	OrderNo      string `dynamodbav:"order_no"`
	LogID        string `dynamodbav:"log_id"`
	UserID       int64  `dynamodbav:"user_id"`
	Operation    string `dynamodbav:"operation"`
	FromStatus   string `dynamodbav:"from_status,omitempty"`
	ToStatus     string `dynamodbav:"to_status"`
	OperatorType string `dynamodbav:"operator_type"`
	OperatorID   string `dynamodbav:"operator_id"`
	Detail       string `dynamodbav:"detail"`
	CreatedAt    int64  `dynamodbav:"created_at"`
}

type cartRecord struct {
	UserID      int64  `dynamodbav:"user_id"`
	CartKey     string `dynamodbav:"cart_key"`
	ProductID   int64  `dynamodbav:"product_id"`
	CityID      int64  `dynamodbav:"city_id"`
	Quantity    int    `dynamodbav:"quantity"`
	Amount      string `dynamodbav:"amount"`
	UpdatedAt   int64  `dynamodbav:"updated_at"`
	ProductName string `dynamodbav:"product_name"`
	Brand       string `dynamodbav:"brand"`
	Category    string `dynamodbav:"category"`
	PlatformID  int64  `dynamodbav:"platform_id"`
}

func millis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func parseAmount(raw string) decimal.Decimal {
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func toOrderRecord(o *domain.Order) orderRecord {
	r := orderRecord{
		OrderNo:       o.OrderNo,
		UserID:        o.UserID,
		ProductID:     o.ProductID,
		CityID:        o.CityID,
		Quantity:      o.Quantity,
		Amount:        o.Amount.String(),
		Remark:        o.Remark,
		Status:        string(o.Status),
		PayDeadline:   millis(o.PayDeadline),
		PaymentMethod: o.PaymentMethod,
		PaymentNo:     o.PaymentNo,
		Version:       o.Version,
		CreatedAt:     millis(o.CreatedAt),
		UpdatedAt:     millis(o.UpdatedAt),
		ProductName:   o.ProductName,
		Brand:         o.Brand,
		Category:      o.Category,
		PlatformID:    o.PlatformID,
		CityName:      o.CityName,
		ProvinceID:    o.ProvinceID,
		ProvinceName:  o.ProvinceName,
	}
	if o.PayTime != nil {
		r.PayTime = millis(*o.PayTime)
	}
	return r
}

func (r orderRecord) toDomain() domain.Order {
	o := domain.Order{
		OrderNo:       r.OrderNo,
		UserID:        r.UserID,
		ProductID:     r.ProductID,
		CityID:        r.CityID,
		Quantity:      r.Quantity,
		Amount:        parseAmount(r.Amount),
		Remark:        r.Remark,
		Status:        domain.OrderStatus(r.Status),
		PayDeadline:   fromMillis(r.PayDeadline),
		PaymentMethod: r.PaymentMethod,
		PaymentNo:     r.PaymentNo,
		Version:       r.Version,
		CreatedAt:     fromMillis(r.CreatedAt),
		UpdatedAt:     fromMillis(r.UpdatedAt),
		ProductName:   r.ProductName,
		Brand:         r.Brand,
		Category:      r.Category,
		PlatformID:    r.PlatformID,
		CityName:      r.CityName,
		ProvinceID:    r.ProvinceID,
		ProvinceName:  r.ProvinceName,
	}
	if r.PayTime != 0 {
		t := fromMillis(r.PayTime)
		o.PayTime = &t
	}
	return o
}

func toLogRecord(e domain.OperationLogEntry) logRecord {
	return logRecord{
		OrderNo:      e.OrderNo,
		LogID:        e.LogID,
		UserID:       e.UserID,
		Operation:    string(e.Operation),
		FromStatus:   string(e.FromStatus),
		ToStatus:     string(e.ToStatus),
		OperatorType: string(e.OperatorType),
		OperatorID:   e.OperatorID,
		Detail:       e.Detail,
		CreatedAt:    millis(e.CreatedAt),
	}
}

func cartKeyOf(productID, cityID int64) string {
	return strconv.FormatInt(productID, 10) + "#" + strconv.FormatInt(cityID, 10)
}

func numKey(name string, v int64) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		name: &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)},
	}
}

func strKey(name, v string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		name: &types.AttributeValueMemberS{Value: v},
	}
}

// conditionFailures returns, per transaction item, whether its condition
// check failed. ok is false when err is not a cancellation.
func conditionFailures(err error) (failed []bool, ok bool) {
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return nil, false
	}
	failed = make([]bool, len(tce.CancellationReasons))
	for i, r := range tce.CancellationReasons {
		failed[i] = aws.ToString(r.Code) == "ConditionalCheckFailed"
	}
	return failed, true
}

// transactionConflict reports whether err was caused by another transaction
// touching the same items. Such a write did not happen and may be retried.
func transactionConflict(err error) bool {
	var tc *types.TransactionConflictException
	if errors.As(err, &tc) {
		return true
	}
	var tce *types.TransactionCanceledException
	if !errors.As(err, &tce) {
		return false
	}
	for _, r := range tce.CancellationReasons {
		if aws.ToString(r.Code) == "TransactionConflict" {
			return true
		}
	}
	return false
}

// transact runs TransactWriteItems, retrying with jittered backoff while it
// loses to a concurrent transaction. The last error is returned as is.
func (s *DynamoStore) transact(ctx context.Context, items []types.TransactWriteItem) error {
	for attempt := 0; ; attempt++ {
		_, err := s.client.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items})
		if err == nil || attempt == conflictRetries || !transactionConflict(err) {
			return err
		}
		wait := conflictBackoff << attempt
		select {
		case <-ctx.Done():
			return err
		case <-time.After(wait + rand.N(wait)):
		}
	}
}

func (s *DynamoStore) PutProduct(ctx context.Context, p *domain.Product) error {
	av, err := attributevalue.MarshalMap(productRecord{
		ProductID:  p.ProductID,
		Name:       p.Name,
		Brand:      p.Brand,
		Category:   p.Category,
		PlatformID: p.PlatformID,
		Price:      p.Price.String(),
		Stock:      p.Stock,
		Status:     string(p.Status),
		UpdatedAt:  millis(time.Now()),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal product: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tables.Products),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to put product: %w", err)
	}
	return nil
}

func (s *DynamoStore) PutCity(ctx context.Context, c *domain.City) error {
	av, err := attributevalue.MarshalMap(cityRecord(*c))
	if err != nil {
		return fmt.Errorf("failed to marshal city: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tables.Cities),
		Item:      av,
	})
	if err != nil {
		return fmt.Errorf("failed to put city: %w", err)
	}
	return nil
}

func (s *DynamoStore) GetProduct(ctx context.Context, productID int64) (*domain.Product, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.Products),
		Key:       numKey("product_id", productID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	if result.Item == nil {
		return nil, ErrProductNotFound
	}

	var r productRecord
	if err := attributevalue.UnmarshalMap(result.Item, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal product: %w", err)
	}
	return &domain.Product{
		ProductID:  r.ProductID,
		Name:       r.Name,
		Brand:      r.Brand,
		Category:   r.Category,
		PlatformID: r.PlatformID,
		Price:      parseAmount(r.Price),
		Stock:      r.Stock,
		Status:     domain.ProductStatus(r.Status),
		UpdatedAt:  fromMillis(r.UpdatedAt),
	}, nil
}

func (s *DynamoStore) GetCity(ctx context.Context, cityID int64) (*domain.City, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.Cities),
		Key:       numKey("city_id", cityID),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get city: %w", err)
	}
	if result.Item == nil {
		return nil, ErrCityNotFound
	}
	var r cityRecord
	if err := attributevalue.UnmarshalMap(result.Item, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal city: %w", err)
	}
	c := domain.City(r)
	return &c, nil
}

func (s *DynamoStore) ListPlatformIDs(ctx context.Context) ([]int64, error) {
	expr, err := expression.NewBuilder().
		WithProjection(expression.NamesList(expression.Name("platform_id"))).
		Build()
	if err != nil {
		return nil, err
	}

	seen := make(map[int64]struct{})
	pages := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                aws.String(s.tables.Products),
		ProjectionExpression:     expr.Projection(),
		ExpressionAttributeNames: expr.Names(),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to scan products: %w", err)
		}
		var rows []productRecord
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &rows); err != nil {
			return nil, err
		}
		for _, r := range rows {
			if r.PlatformID > 0 {
				seen[r.PlatformID] = struct{}{}
			}
		}
	}

	ids := make([]int64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// CreateOrder runs the stock decrement, order insert and log insert as one
// TransactWriteItems call.
func (s *DynamoStore) CreateOrder(ctx context.Context, order *domain.Order, log domain.OperationLogEntry) error {
	update := expression.Set(
		expression.Name("stock"),
		expression.Minus(expression.Name("stock"), expression.Value(order.Quantity)),
	).Set(
		expression.Name("updated_at"),
		expression.Value(millis(order.CreatedAt)),
	)

	// 재고가 충분하고 판매 중인 상품만 차감
	condition := expression.Name("stock").GreaterThanEqual(expression.Value(order.Quantity)).
		And(expression.Or(
			expression.Name("status").Equal(expression.Value(string(domain.ProductStatusActive))),
			expression.Name("status").AttributeNotExists(),
		))

	stockExpr, err := expression.NewBuilder().WithUpdate(update).WithCondition(condition).Build()
	if err != nil {
		return err
	}

	orderItem, err := attributevalue.MarshalMap(toOrderRecord(order))
	if err != nil {
		return fmt.Errorf("failed to marshal order: %w", err)
	}
	orderExpr, err := expression.NewBuilder().
		WithCondition(expression.Name("order_no").AttributeNotExists()).
		Build()
	if err != nil {
		return err
	}

	logItem, err := attributevalue.MarshalMap(toLogRecord(log))
	if err != nil {
		return fmt.Errorf("failed to marshal log: %w", err)
	}

	err = s.transact(ctx, []types.TransactWriteItem{
		{Update: &types.Update{
			TableName:                 aws.String(s.tables.Products),
			Key:                       numKey("product_id", order.ProductID),
			UpdateExpression:          stockExpr.Update(),
			ConditionExpression:       stockExpr.Condition(),
			ExpressionAttributeNames:  stockExpr.Names(),
			ExpressionAttributeValues: stockExpr.Values(),
		}},
		{Put: &types.Put{
			TableName:                aws.String(s.tables.Orders),
			Item:                     orderItem,
			ConditionExpression:      orderExpr.Condition(),
			ExpressionAttributeNames: orderExpr.Names(),
		}},
		{Put: &types.Put{
			TableName: aws.String(s.tables.OrderLogs),
			Item:      logItem,
		}},
	})
	if err == nil {
		return nil
	}
	if failed, ok := conditionFailures(err); ok {
		if len(failed) > 0 && failed[0] {
			return ErrInsufficientStock
		}
		if len(failed) > 1 && failed[1] {
			return ErrOrderExists
		}
	}
	if transactionConflict(err) {
		// 재시도 후에도 충돌이면 재고를 다시 확인
		p, perr := s.GetProduct(ctx, order.ProductID)
		if perr == nil && p.Stock < order.Quantity {
			return ErrInsufficientStock
		}
		return fmt.Errorf("%w: product %d", ErrWriteConflict, order.ProductID)
	}
	return fmt.Errorf("failed to create order: %w", err)
}

func (s *DynamoStore) GetOrder(ctx context.Context, orderNo string) (*domain.Order, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.tables.Orders),
		Key:            strKey("order_no", orderNo),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}
	if result.Item == nil {
		return nil, ErrOrderNotFound
	}
	var r orderRecord
	if err := attributevalue.UnmarshalMap(result.Item, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	o := r.toDomain()
	return &o, nil
}

func (s *DynamoStore) ListOrdersByNos(ctx context.Context, userID int64, orderNos []string) ([]domain.Order, error) {
	out := make([]domain.Order, 0, len(orderNos))
	for _, no := range orderNos {
		o, err := s.GetOrder(ctx, no)
		if errors.Is(err, ErrOrderNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if o.UserID == userID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (s *DynamoStore) ListRecentOrders(ctx context.Context, userID int64, limit int, status domain.OrderStatus) ([]domain.Order, error) {
	builder := expression.NewBuilder().
		WithKeyCondition(expression.Key("user_id").Equal(expression.Value(userID)))
	if status != "" {
		builder = builder.WithFilter(expression.Name("status").Equal(expression.Value(string(status))))
	}
	expr, err := builder.Build()
	if err != nil {
		return nil, err
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tables.Orders),
		IndexName:                 aws.String(userCreatedIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(false),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}
	return s.queryOrders(ctx, input, limit)
}

func (s *DynamoStore) ListExpiredPending(ctx context.Context, now time.Time, limit int) ([]domain.Order, error) {
	key := expression.Key("status").Equal(expression.Value(string(domain.OrderStatusPending))).
		And(expression.Key("pay_deadline").LessThan(expression.Value(millis(now))))
	expr, err := expression.NewBuilder().WithKeyCondition(key).Build()
	if err != nil {
		return nil, err
	}

	input := &dynamodb.QueryInput{
		TableName:                 aws.String(s.tables.Orders),
		IndexName:                 aws.String(statusDeadlineIndex),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ScanIndexForward:          aws.Bool(true),
	}
	if limit > 0 {
		input.Limit = aws.Int32(int32(limit))
	}
	return s.queryOrders(ctx, input, limit)
}

func (s *DynamoStore) queryOrders(ctx context.Context, input *dynamodb.QueryInput, limit int) ([]domain.Order, error) {
	var out []domain.Order
	pages := dynamodb.NewQueryPaginator(s.client, input)
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query orders: %w", err)
		}
		var rows []orderRecord
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &rows); err != nil {
			return nil, err
		}
		for _, r := range rows {
			out = append(out, r.toDomain())
			if limit > 0 && len(out) >= limit {
				return out, nil
			}
		}
	}
	return out, nil
}

// ApplyTransition writes the guarded status update together with the
// payment record, stock release and log entry. A payment record is keyed by
// order number, so a second one fails its attribute_not_exists condition.
func (s *DynamoStore) ApplyTransition(ctx context.Context, t Transition) (bool, error) {
	at := millis(t.At)

	update := expression.Set(expression.Name("status"), expression.Value(string(t.To))).
		Set(expression.Name("updated_at"), expression.Value(at)).
		Add(expression.Name("version"), expression.Value(1))
	if t.Payment != nil {
		update = update.
			Set(expression.Name("pay_time"), expression.Value(millis(t.Payment.PaidAt))).
			Set(expression.Name("payment_method"), expression.Value(t.Payment.Method)).
			Set(expression.Name("payment_no"), expression.Value(t.Payment.PaymentNo))
	}

	cond := expression.Name("status").Equal(expression.Value(string(domain.OrderStatusPending)))
	if t.OwnerID > 0 {
		cond = cond.And(expression.Name("user_id").Equal(expression.Value(t.OwnerID)))
	}
	switch t.Guard {
	case GuardDeadlineNotPassed:
		cond = cond.And(expression.Name("pay_deadline").GreaterThanEqual(expression.Value(at)))
	case GuardDeadlinePassed:
		cond = cond.And(expression.Name("pay_deadline").LessThan(expression.Value(at)))
	}

	orderExpr, err := expression.NewBuilder().WithUpdate(update).WithCondition(cond).Build()
	if err != nil {
		return false, err
	}

	items := []types.TransactWriteItem{{Update: &types.Update{
		TableName:                 aws.String(s.tables.Orders),
		Key:                       strKey("order_no", t.OrderNo),
		UpdateExpression:          orderExpr.Update(),
		ConditionExpression:       orderExpr.Condition(),
		ExpressionAttributeNames:  orderExpr.Names(),
		ExpressionAttributeValues: orderExpr.Values(),
	}}}

	if t.Payment != nil {
		payItem, err := attributevalue.MarshalMap(paymentRecord{
			OrderNo:   t.Payment.OrderNo,
			PaymentNo: t.Payment.PaymentNo,
			UserID:    t.Payment.UserID,
			Amount:    t.Payment.Amount.String(),
			Method:    t.Payment.Method,
			PaidAt:    millis(t.Payment.PaidAt),
		})
		if err != nil {
			return false, fmt.Errorf("failed to marshal payment: %w", err)
		}
		payExpr, err := expression.NewBuilder().
			WithCondition(expression.Name("order_no").AttributeNotExists()).
			Build()
		if err != nil {
			return false, err
		}
		items = append(items, types.TransactWriteItem{Put: &types.Put{
			TableName:                aws.String(s.tables.Payments),
			Item:                     payItem,
			ConditionExpression:      payExpr.Condition(),
			ExpressionAttributeNames: payExpr.Names(),
		}})
	}

	if t.ReleaseStock {
		stockExpr, err := expression.NewBuilder().
			WithUpdate(expression.Add(expression.Name("stock"), expression.Value(t.Quantity)).
				Set(expression.Name("updated_at"), expression.Value(at))).
			Build()
		if err != nil {
			return false, err
		}
		items = append(items, types.TransactWriteItem{Update: &types.Update{
			TableName:                 aws.String(s.tables.Products),
			Key:                       numKey("product_id", t.ProductID),
			UpdateExpression:          stockExpr.Update(),
			ExpressionAttributeNames:  stockExpr.Names(),
			ExpressionAttributeValues: stockExpr.Values(),
		}})
	}

	logItem, err := attributevalue.MarshalMap(toLogRecord(t.Log))
	if err != nil {
		return false, fmt.Errorf("failed to marshal log: %w", err)
	}
	items = append(items, types.TransactWriteItem{Put: &types.Put{
		TableName: aws.String(s.tables.OrderLogs),
		Item:      logItem,
	}})

	err = s.transact(ctx, items)
	if err == nil {
		return true, nil
	}
	failed, ok := conditionFailures(err)
	if ok && len(failed) > 0 && failed[0] {
		// status = PENDING also fails for a missing item
		if _, gerr := s.GetOrder(ctx, t.OrderNo); errors.Is(gerr, ErrOrderNotFound) {
			return false, ErrOrderNotFound
		}
		return false, nil
	}
	for _, f := range failed {
		if f {
			return false, nil
		}
	}
	// still losing to a concurrent writer: the caller re-reads the order
	if transactionConflict(err) {
		return false, nil
	}
	return false, fmt.Errorf("failed to apply transition: %w", err)
}

func (s *DynamoStore) ReleaseStock(ctx context.Context, productID int64, quantity int) error {
	expr, err := expression.NewBuilder().
		WithUpdate(expression.Add(expression.Name("stock"), expression.Value(quantity)).
			Set(expression.Name("updated_at"), expression.Value(millis(time.Now())))).
		WithCondition(expression.Name("product_id").AttributeExists()).
		Build()
	if err != nil {
		return err
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tables.Products),
		Key:                       numKey("product_id", productID),
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrProductNotFound
		}
		return fmt.Errorf("failed to release stock: %w", err)
	}
	return nil
}

func (s *DynamoStore) GetPayment(ctx context.Context, orderNo string) (*domain.PaymentRecord, error) {
	result, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tables.Payments),
		Key:       strKey("order_no", orderNo),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get payment: %w", err)
	}
	if result.Item == nil {
		return nil, nil
	}
	var r paymentRecord
	if err := attributevalue.UnmarshalMap(result.Item, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payment: %w", err)
	}
	return &domain.PaymentRecord{
		PaymentNo: r.PaymentNo,
		OrderNo:   r.OrderNo,
		UserID:    r.UserID,
		Amount:    parseAmount(r.Amount),
		Method:    r.Method,
		PaidAt:    fromMillis(r.PaidAt),
	}, nil
}

func (s *DynamoStore) ListOperationLogs(ctx context.Context, orderNo string) ([]domain.OperationLogEntry, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("order_no").Equal(expression.Value(orderNo))).
		Build()
	if err != nil {
		return nil, err
	}

	var out []domain.OperationLogEntry
	pages := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tables.OrderLogs),
		KeyConditionExpression:    expr.KeyCondition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query logs: %w", err)
		}
		var rows []logRecord
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &rows); err != nil {
			return nil, err
		}
		for _, r := range rows {
			out = append(out, domain.OperationLogEntry{
				LogID:        r.LogID,
				OrderNo:      r.OrderNo,
				UserID:       r.UserID,
				Operation:    domain.Operation(r.Operation),
				FromStatus:   domain.OrderStatus(r.FromStatus),
				ToStatus:     domain.OrderStatus(r.ToStatus),
				OperatorType: domain.OperatorType(r.OperatorType),
				OperatorID:   r.OperatorID,
				Detail:       r.Detail,
				CreatedAt:    fromMillis(r.CreatedAt),
			})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *DynamoStore) AddCartLine(ctx context.Context, line domain.CartLine) error {
	key := numKey("user_id", line.UserID)
	key["cart_key"] = &types.AttributeValueMemberS{Value: cartKeyOf(line.ProductID, line.CityID)}

	update := expression.Add(expression.Name("quantity"), expression.Value(1)).
		Set(expression.Name("product_id"), expression.Value(line.ProductID)).
		Set(expression.Name("city_id"), expression.Value(line.CityID)).
		Set(expression.Name("amount"), expression.Value(line.Amount.String())).
		Set(expression.Name("updated_at"), expression.Value(millis(line.UpdatedAt))).
		Set(expression.Name("product_name"), expression.Value(line.ProductName)).
		Set(expression.Name("brand"), expression.Value(line.Brand)).
		Set(expression.Name("category"), expression.Value(line.Category)).
		Set(expression.Name("platform_id"), expression.Value(line.PlatformID))
	expr, err := expression.NewBuilder().WithUpdate(update).Build()
	if err != nil {
		return err
	}

	_, err = s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tables.Cart),
		Key:                       key,
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	if err != nil {
		return fmt.Errorf("failed to add cart line: %w", err)
	}
	return nil
}

func (s *DynamoStore) DecrementCartLine(ctx context.Context, userID, productID, cityID int64) error {
	if cityID <= 0 {
		lines, err := s.ListCart(ctx, userID)
		if err != nil {
			return err
		}
		for _, l := range lines {
			if l.ProductID == productID {
				cityID = l.CityID
				break
			}
		}
		if cityID <= 0 {
			return ErrCartLineNotFound
		}
	}

	key := numKey("user_id", userID)
	key["cart_key"] = &types.AttributeValueMemberS{Value: cartKeyOf(productID, cityID)}

	expr, err := expression.NewBuilder().
		WithUpdate(expression.Add(expression.Name("quantity"), expression.Value(-1)).
			Set(expression.Name("updated_at"), expression.Value(millis(time.Now())))).
		WithCondition(expression.Name("quantity").GreaterThan(expression.Value(0))).
		Build()
	if err != nil {
		return err
	}
	result, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(s.tables.Cart),
		Key:                       key,
		UpdateExpression:          expr.Update(),
		ConditionExpression:       expr.Condition(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllNew,
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return ErrCartLineNotFound
		}
		return fmt.Errorf("failed to decrement cart line: %w", err)
	}

	var r cartRecord
	if err := attributevalue.UnmarshalMap(result.Attributes, &r); err != nil {
		return err
	}
	if r.Quantity > 0 {
		return nil
	}

	delExpr, err := expression.NewBuilder().
		WithCondition(expression.Name("quantity").LessThanEqual(expression.Value(0))).
		Build()
	if err != nil {
		return err
	}
	_, err = s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:                 aws.String(s.tables.Cart),
		Key:                       key,
		ConditionExpression:       delExpr.Condition(),
		ExpressionAttributeNames:  delExpr.Names(),
		ExpressionAttributeValues: delExpr.Values(),
	})
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			// re-added concurrently
			return nil
		}
		return fmt.Errorf("failed to delete cart line: %w", err)
	}
	return nil
}

func (s *DynamoStore) ListCart(ctx context.Context, userID int64) ([]domain.CartLine, error) {
	expr, err := expression.NewBuilder().
		WithKeyCondition(expression.Key("user_id").Equal(expression.Value(userID))).
		WithFilter(expression.Name("quantity").GreaterThan(expression.Value(0))).
		Build()
	if err != nil {
		return nil, err
	}

	var out []domain.CartLine
	pages := dynamodb.NewQueryPaginator(s.client, &dynamodb.QueryInput{
		TableName:                 aws.String(s.tables.Cart),
		KeyConditionExpression:    expr.KeyCondition(),
		FilterExpression:          expr.Filter(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to query cart: %w", err)
		}
		var rows []cartRecord
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &rows); err != nil {
			return nil, err
		}
		for _, r := range rows {
			out = append(out, domain.CartLine{
				UserID:      r.UserID,
				ProductID:   r.ProductID,
				CityID:      r.CityID,
				Quantity:    r.Quantity,
				Amount:      parseAmount(r.Amount),
				UpdatedAt:   fromMillis(r.UpdatedAt),
				ProductName: r.ProductName,
				Brand:       r.Brand,
				Category:    r.Category,
				PlatformID:  r.PlatformID,
			})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// scanActive visits every pending or paid order.
func (s *DynamoStore) scanActive(ctx context.Context, visit func(orderRecord)) error {
	filter := expression.Name("status").In(
		expression.Value(string(domain.OrderStatusPending)),
		expression.Value(string(domain.OrderStatusPaid)),
	)
	proj := expression.NamesList(
		expression.Name("user_id"),
		expression.Name("platform_id"),
		expression.Name("category"),
		expression.Name("province_id"),
		expression.Name("province_name"),
		expression.Name("created_at"),
	)
	expr, err := expression.NewBuilder().WithFilter(filter).WithProjection(proj).Build()
	if err != nil {
		return err
	}

	pages := dynamodb.NewScanPaginator(s.client, &dynamodb.ScanInput{
		TableName:                 aws.String(s.tables.Orders),
		FilterExpression:          expr.Filter(),
		ProjectionExpression:      expr.Projection(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
	})
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return fmt.Errorf("failed to scan orders: %w", err)
		}
		var rows []orderRecord
		if err := attributevalue.UnmarshalListOfMaps(page.Items, &rows); err != nil {
			return err
		}
		for _, r := range rows {
			visit(r)
		}
	}
	return nil
}

func (s *DynamoStore) CountActiveByPlatform(ctx context.Context) (map[int64]int64, error) {
	counts := make(map[int64]int64)
	err := s.scanActive(ctx, func(r orderRecord) { counts[r.PlatformID]++ })
	if err != nil {
		return nil, err
	}
	return counts, nil
}

func (s *DynamoStore) CountActiveByProvince(ctx context.Context) ([]domain.ProvinceTotal, error) {
	totals := make(map[int64]*domain.ProvinceTotal)
	err := s.scanActive(ctx, func(r orderRecord) {
		t, ok := totals[r.ProvinceID]
		if !ok {
			t = &domain.ProvinceTotal{ProvinceID: r.ProvinceID, ProvinceName: r.ProvinceName}
			totals[r.ProvinceID] = t
		}
		t.OrderTotal++
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.ProvinceTotal, 0, len(totals))
	for _, t := range totals {
		out = append(out, *t)
	}
	SortProvinceTotals(out)
	return out, nil
}

func (s *DynamoStore) CountActiveByCategory(ctx context.Context, platformID int64) ([]domain.CategoryCount, error) {
	counts := make(map[string]int64)
	err := s.scanActive(ctx, func(r orderRecord) {
		if r.PlatformID == platformID {
			counts[strings.TrimSpace(r.Category)]++
		}
	})
	if err != nil {
		return nil, err
	}
	out := make([]domain.CategoryCount, 0, len(counts))
	for c, n := range counts {
		out = append(out, domain.CategoryCount{PlatformID: platformID, Category: c, Count: n})
	}
	SortCategoryCounts(out)
	return out, nil
}

func (s *DynamoStore) ListActiveUserIDs(ctx context.Context, limit int) ([]int64, error) {
	latest := make(map[int64]int64)
	err := s.scanActive(ctx, func(r orderRecord) {
		if r.CreatedAt > latest[r.UserID] {
			latest[r.UserID] = r.CreatedAt
		}
	})
	if err != nil {
		return nil, err
	}
	ids := make([]int64, 0, len(latest))
	for id := range latest {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return latest[ids[i]] > latest[ids[j]] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}
