package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// STHStore holds the trusted STH record for one log, guarded by a
// compare-and-swap write instead of internal/syncctl's single-host
// gofrs/flock lockfile. It exists for operators running the same archive
// from more than one host, where an advisory local lock can't prevent two
// hosts from racing to commit.
type STHStore interface {
	Fetch(ctx context.Context, logID string) (STHRecord, error)
	Create(ctx context.Context, logID string, body []byte) error
	Replace(ctx context.Context, old STHRecord, body []byte) (STHRecord, error)
}

// STHRecord is an opaque handle to a previously fetched trusted STH,
// carrying whatever the backend needs to perform a compare-and-swap
// Replace.
type STHRecord interface {
	Bytes() []byte
}

// ErrNotFound is returned by an STHStore's Fetch when no record exists yet
// for a log, which is the expected state before the first successful sync.
var ErrNotFound = errors.New("archive: sth record not found")

// ErrConflict is returned by Create or Replace when another host committed
// a newer record first.
var ErrConflict = errors.New("archive: sth record changed concurrently")

// DynamoDBBackend stores the trusted STH record with a conditional
// PutItem, grounded on internal/ctlog/dynamodb.go's LockBackend: Create
// uses attribute_not_exists(logID) to guard the first write, Replace uses
// an equality condition on the previous body to guard every subsequent
// one, so a losing writer gets ErrConflict instead of silently
// overwriting a newer STH.
type DynamoDBBackend struct {
	client  *dynamodb.Client
	table   string
	metrics []prometheus.Collector
	log     *slog.Logger
}

// NewDynamoDBBackend returns a DynamoDBBackend using table in region. The
// table must already exist with "logID" (string) as its partition key.
// endpoint overrides the default AWS service endpoint when non-empty, for
// operators pointing at a local DynamoDB during testing.
func NewDynamoDBBackend(ctx context.Context, region, table, endpoint string, log *slog.Logger) (*DynamoDBBackend, error) {
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "dynamodb_requests_total", Help: "DynamoDB requests performed, by method and response code."},
		[]string{"method", "code"},
	)
	duration := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       "dynamodb_request_duration_seconds",
			Help:       "DynamoDB request latencies, by method and response code.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			MaxAge:     time.Minute,
			AgeBuckets: 6,
		},
		[]string{"method", "code"},
	)

	transport := http.RoundTripper(http.DefaultTransport.(*http.Transport).Clone())
	transport = promhttp.InstrumentRoundTripperCounter(counter, transport)
	transport = promhttp.InstrumentRoundTripperDuration(duration, transport)

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region),
		config.WithHTTPClient(&http.Client{Transport: transport}),
		config.WithRetryer(func() aws.Retryer {
			return retry.AddWithMaxBackoffDelay(retry.NewStandard(), 5*time.Millisecond)
		}))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for DynamoDB backend: %w", err)
	}

	return &DynamoDBBackend{
		client: dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
			if endpoint != "" {
				o.BaseEndpoint = aws.String(endpoint)
			}
		}),
		table:   table,
		metrics: []prometheus.Collector{counter, duration},
		log:     log,
	}, nil
}

var _ STHStore = &DynamoDBBackend{}

type dynamoDBSTHRecord struct {
	body  []byte
	logID string
}

func (r *dynamoDBSTHRecord) Bytes() []byte { return r.body }

func (b *DynamoDBBackend) Fetch(ctx context.Context, logID string) (STHRecord, error) {
	resp, err := b.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(b.table),
		Key:            map[string]types.AttributeValue{"logID": &types.AttributeValueMemberS{Value: logID}},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if resp.Item == nil {
		return nil, ErrNotFound
	}
	return &dynamoDBSTHRecord{logID: logID, body: resp.Item["sth"].(*types.AttributeValueMemberB).Value}, nil
}

func (b *DynamoDBBackend) Create(ctx context.Context, logID string, body []byte) error {
	_, err := b.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.table),
		Item: map[string]types.AttributeValue{
			"logID": &types.AttributeValueMemberS{Value: logID},
			"sth":   &types.AttributeValueMemberB{Value: body},
		},
		ConditionExpression: aws.String("attribute_not_exists(logID)"),
	})
	if isConditionalCheckFailure(err) {
		return ErrConflict
	}
	return err
}

func (b *DynamoDBBackend) Replace(ctx context.Context, old STHRecord, body []byte) (STHRecord, error) {
	o := old.(*dynamoDBSTHRecord)
	_, err := b.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(b.table),
		Item: map[string]types.AttributeValue{
			"logID": &types.AttributeValueMemberS{Value: o.logID},
			"sth":   &types.AttributeValueMemberB{Value: body},
		},
		ConditionExpression:       aws.String("sth = :old"),
		ExpressionAttributeValues: map[string]types.AttributeValue{":old": &types.AttributeValueMemberB{Value: o.body}},
	})
	if isConditionalCheckFailure(err) {
		return nil, ErrConflict
	}
	if err != nil {
		return nil, err
	}
	return &dynamoDBSTHRecord{logID: o.logID, body: body}, nil
}

func (b *DynamoDBBackend) Metrics() []prometheus.Collector { return b.metrics }

func isConditionalCheckFailure(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	return errors.As(err, &ccf)
}
