package archive

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// S3Backend replicates shard data and manifests to an S3 bucket, for
// operators who want an off-host copy beyond the local archive root.
// Grounded on internal/ctlog/s3.go: separate instrumented HTTP transports
// for GET and PUT (so their request-count and latency metrics carry
// distinct "action" labels), gzip-compression helper kept for
// compressible payloads such as bencoded torrents.
type S3Backend struct {
	getClient *s3.Client
	putClient *s3.Client
	bucket    string
	metrics   []prometheus.Collector
	log       *slog.Logger
}

// NewS3Backend returns an S3Backend for bucket in region, using the
// default AWS credential chain. endpoint overrides the default AWS service
// endpoint when non-empty, for operators pointing at a local or
// S3-compatible store during testing.
func NewS3Backend(ctx context.Context, region, bucket, endpoint string, log *slog.Logger) (*S3Backend, error) {
	counter := prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "s3_requests_total", Help: "S3 requests performed, by action and response code."},
		[]string{"action", "code"},
	)
	duration := prometheus.NewSummaryVec(
		prometheus.SummaryOpts{
			Name:       "s3_request_duration_seconds",
			Help:       "S3 request latencies, by action and response code.",
			Objectives: map[float64]float64{0.5: 0.05, 0.9: 0.01, 0.99: 0.001},
			MaxAge:     time.Minute,
			AgeBuckets: 6,
		},
		[]string{"action", "code"},
	)

	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for S3 backend: %w", err)
	}

	getLabels := prometheus.Labels{"action": "get"}
	getTransport := http.RoundTripper(http.DefaultTransport.(*http.Transport).Clone())
	getTransport = promhttp.InstrumentRoundTripperCounter(counter.MustCurryWith(getLabels), getTransport)
	getTransport = promhttp.InstrumentRoundTripperDuration(duration.MustCurryWith(getLabels), getTransport)
	getCfg := cfg.Copy()
	getCfg.HTTPClient = &http.Client{Transport: getTransport}

	putLabels := prometheus.Labels{"action": "put"}
	putTransport := http.RoundTripper(http.DefaultTransport.(*http.Transport).Clone())
	putTransport = promhttp.InstrumentRoundTripperCounter(counter.MustCurryWith(putLabels), putTransport)
	putTransport = promhttp.InstrumentRoundTripperDuration(duration.MustCurryWith(putLabels), putTransport)
	putCfg := cfg.Copy()
	putCfg.HTTPClient = &http.Client{Transport: putTransport}

	endpointOpt := func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}

	return &S3Backend{
		getClient: s3.NewFromConfig(getCfg, endpointOpt),
		putClient: s3.NewFromConfig(putCfg, endpointOpt),
		bucket:    bucket,
		metrics:   []prometheus.Collector{counter, duration},
		log:       log,
	}, nil
}

var _ Backend = &S3Backend{}

func (s *S3Backend) Upload(ctx context.Context, key string, data []byte) error {
	start := time.Now()
	_, err := s.putClient.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
	})
	debugf(ctx, s.log, "S3 PUT", "key", key, "size", len(data), "elapsed", time.Since(start), "err", err)
	if err != nil {
		return fmt.Errorf("failed to upload %q to S3: %w", key, err)
	}
	return nil
}

// UploadCompressible gzip-compresses data before uploading it, for payloads
// such as torrents or RSS feeds that benefit from compression in transit
// and at rest.
func (s *S3Backend) UploadCompressible(ctx context.Context, key string, data []byte) error {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to compress %q: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to compress %q: %w", key, err)
	}
	start := time.Now()
	_, err := s.putClient.PutObject(ctx, &s3.PutObjectInput{
		Bucket:          aws.String(s.bucket),
		Key:             aws.String(key),
		Body:            bytes.NewReader(buf.Bytes()),
		ContentLength:   aws.Int64(int64(buf.Len())),
		ContentEncoding: aws.String("gzip"),
	})
	debugf(ctx, s.log, "S3 PUT (compressed)", "key", key, "size", buf.Len(), "elapsed", time.Since(start), "err", err)
	if err != nil {
		return fmt.Errorf("failed to upload %q to S3: %w", key, err)
	}
	return nil
}

func (s *S3Backend) Fetch(ctx context.Context, key string) ([]byte, error) {
	out, err := s.getClient.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %q from S3: %w", key, err)
	}
	defer out.Body.Close()
	body := io.Reader(out.Body)
	if out.ContentEncoding != nil && *out.ContentEncoding == "gzip" {
		body, err = gzip.NewReader(out.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to decompress %q from S3: %w", key, err)
		}
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read %q from S3: %w", key, err)
	}
	debugf(ctx, s.log, "S3 GET", "key", key, "size", len(data))
	return data, nil
}

func (s *S3Backend) Metrics() []prometheus.Collector { return s.metrics }
