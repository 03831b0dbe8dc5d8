// Package archive exports receipt-chain snapshots to object storage for
// off-host retention. Snapshots are NDJSON, one receipt per line, named by
// capture time and chain head so an archived chain segment is self-
// identifying.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/myles1663/lancelot-sub002/pkg/contracts"
	"github.com/myles1663/lancelot-sub002/pkg/ledger"
)

// ObjectPutter is the slice of the S3 client the exporter uses.
type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Exporter snapshots the receipt chain into a bucket.
type Exporter struct {
	client ObjectPutter
	bucket string
	prefix string
	clock  func() time.Time
}

// NewExporter wraps an S3 client.
func NewExporter(client ObjectPutter, bucket, prefix string) *Exporter {
	if prefix == "" {
		prefix = "receipts"
	}
	return &Exporter{client: client, bucket: bucket, prefix: prefix, clock: time.Now}
}

// NewExporterFromEnv builds an exporter with the default AWS credential
// chain.
func NewExporterFromEnv(ctx context.Context, bucket, prefix string) (*Exporter, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("archive: load aws config: %w", err)
	}
	return NewExporter(s3.NewFromConfig(cfg), bucket, prefix), nil
}

// WithClock overrides the clock for deterministic testing.
func (e *Exporter) WithClock(clock func() time.Time) *Exporter {
	e.clock = clock
	return e
}

// Snapshot verifies the chain, serializes it, and uploads one object.
// A chain that fails verification is never archived.
func (e *Exporter) Snapshot(ctx context.Context, l *ledger.Ledger) (string, error) {
	report, err := l.Verify()
	if err != nil {
		return "", fmt.Errorf("archive: refusing to snapshot broken chain: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	if err := l.Scan(func(r contracts.Receipt) error {
		return enc.Encode(r)
	}); err != nil {
		return "", fmt.Errorf("archive: serialize chain: %w", err)
	}

	head := strings.TrimPrefix(report.Head, "sha256:")
	if len(head) > 12 {
		head = head[:12]
	}
	key := fmt.Sprintf("%s/%s/chain-%06d-%s.ndjson",
		e.prefix, e.clock().UTC().Format("2006-01-02"), report.Count, head)

	contentType := "application/x-ndjson"
	_, err = e.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      &e.bucket,
		Key:         &key,
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: &contentType,
	})
	if err != nil {
		return "", fmt.Errorf("archive: upload snapshot: %w", err)
	}
	return key, nil
}
