package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"zeus/config"
	"zeus/internal/instrument"
	"zeus/internal/metadata"
	"zeus/internal/model"
	"zeus/internal/symbols"
	"zeus/logger"
)

type memFile struct {
	buffer *bytes.Buffer
}

func newMemFile() *memFile {
	return &memFile{buffer: &bytes.Buffer{}}
}

func (m *memFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memFile) Read([]byte) (int, error)                  { return 0, io.EOF }
func (m *memFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memFile) Close() error                              { return nil }
func (m *memFile) Bytes() []byte                             { return m.buffer.Bytes() }

type putObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Sink uploads one snappy compressed parquet object per instrument per
// epoch. With a table attached, each flush is committed as a snapshot.
// A retried batch only uploads and commits the objects that failed before.
type S3Sink struct {
	client putObjectAPI
	bucket string
	prefix string
	table  *metadata.Table
	log    *logger.Entry

	mu       sync.Mutex
	epoch    time.Time
	uploaded map[string]struct{}
}

// NewS3Sink builds the S3 client from cfg. Static credentials are used when
// both keys are set; otherwise the default AWS credential chain applies.
func NewS3Sink(ctx context.Context, cfg config.S3Config) (*S3Sink, error) {
	bucket := strings.TrimSpace(cfg.Bucket)
	if bucket == "" {
		return nil, errors.New("s3 sink: bucket not configured")
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("s3 sink: load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	sink := newS3Sink(client, bucket, cfg.Prefix)
	if cfg.MetadataPath != "" {
		table, err := metadata.OpenTable(cfg.MetadataPath, sink.location())
		if err != nil {
			return nil, fmt.Errorf("s3 sink: %w", err)
		}
		if err := table.WriteCatalogEntry(filepath.Join(cfg.MetadataPath, "catalog"), "market_events"); err != nil {
			return nil, fmt.Errorf("s3 sink: catalog entry: %w", err)
		}
		sink.table = table
	}
	sink.log.WithFields(logger.Fields{
		"region":        cfg.Region,
		"endpoint":      cfg.Endpoint,
		"path_style":    cfg.PathStyle,
		"metadata_path": cfg.MetadataPath,
	}).Info("s3 sink initialized")
	return sink, nil
}

func newS3Sink(client putObjectAPI, bucket, prefix string) *S3Sink {
	return &S3Sink{
		client: client,
		bucket: bucket,
		prefix: strings.Trim(prefix, "/"),
		log:    logger.GetLogger().WithComponent("s3_sink").WithField("bucket", bucket),
	}
}

func (s *S3Sink) location() string {
	if s.prefix == "" {
		return "s3://" + s.bucket
	}
	return "s3://" + s.bucket + "/" + s.prefix
}

func (s *S3Sink) Write(ctx context.Context, b Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !b.Epoch.Equal(s.epoch) || s.uploaded == nil {
		s.epoch = b.Epoch
		s.uploaded = make(map[string]struct{})
	}

	var errs []error
	var files []metadata.DataFile
	for _, group := range groupByInstrument(b.Events) {
		key := s.objectKey(group.ref, b)
		if _, done := s.uploaded[key]; done {
			continue
		}
		data, err := encodeParquet(group.ref, group.events)
		if err != nil {
			errs = append(errs, fmt.Errorf("encode %s: %w", group.ref, err))
			continue
		}
		_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("upload %s: %w", key, err))
			continue
		}
		s.uploaded[key] = struct{}{}
		s.log.WithFields(logger.Fields{
			"s3_key":  key,
			"records": len(group.events),
			"bytes":   len(data),
		}).Debug("batch uploaded")
		files = append(files, metadata.DataFile{
			Path:        "s3://" + s.bucket + "/" + key,
			Format:      "PARQUET",
			FileSize:    int64(len(data)),
			RecordCount: int64(len(group.events)),
			Partition: map[string]any{
				"exchange": group.ref.Exchange,
				"symbol":   group.ref.Symbol,
				"date":     b.Epoch.UTC().Format("2006-01-02"),
			},
		})
	}
	if s.table != nil && len(files) > 0 {
		// objects are already uploaded; a failed commit only loses discoverability
		if _, err := s.table.AddSnapshot(b.FlushedAt, files); err != nil {
			s.log.WithError(err).WithField("files", len(files)).Warn("failed to commit snapshot metadata")
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrSinkWrite, errors.Join(errs...))
	}
	return nil
}

// objectKey is prefix/exchange=<x>/symbol=<Y>/date=<yyyy-mm-dd>/<x>_<Y>_<epoch ms>.parquet
func (s *S3Sink) objectKey(ref instrument.Ref, b Batch) string {
	epoch := b.Epoch.UTC()
	symbol := strings.ReplaceAll(ref.Symbol, "/", "-")
	parts := []string{
		"exchange=" + ref.Exchange,
		"symbol=" + symbol,
		"date=" + epoch.Format("2006-01-02"),
		fmt.Sprintf("%s_%s_%d.parquet", ref.Exchange, symbol, epoch.UnixMilli()),
	}
	if s.prefix != "" {
		parts = append([]string{s.prefix}, parts...)
	}
	return path.Join(parts...)
}

func encodeParquet(ref instrument.Ref, events []model.MarketEvent) ([]byte, error) {
	mf := newMemFile()
	pw, err := writer.NewParquetWriter(mf, new(model.MarketEventRow), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	canonical := symbols.ToBinance(ref.Exchange, ref.Symbol)
	for _, ev := range events {
		row := model.MarketEventRow{
			Exchange:        ref.Exchange,
			Market:          string(ev.Market),
			Symbol:          ref.Symbol,
			CanonicalSymbol: canonical,
			Stream:          string(ev.Stream),
			ReceivedTime:    ev.ReceivedAt.UnixMilli(),
			Payload:         string(ev.Payload),
		}
		if !ev.ExchangeTime.IsZero() {
			row.ExchangeTime = ev.ExchangeTime.UnixMilli()
		}
		if err := pw.Write(row); err != nil {
			return nil, err
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, err
	}
	return mf.Bytes(), nil
}
