package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync/atomic"
	"time"

	appconfig "marketflow/config"
	"marketflow/logger"
	"marketflow/models"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// S3Writer persists record batches as parquet objects in S3, implementing
// storage.BatchWriter. Records are grouped per provider and data type so
// each object holds one homogeneous partition; object keys are partitioned
// by type and date. Uploads are paced by a limiter so a large flush cannot
// saturate the link.
type S3Writer struct {
	client  *s3.Client
	cfg     appconfig.S3Config
	limiter *rate.Limiter
	log     *logger.Log

	objectsWritten int64
	rowsWritten    int64
	uploadErrors   int64
}

// S3WriterStats is a point-in-time snapshot of upload counters.
type S3WriterStats struct {
	ObjectsWritten int64
	RowsWritten    int64
	UploadErrors   int64
}

// NewS3Writer configures the AWS SDK with the static credentials from config
// and validates them up front.
func NewS3Writer(ctx context.Context, cfg appconfig.S3Config) (*S3Writer, error) {
	log := logger.GetLogger()

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS configuration: %w", err)
	}

	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil || !creds.HasKeys() {
		return nil, fmt.Errorf("aws credentials not found")
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.PathStyle
	})

	limit := rate.Inf
	if cfg.UploadsPerSecond > 0 {
		limit = rate.Limit(cfg.UploadsPerSecond)
	}

	log.WithComponent("s3_writer").WithFields(logger.Fields{
		"region": cfg.Region,
		"bucket": cfg.Bucket,
	}).Debug("s3 writer initialized")

	return &S3Writer{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, 1),
		log:     log,
	}, nil
}

// WriteBatch groups the batch per provider and data type, encodes each group
// as one parquet object and uploads it. The first failed upload aborts the
// batch so the caller can re-enqueue it whole.
func (w *S3Writer) WriteBatch(ctx context.Context, records []models.MarketDataRecord) error {
	if len(records) == 0 {
		return nil
	}

	log := w.log.WithComponent("s3_writer").WithFields(logger.Fields{
		"record_count": len(records),
		"operation":    "write_batch",
	})

	for key, group := range groupRecords(records) {
		data, err := encodeParquet(group, w.cfg.Compression)
		if err != nil {
			atomic.AddInt64(&w.uploadErrors, 1)
			return fmt.Errorf("encode group %s: %w", key, err)
		}

		objectKey := w.objectKey(group[0])
		if err := w.upload(ctx, objectKey, data); err != nil {
			atomic.AddInt64(&w.uploadErrors, 1)
			log.WithError(err).WithFields(logger.Fields{"s3_key": objectKey}).Error("upload failed")
			return err
		}

		atomic.AddInt64(&w.objectsWritten, 1)
		atomic.AddInt64(&w.rowsWritten, int64(len(group)))
		log.WithFields(logger.Fields{
			"s3_key":    objectKey,
			"rows":      len(group),
			"file_size": len(data),
		}).Info("parquet object uploaded")
	}
	return nil
}

// groupRecords splits a batch into homogeneous provider/type groups,
// preserving record order inside each group.
func groupRecords(records []models.MarketDataRecord) map[string][]models.MarketDataRecord {
	groups := make(map[string][]models.MarketDataRecord)
	for _, rec := range records {
		key := providerOf(rec) + "/" + string(rec.RecordType())
		groups[key] = append(groups[key], rec)
	}
	return groups
}

// objectKey builds the partitioned key:
// <prefix>/type=<type>/date=<YYYY-MM-DD>/<provider>_<type>_<ts>_<uuid>.parquet
func (w *S3Writer) objectKey(rec models.MarketDataRecord) string {
	ts := time.UnixMilli(rec.TimestampMs()).UTC()
	if rec.TimestampMs() <= 0 {
		ts = time.Now().UTC()
	}

	filename := fmt.Sprintf("%s_%s_%s_%s.parquet",
		providerOf(rec),
		rec.RecordType(),
		ts.Format("20060102150405"),
		uuid.New().String())

	return path.Join(
		w.cfg.Prefix,
		fmt.Sprintf("type=%s", rec.RecordType()),
		fmt.Sprintf("date=%s", ts.Format("2006-01-02")),
		filename)
}

func (w *S3Writer) upload(ctx context.Context, key string, data []byte) error {
	if err := w.limiter.Wait(ctx); err != nil {
		return err
	}

	_, err := w.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(w.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
		Metadata: map[string]string{
			"content-type": "parquet",
			"schema":       models.SchemaVersion,
		},
	})
	if err != nil {
		return fmt.Errorf("upload to bucket %s: %w", w.cfg.Bucket, err)
	}
	return nil
}

func (w *S3Writer) Stats() S3WriterStats {
	return S3WriterStats{
		ObjectsWritten: atomic.LoadInt64(&w.objectsWritten),
		RowsWritten:    atomic.LoadInt64(&w.rowsWritten),
		UploadErrors:   atomic.LoadInt64(&w.uploadErrors),
	}
}
