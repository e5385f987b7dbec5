// Package archive exports synced orders as parquet files to S3, partitioned
// by marketplace and order date.
package archive

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	appconfig "sellerflow/config"
	"sellerflow/logger"
	"sellerflow/models"
)

// orderRecord is the parquet row layout for an archived order.
type orderRecord struct {
	Marketplace  string  `parquet:"name=marketplace, type=BYTE_ARRAY, convertedtype=UTF8"`
	ExternalID   string  `parquet:"name=external_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Status       string  `parquet:"name=status, type=BYTE_ARRAY, convertedtype=UTF8"`
	CreatedTime  int64   `parquet:"name=created_time, type=INT64"`
	UpdatedTime  int64   `parquet:"name=updated_time, type=INT64"`
	Currency     string  `parquet:"name=currency, type=BYTE_ARRAY, convertedtype=UTF8"`
	GrossValue   float64 `parquet:"name=gross_value, type=DOUBLE"`
	EscrowAmount float64 `parquet:"name=escrow_amount, type=DOUBLE"`
	ItemCount    int32   `parquet:"name=item_count, type=INT32"`
}

// memoryFile implements the parquet source interface over a byte buffer so
// files never touch disk before upload.
type memoryFile struct {
	buffer *bytes.Buffer
}

func newMemoryFile() *memoryFile {
	return &memoryFile{buffer: &bytes.Buffer{}}
}

func (m *memoryFile) Create(string) (source.ParquetFile, error) { return m, nil }
func (m *memoryFile) Open(string) (source.ParquetFile, error)   { return m, nil }
func (m *memoryFile) Seek(int64, int) (int64, error)            { return int64(m.buffer.Len()), nil }
func (m *memoryFile) Read(b []byte) (int, error)                { return m.buffer.Read(b) }
func (m *memoryFile) Write(b []byte) (int, error)               { return m.buffer.Write(b) }
func (m *memoryFile) Close() error                              { return nil }

// s3Uploader is the slice of the S3 client the archiver needs.
type s3Uploader interface {
	PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver writes order batches to the archive bucket.
type Archiver struct {
	cfg    appconfig.ArchiveConfig
	client s3Uploader
	log    *logger.Log
}

// New builds an archiver, or returns nil when archiving is disabled.
func New(cfg *appconfig.Config) (*Archiver, error) {
	ac := cfg.Storage.Archive
	if !ac.Enabled {
		return nil, nil
	}

	ctx := context.Background()
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(ac.Region),
	}
	if ac.AccessKeyID != "" && ac.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ac.AccessKeyID, ac.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, errors.Wrap(err, "load aws configuration")
	}

	a := &Archiver{
		cfg:    ac,
		client: s3.NewFromConfig(awsCfg),
		log:    logger.GetLogger(),
	}
	a.log.WithComponent("archiver").WithFields(logger.Fields{
		"bucket": ac.Bucket,
		"region": ac.Region,
		"prefix": ac.Prefix,
	}).Info("archiver initialized")
	return a, nil
}

// ArchiveOrders writes one parquet file per marketplace and order date
// covered by the batch. A nil archiver is a no-op so callers never need to
// branch on the feature flag.
func (a *Archiver) ArchiveOrders(ctx context.Context, orders []models.Order, items []models.OrderItem) error {
	if a == nil || len(orders) == 0 {
		return nil
	}

	itemCounts := make(map[string]int32)
	for _, it := range items {
		itemCounts[it.Marketplace+"/"+it.OrderExtID]++
	}

	grouped := make(map[string][]orderRecord)
	for _, o := range orders {
		rec := orderRecord{
			Marketplace: o.Marketplace,
			ExternalID:  o.ExternalID,
			Status:      o.Status,
			CreatedTime: o.CreatedTime.Unix(),
			UpdatedTime: o.UpdatedTime.Unix(),
			Currency:    o.Currency,
			GrossValue:  o.GrossValue,
			ItemCount:   itemCounts[o.Marketplace+"/"+o.ExternalID],
		}
		if o.EscrowAmount != nil {
			rec.EscrowAmount = *o.EscrowAmount
		}
		key := a.objectKey(o.Marketplace, o.CreatedTime)
		grouped[key] = append(grouped[key], rec)
	}

	for key, records := range grouped {
		data, err := buildParquet(records)
		if err != nil {
			return errors.Wrapf(err, "build parquet for %s", key)
		}
		if err := a.upload(ctx, key, data); err != nil {
			return errors.Wrapf(err, "upload %s", key)
		}
		a.log.WithComponent("archiver").WithFields(logger.Fields{
			"key":     key,
			"records": len(records),
			"bytes":   len(data),
		}).Info("order batch archived")
	}
	return nil
}

func (a *Archiver) objectKey(marketplace string, created time.Time) string {
	name := fmt.Sprintf("orders_%s_%s.parquet", marketplace, uuid.NewString())
	return path.Join(
		a.cfg.Prefix,
		fmt.Sprintf("marketplace=%s", marketplace),
		fmt.Sprintf("date=%s", created.UTC().Format("2006-01-02")),
		name,
	)
}

func buildParquet(records []orderRecord) ([]byte, error) {
	fw := newMemoryFile()
	pw, err := writer.NewParquetWriter(fw, new(orderRecord), 2)
	if err != nil {
		return nil, errors.Wrap(err, "create parquet writer")
	}
	pw.CompressionType = parquet.CompressionCodec_SNAPPY

	for _, rec := range records {
		if err := pw.Write(rec); err != nil {
			return nil, errors.Wrap(err, "write parquet record")
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, errors.Wrap(err, "finalize parquet file")
	}
	return fw.buffer.Bytes(), nil
}

func (a *Archiver) upload(ctx context.Context, key string, data []byte) error {
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.cfg.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	return err
}
