package writer

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/shopspring/decimal"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	pqwriter "github.com/xitongsys/parquet-go/writer"

	appconfig "coinflow/config"
	"coinflow/logger"
	"coinflow/models"
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

// marketParquetRecord is the archived shape of one market row.
type marketParquetRecord struct {
	ID                string   `parquet:"name=id, type=BYTE_ARRAY, convertedtype=UTF8"`
	Symbol            string   `parquet:"name=symbol, type=BYTE_ARRAY, convertedtype=UTF8"`
	Name              string   `parquet:"name=name, type=BYTE_ARRAY, convertedtype=UTF8"`
	CurrentPrice      *float64 `parquet:"name=current_price, type=DOUBLE, repetitiontype=OPTIONAL"`
	MarketCap         *float64 `parquet:"name=market_cap, type=DOUBLE, repetitiontype=OPTIONAL"`
	MarketCapRank     *int64   `parquet:"name=market_cap_rank, type=INT64, repetitiontype=OPTIONAL"`
	TotalVolume       *float64 `parquet:"name=total_volume, type=DOUBLE, repetitiontype=OPTIONAL"`
	PriceChangePct1h  *float64 `parquet:"name=price_change_percentage_1h, type=DOUBLE, repetitiontype=OPTIONAL"`
	PriceChangePct24h *float64 `parquet:"name=price_change_percentage_24h, type=DOUBLE, repetitiontype=OPTIONAL"`
	PriceChangePct7d  *float64 `parquet:"name=price_change_percentage_7d, type=DOUBLE, repetitiontype=OPTIONAL"`
	PriceChangePct30d *float64 `parquet:"name=price_change_percentage_30d, type=DOUBLE, repetitiontype=OPTIONAL"`
	LastUpdated       int64    `parquet:"name=last_updated, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
	ExtractedAt       int64    `parquet:"name=extracted_at, type=INT64, convertedtype=TIMESTAMP_MILLIS"`
}

type objectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Archive writes each market batch as one parquet object.
type S3Archive struct {
	client      objectPutter
	bucket      string
	prefix      string
	compression parquet.CompressionCodec
	log         *logger.Log
}

// NewS3Archive builds the archive from the storage section of cfg.
func NewS3Archive(ctx context.Context, cfg *appconfig.Config) (*S3Archive, error) {
	s3cfg := cfg.Storage.S3
	if !s3cfg.Enabled {
		return nil, fmt.Errorf("s3 storage is disabled")
	}
	bucket, err := normalizeBucketName(s3cfg.Bucket)
	if err != nil {
		return nil, err
	}
	codec, err := compressionCodec(s3cfg.Compression)
	if err != nil {
		return nil, err
	}

	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(s3cfg.Region)}
	if s3cfg.AccessKeyID != "" && s3cfg.SecretAccessKey != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(s3cfg.AccessKeyID, s3cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if s3cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(s3cfg.Endpoint)
		}
		o.UsePathStyle = s3cfg.PathStyle
	})

	a := newS3Archive(client, bucket, s3cfg.Prefix, codec)
	a.log.WithComponent("archive").WithFields(logger.Fields{
		"bucket":     bucket,
		"region":     s3cfg.Region,
		"endpoint":   s3cfg.Endpoint,
		"path_style": s3cfg.PathStyle,
	}).Info("raw archive initialized")
	return a, nil
}

func newS3Archive(client objectPutter, bucket, prefix string, codec parquet.CompressionCodec) *S3Archive {
	return &S3Archive{
		client:      client,
		bucket:      bucket,
		prefix:      strings.Trim(prefix, "/"),
		compression: codec,
		log:         logger.GetLogger(),
	}
}

func normalizeBucketName(raw string) (string, error) {
	bucket := strings.TrimSpace(raw)
	if bucket == "" {
		return "", fmt.Errorf("s3 bucket not configured")
	}
	return bucket, nil
}

func compressionCodec(name string) (parquet.CompressionCodec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "snappy":
		return parquet.CompressionCodec_SNAPPY, nil
	case "gzip":
		return parquet.CompressionCodec_GZIP, nil
	case "none", "uncompressed":
		return parquet.CompressionCodec_UNCOMPRESSED, nil
	default:
		return 0, fmt.Errorf("unsupported parquet compression '%s'", name)
	}
}

// ArchiveMarket uploads recs under a date partitioned key.
func (a *S3Archive) ArchiveMarket(ctx context.Context, recs []models.MarketSnapshotRecord) error {
	if len(recs) == 0 {
		return nil
	}
	start := time.Now()
	data, err := createMarketParquet(recs, a.compression)
	if err != nil {
		return fmt.Errorf("create parquet: %w", err)
	}

	key := a.objectKey(recs[0].ExtractedAt)
	_, err = a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}

	logger.LogPerformanceEntry(a.log.WithFields(logger.Fields{"s3_key": key}), "archive", "upload_market_batch", time.Since(start), logger.Fields{
		"records": len(recs),
		"bytes":   len(data),
	})
	return nil
}

func (a *S3Archive) objectKey(at time.Time) string {
	at = at.UTC()
	parts := []string{
		string(models.ResourceMarket),
		fmt.Sprintf("date=%04d-%02d-%02d", at.Year(), at.Month(), at.Day()),
		fmt.Sprintf("hour=%02d", at.Hour()),
		fmt.Sprintf("%s_%s.parquet", models.ResourceMarket, at.Format("20060102150405")),
	}
	if a.prefix != "" {
		parts = append([]string{a.prefix}, parts...)
	}
	return path.Join(parts...)
}

func createMarketParquet(recs []models.MarketSnapshotRecord, codec parquet.CompressionCodec) ([]byte, error) {
	mf := newMemFile()
	pw, err := pqwriter.NewParquetWriter(mf, new(marketParquetRecord), 1)
	if err != nil {
		return nil, err
	}
	pw.CompressionType = codec

	for _, r := range recs {
		row := marketParquetRecord{
			ID:                r.ID,
			Symbol:            r.Symbol,
			Name:              r.Name,
			CurrentPrice:      optFloat(r.CurrentPrice),
			MarketCap:         optFloat(r.MarketCap),
			MarketCapRank:     r.MarketCapRank,
			TotalVolume:       optFloat(r.TotalVolume),
			PriceChangePct1h:  optFloat(r.PriceChangePct1h),
			PriceChangePct24h: optFloat(r.PriceChangePct24h),
			PriceChangePct7d:  optFloat(r.PriceChangePct7d),
			PriceChangePct30d: optFloat(r.PriceChangePct30d),
			LastUpdated:       r.LastUpdated.UnixMilli(),
			ExtractedAt:       r.ExtractedAt.UnixMilli(),
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

func optFloat(d decimal.NullDecimal) *float64 {
	if !d.Valid {
		return nil
	}
	f := d.Decimal.InexactFloat64()
	return &f
}
