package archive

import (
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "sellerflow/config"
	"sellerflow/logger"
	"sellerflow/models"
)

type fakeUploader struct {
	objects map[string][]byte
}

func (f *fakeUploader) PutObject(ctx context.Context, input *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	data, err := io.ReadAll(input.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*input.Key] = data
	return &s3.PutObjectOutput{}, nil
}

func testArchiver(uploader *fakeUploader) *Archiver {
	return &Archiver{
		cfg: appconfig.ArchiveConfig{
			Enabled: true,
			Bucket:  "orders-archive",
			Prefix:  "sellerflow",
		},
		client: uploader,
		log:    logger.GetLogger(),
	}
}

func TestArchiveOrdersPartitionsByMarketplaceAndDate(t *testing.T) {
	uploader := &fakeUploader{}
	a := testArchiver(uploader)

	day1 := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 8, 11, 12, 0, 0, 0, time.UTC)
	escrow := 80.0
	orders := []models.Order{
		{Marketplace: "shopee", ExternalID: "A", Status: "COMPLETED", CreatedTime: day1, UpdatedTime: day1, Currency: "BRL", GrossValue: 100, EscrowAmount: &escrow},
		{Marketplace: "shopee", ExternalID: "B", Status: "SHIPPED", CreatedTime: day1, UpdatedTime: day1, Currency: "BRL", GrossValue: 50},
		{Marketplace: "magalu", ExternalID: "C", Status: "approved", CreatedTime: day2, UpdatedTime: day2, Currency: "BRL", GrossValue: 75},
	}
	items := []models.OrderItem{
		{Marketplace: "shopee", OrderExtID: "A", ItemID: "i1", Quantity: 1},
		{Marketplace: "shopee", OrderExtID: "A", ItemID: "i2", Quantity: 2},
	}

	require.NoError(t, a.ArchiveOrders(context.Background(), orders, items))
	require.Len(t, uploader.objects, 2, "one file per marketplace/date pair")

	var shopeeKey, magaluKey string
	for key := range uploader.objects {
		switch {
		case strings.Contains(key, "marketplace=shopee"):
			shopeeKey = key
		case strings.Contains(key, "marketplace=magalu"):
			magaluKey = key
		}
	}
	require.NotEmpty(t, shopeeKey)
	require.NotEmpty(t, magaluKey)

	assert.True(t, strings.HasPrefix(shopeeKey, "sellerflow/marketplace=shopee/date=2026-08-10/"), shopeeKey)
	assert.True(t, strings.HasSuffix(shopeeKey, ".parquet"), shopeeKey)
	assert.Contains(t, magaluKey, "date=2026-08-11")

	// Parquet files start with the PAR1 magic bytes.
	for key, data := range uploader.objects {
		require.Greater(t, len(data), 4, key)
		assert.Equal(t, "PAR1", string(data[:4]), key)
	}
}

func TestArchiveOrdersNilArchiverNoop(t *testing.T) {
	var a *Archiver
	require.NoError(t, a.ArchiveOrders(context.Background(), []models.Order{{ExternalID: "A"}}, nil))
}

func TestArchiveOrdersEmptyBatch(t *testing.T) {
	uploader := &fakeUploader{}
	a := testArchiver(uploader)
	require.NoError(t, a.ArchiveOrders(context.Background(), nil, nil))
	assert.Empty(t, uploader.objects)
}

func TestNewDisabled(t *testing.T) {
	a, err := New(&appconfig.Config{})
	require.NoError(t, err)
	assert.Nil(t, a)
}
