package queue

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/toughwa/internal/domain"
	"github.com/talkincode/toughwa/internal/repository"
	"github.com/talkincode/toughwa/internal/testutil"
	"github.com/talkincode/toughwa/internal/whatsapp"
	"gorm.io/gorm"
)

func newCampaign(t *testing.T, db *gorm.DB) *Campaign {
	t.Helper()
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	return NewCampaign(
		repository.NewGormCustomerRepository(db),
		repository.NewGormMessageRepository(db),
		repository.NewGormTemplateRepository(db),
		repository.NewGormCategoryRepository(db),
		node, 10*time.Second, 30*time.Second,
	)
}

func seedCustomers(t *testing.T, db *gorm.DB, tenant int64, phones ...string) []int64 {
	t.Helper()
	var ids []int64
	for i, p := range phones {
		c := &domain.Customer{AdminID: tenant, Phone: p, Name: string(rune('A' + i))}
		require.NoError(t, db.Create(c).Error)
		ids = append(ids, c.ID)
	}
	return ids
}

func queued(t *testing.T, db *gorm.DB, jobID string) []domain.Message {
	t.Helper()
	var out []domain.Message
	require.NoError(t, db.Where("job_id = ?", jobID).Order("id ASC").Find(&out).Error)
	return out
}

func TestCampaign_BodyWithPlaceholders(t *testing.T) {
	db := testutil.OpenSQLite(t)
	c := newCampaign(t, db)
	ids := seedCustomers(t, db, 1, "919800000001", "919800000002")

	res, err := c.CreateBatch(context.Background(), 1, BatchRequest{CustomerIDs: ids, Body: "Hi {{name}} ({{phone}})"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Count)
	assert.NotEmpty(t, res.JobID)

	rows := queued(t, db, res.JobID)
	require.Len(t, rows, 2)
	assert.Equal(t, "Hi A (919800000001)", rows[0].Body)
	assert.Equal(t, domain.MessageQueued, rows[0].Status)
	assert.True(t, rows[0].FromMe)
	assert.Nil(t, rows[0].ScheduledAt)
}

func TestCampaign_TemplateBody(t *testing.T) {
	db := testutil.OpenSQLite(t)
	c := newCampaign(t, db)
	tpl := &domain.Template{Title: "Welcome", Body: "Welcome {{name}}"}
	require.NoError(t, db.Create(tpl).Error)
	ids := seedCustomers(t, db, 1, "919800000001")

	res, err := c.CreateBatch(context.Background(), 1, BatchRequest{CustomerIDs: ids, TemplateID: &tpl.ID})
	require.NoError(t, err)
	rows := queued(t, db, res.JobID)
	require.Len(t, rows, 1)
	assert.Equal(t, "Welcome A", rows[0].Body)
	require.NotNil(t, rows[0].TemplateID)
	assert.Equal(t, tpl.ID, *rows[0].TemplateID)

	missing := int64(999)
	_, err = c.CreateBatch(context.Background(), 1, BatchRequest{CustomerIDs: ids, TemplateID: &missing})
	assert.ErrorIs(t, err, ErrTemplateMissing)
}

func TestCampaign_OtherTenantsCustomersIgnored(t *testing.T) {
	db := testutil.OpenSQLite(t)
	c := newCampaign(t, db)
	mine := seedCustomers(t, db, 1, "919800000001")
	theirs := seedCustomers(t, db, 2, "919800000009")

	res, err := c.CreateBatch(context.Background(), 1, BatchRequest{CustomerIDs: append(mine, theirs...), Body: "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Count)

	_, err = c.CreateBatch(context.Background(), 1, BatchRequest{CustomerIDs: theirs, Body: "x"})
	assert.ErrorIs(t, err, ErrNoRecipients)
}

func TestCampaign_CategorySpacingAndCycling(t *testing.T) {
	db := testutil.OpenSQLite(t)
	c := newCampaign(t, db)
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.Local)
	c.now = func() time.Time { return fixed }

	require.NoError(t, db.Create(&domain.MessageCategory{AdminID: 1, Category: "promo", Title: "p1", Body: "Deal for {{name}}"}).Error)
	require.NoError(t, db.Create(&domain.MessageCategory{AdminID: 2, Category: "promo", Title: "x", Body: "not mine"}).Error)
	require.NoError(t, db.Create(&domain.Template{Title: "t1", Body: "Offer {{phone}}", Category: "promo"}).Error)
	ids := seedCustomers(t, db, 1, "919800000001", "919800000002", "919800000003", "919800000004", "919800000005")

	res, err := c.CreateBatch(context.Background(), 1, BatchRequest{CustomerIDs: ids, Category: "promo"})
	require.NoError(t, err)
	rows := queued(t, db, res.JobID)
	require.Len(t, rows, 5)

	prev := fixed
	for i, r := range rows {
		require.NotNil(t, r.ScheduledAt, i)
		gap := r.ScheduledAt.Sub(prev)
		assert.GreaterOrEqual(t, gap, 10*time.Second, i)
		assert.LessOrEqual(t, gap, 30*time.Second, i)
		prev = *r.ScheduledAt

		assert.NotContains(t, r.Body, "not mine")
		assert.True(t, (r.CategoryID == nil) != (r.TemplateID == nil), "exactly one body source")
	}
	// two sources cycled over five recipients alternate
	assert.Equal(t, rows[0].CategoryID == nil, rows[2].CategoryID == nil)
	assert.NotEqual(t, rows[0].CategoryID == nil, rows[1].CategoryID == nil)
}

func TestCampaign_EmptyCategory(t *testing.T) {
	db := testutil.OpenSQLite(t)
	c := newCampaign(t, db)
	ids := seedCustomers(t, db, 1, "919800000001")

	_, err := c.CreateBatch(context.Background(), 1, BatchRequest{CustomerIDs: ids, Category: "nothing"})
	assert.ErrorIs(t, err, ErrEmptyCategory)
}

func TestCampaign_Enqueue(t *testing.T) {
	db := testutil.OpenSQLite(t)
	c := newCampaign(t, db)

	m, err := c.Enqueue(context.Background(), 1, "+91 98000 00001", "hello", nil)
	require.NoError(t, err)
	assert.Equal(t, "919800000001", m.ToPhone)
	assert.Equal(t, domain.MessageQueued, reload(t, db, m.ID).Status)

	_, err = c.Enqueue(context.Background(), 1, "123", "hello", nil)
	assert.ErrorIs(t, err, whatsapp.ErrInvalidPhone)
	_, err = c.Enqueue(context.Background(), 1, "919800000001", " ", nil)
	assert.ErrorIs(t, err, ErrNoBody)
}
