package queue

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/pkg/errors"
	"github.com/talkincode/toughwa/internal/domain"
	"github.com/talkincode/toughwa/internal/repository"
	"github.com/talkincode/toughwa/internal/whatsapp"
	"go.uber.org/zap"
)

var (
	ErrNoRecipients    = errors.New("no recipients")
	ErrNoBody          = errors.New("message body is empty")
	ErrEmptyCategory   = errors.New("no messages found in this category")
	ErrTemplateMissing = errors.New("template not found")
)

// BatchRequest selects recipients and the body source. Category wins over
// TemplateID/Body when set.
type BatchRequest struct {
	CustomerIDs []int64 `json:"customer_ids"`
	TemplateID  *int64  `json:"template_id"`
	Body        string  `json:"custom_body"`
	Category    string  `json:"category"`
}

type BatchResult struct {
	JobID string `json:"job_id"`
	Count int    `json:"count"`
}

// Campaign turns bulk requests into queued rows.
type Campaign struct {
	customers  repository.CustomerRepository
	messages   repository.MessageRepository
	templates  repository.TemplateRepository
	categories repository.CategoryRepository
	ids        *snowflake.Node
	minDelay   time.Duration
	maxDelay   time.Duration

	rndMu sync.Mutex
	rnd   *rand.Rand
	now   func() time.Time
}

func NewCampaign(customers repository.CustomerRepository, messages repository.MessageRepository,
	templates repository.TemplateRepository, categories repository.CategoryRepository,
	ids *snowflake.Node, minDelay, maxDelay time.Duration) *Campaign {
	if minDelay <= 0 {
		minDelay = 10 * time.Second
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Campaign{
		customers:  customers,
		messages:   messages,
		templates:  templates,
		categories: categories,
		ids:        ids,
		minDelay:   minDelay,
		maxDelay:   maxDelay,
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
		now:        time.Now,
	}
}

type bodySource struct {
	body       string
	templateID *int64
	categoryID *int64
}

// CreateBatch queues one message per customer of tenant, all under one job id.
func (c *Campaign) CreateBatch(ctx context.Context, tenant int64, req BatchRequest) (BatchResult, error) {
	if len(req.CustomerIDs) == 0 {
		return BatchResult{}, ErrNoRecipients
	}
	customers, err := c.customers.ListByIDs(ctx, tenant, req.CustomerIDs)
	if err != nil {
		return BatchResult{}, errors.Wrap(err, "load customers")
	}
	if len(customers) == 0 {
		return BatchResult{}, ErrNoRecipients
	}

	jobID := c.ids.Generate().String()
	var rows []*domain.Message
	if strings.TrimSpace(req.Category) != "" {
		rows, err = c.categoryRows(ctx, tenant, jobID, req.Category, customers)
	} else {
		rows, err = c.bodyRows(ctx, tenant, jobID, req, customers)
	}
	if err != nil {
		return BatchResult{}, err
	}

	if err := c.messages.CreateBatch(ctx, rows); err != nil {
		return BatchResult{}, errors.Wrap(err, "queue batch")
	}
	zap.L().Info("queue: batch queued",
		zap.Int64("tenant", tenant),
		zap.String("job_id", jobID),
		zap.Int("count", len(rows)),
		zap.String("category", req.Category),
	)
	return BatchResult{JobID: jobID, Count: len(rows)}, nil
}

func (c *Campaign) bodyRows(ctx context.Context, tenant int64, jobID string, req BatchRequest, customers []*domain.Customer) ([]*domain.Message, error) {
	body := req.Body
	if body == "" && req.TemplateID != nil {
		tpl, err := c.templates.GetByID(ctx, *req.TemplateID)
		if err != nil {
			if repository.IsNotFound(err) {
				return nil, ErrTemplateMissing
			}
			return nil, errors.Wrap(err, "load template")
		}
		body = tpl.Body
	}
	if strings.TrimSpace(body) == "" {
		return nil, ErrNoBody
	}

	now := c.now()
	rows := make([]*domain.Message, 0, len(customers))
	for _, cu := range customers {
		rows = append(rows, c.queuedRow(tenant, jobID, cu, bodySource{body: body, templateID: req.TemplateID}, now, nil))
	}
	return rows, nil
}

// categoryRows draws bodies from the tenant's category entries and the
// shared templates of that category, shuffled and cycled, with cumulative
// random spacing between recipients.
func (c *Campaign) categoryRows(ctx context.Context, tenant int64, jobID, category string, customers []*domain.Customer) ([]*domain.Message, error) {
	var sources []bodySource
	own, err := c.categories.ListByCategory(ctx, tenant, category)
	if err != nil {
		return nil, errors.Wrap(err, "load category messages")
	}
	for _, m := range own {
		id := m.ID
		sources = append(sources, bodySource{body: m.Body, categoryID: &id})
	}
	shared, err := c.templates.ListByCategory(ctx, category)
	if err != nil {
		return nil, errors.Wrap(err, "load category templates")
	}
	for _, t := range shared {
		id := t.ID
		sources = append(sources, bodySource{body: t.Body, templateID: &id})
	}
	if len(sources) == 0 {
		return nil, ErrEmptyCategory
	}

	c.rndMu.Lock()
	c.rnd.Shuffle(len(sources), func(i, j int) { sources[i], sources[j] = sources[j], sources[i] })
	c.rndMu.Unlock()

	now := c.now()
	var offset time.Duration
	rows := make([]*domain.Message, 0, len(customers))
	for i, cu := range customers {
		offset += c.randomDelay()
		at := now.Add(offset)
		rows = append(rows, c.queuedRow(tenant, jobID, cu, sources[i%len(sources)], now, &at))
	}
	return rows, nil
}

func (c *Campaign) randomDelay() time.Duration {
	span := int64(c.maxDelay-c.minDelay) / int64(time.Second)
	if span <= 0 {
		return c.minDelay
	}
	c.rndMu.Lock()
	n := c.rnd.Int63n(span + 1)
	c.rndMu.Unlock()
	return c.minDelay + time.Duration(n)*time.Second
}

func (c *Campaign) queuedRow(tenant int64, jobID string, cu *domain.Customer, src bodySource, now time.Time, at *time.Time) *domain.Message {
	return &domain.Message{
		AdminID:     tenant,
		FromMe:      true,
		JobID:       jobID,
		ToPhone:     cu.Phone,
		Body:        Render(src.body, cu),
		TemplateID:  src.templateID,
		CategoryID:  src.categoryID,
		Type:        "text",
		Status:      domain.MessageQueued,
		ScheduledAt: at,
		Timestamp:   now,
	}
}

// Enqueue queues a single message for phone.
func (c *Campaign) Enqueue(ctx context.Context, tenant int64, phone, body string, templateID *int64) (*domain.Message, error) {
	normalized, err := whatsapp.NormalizeOutbound(phone)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(body) == "" {
		return nil, ErrNoBody
	}
	m := &domain.Message{
		AdminID:    tenant,
		FromMe:     true,
		ToPhone:    normalized,
		Body:       body,
		TemplateID: templateID,
		Type:       "text",
		Status:     domain.MessageQueued,
		Timestamp:  c.now(),
	}
	if err := c.messages.Create(ctx, m); err != nil {
		return nil, errors.Wrap(err, "queue message")
	}
	return m, nil
}

// Render substitutes {{name}} and {{phone}}.
func Render(body string, cu *domain.Customer) string {
	return strings.NewReplacer("{{name}}", cu.Name, "{{phone}}", cu.Phone).Replace(body)
}
