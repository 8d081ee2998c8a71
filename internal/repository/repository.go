// Package repository holds the GORM data access used by the messaging core.
// Every query filters on admin_id; no method addresses rows across tenants.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/talkincode/toughwa/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CustomerRepository handles customer rows
type CustomerRepository interface {
	// GetByPhone returns gorm.ErrRecordNotFound when absent
	GetByPhone(ctx context.Context, tenant int64, phone string) (*domain.Customer, error)

	// CreateIfAbsent inserts c unless (admin_id, phone) exists. created reports
	// whether this call inserted the row; c is always the stored customer.
	CreateIfAbsent(ctx context.Context, c *domain.Customer) (created bool, err error)

	// UpdateProfile replaces name and tags
	UpdateProfile(ctx context.Context, tenant, id int64, name string, tags domain.Tags) error

	// ListByIDs returns the tenant's customers among ids
	ListByIDs(ctx context.Context, tenant int64, ids []int64) ([]*domain.Customer, error)
}

// MessageRepository handles message rows
type MessageRepository interface {
	Create(ctx context.Context, m *domain.Message) error

	// CreateBatch inserts campaign rows in one statement
	CreateBatch(ctx context.Context, msgs []*domain.Message) error

	// CreateInbound inserts m unless the tenant already holds its whatsapp_id.
	CreateInbound(ctx context.Context, m *domain.Message) (inserted bool, err error)

	// ListQueued returns due queued rows across all tenants, oldest first
	ListQueued(ctx context.Context, now time.Time, limit int) ([]*domain.Message, error)

	// MarkSent / MarkFailed only transition rows still in queued
	MarkSent(ctx context.Context, tenant, id int64, whatsappID string, sentAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, tenant, id int64, errMsg string) (bool, error)

	// Requeue moves a failed row back to queued
	Requeue(ctx context.Context, tenant, id int64) (bool, error)

	GetByID(ctx context.Context, tenant, id int64) (*domain.Message, error)
	ListRecent(ctx context.Context, tenant int64, limit int) ([]*domain.Message, error)

	// Conversations returns the most recent message per counterpart
	Conversations(ctx context.Context, tenant int64, limit int) ([]*domain.Message, error)

	// History returns the last limit messages with one counterpart, oldest first
	History(ctx context.Context, tenant int64, phone string, limit int) ([]*domain.Message, error)
}

// SysLogRepository writes the audit trail
type SysLogRepository interface {
	Create(ctx context.Context, log *domain.SysLog) error
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// TemplateRepository reads the shared templates
type TemplateRepository interface {
	GetByID(ctx context.Context, id int64) (*domain.Template, error)
	ListByCategory(ctx context.Context, category string) ([]*domain.Template, error)
	List(ctx context.Context) ([]*domain.Template, error)
	Count(ctx context.Context) (int64, error)
	Create(ctx context.Context, t *domain.Template) error
}

// CategoryRepository reads a tenant's category bodies
type CategoryRepository interface {
	ListByCategory(ctx context.Context, tenant int64, category string) ([]*domain.MessageCategory, error)
	Create(ctx context.Context, c *domain.MessageCategory) error
}

// NotifyLogRepository records outbound notification calls
type NotifyLogRepository interface {
	Create(ctx context.Context, log *domain.NotifyLog) error
	ListRecent(ctx context.Context, tenant int64, limit int) ([]*domain.NotifyLog, error)
	DeleteOlderThan(ctx context.Context, before time.Time) (int64, error)
}

// DeviceRepository keeps the persisted view of each tenant's linked account
type DeviceRepository interface {
	Upsert(ctx context.Context, d *domain.WhatsAppDevice) error
	UpdateStatus(ctx context.Context, tenant int64, status string) error
	GetByTenant(ctx context.Context, tenant int64) (*domain.WhatsAppDevice, error)
}

// GormCustomerRepository is the GORM implementation of CustomerRepository
type GormCustomerRepository struct {
	db *gorm.DB
}

func NewGormCustomerRepository(db *gorm.DB) *GormCustomerRepository {
	return &GormCustomerRepository{db: db}
}

func (r *GormCustomerRepository) GetByPhone(ctx context.Context, tenant int64, phone string) (*domain.Customer, error) {
	var c domain.Customer
	err := r.db.WithContext(ctx).
		Where("admin_id = ? AND phone = ?", tenant, phone).
		First(&c).Error
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *GormCustomerRepository) CreateIfAbsent(ctx context.Context, c *domain.Customer) (bool, error) {
	tx := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "admin_id"}, {Name: "phone"}},
			DoNothing: true,
		}).
		Create(c)
	if tx.Error != nil {
		return false, tx.Error
	}
	if tx.RowsAffected > 0 {
		return true, nil
	}
	// lost the race to a concurrent insert: load the winner
	existing, err := r.GetByPhone(ctx, c.AdminID, c.Phone)
	if err != nil {
		return false, err
	}
	*c = *existing
	return false, nil
}

func (r *GormCustomerRepository) UpdateProfile(ctx context.Context, tenant, id int64, name string, tags domain.Tags) error {
	return r.db.WithContext(ctx).
		Model(&domain.Customer{}).
		Where("admin_id = ? AND id = ?", tenant, id).
		Updates(map[string]interface{}{
			"name":       name,
			"tags":       tags,
			"updated_at": time.Now(),
		}).Error
}

func (r *GormCustomerRepository) ListByIDs(ctx context.Context, tenant int64, ids []int64) ([]*domain.Customer, error) {
	var customers []*domain.Customer
	if len(ids) == 0 {
		return customers, nil
	}
	err := r.db.WithContext(ctx).
		Where("admin_id = ? AND id IN ?", tenant, ids).
		Order("id ASC").
		Find(&customers).Error
	return customers, err
}

// GormMessageRepository is the GORM implementation of MessageRepository
type GormMessageRepository struct {
	db *gorm.DB
}

func NewGormMessageRepository(db *gorm.DB) *GormMessageRepository {
	return &GormMessageRepository{db: db}
}

func (r *GormMessageRepository) Create(ctx context.Context, m *domain.Message) error {
	return r.db.WithContext(ctx).Create(m).Error
}

func (r *GormMessageRepository) CreateBatch(ctx context.Context, msgs []*domain.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).CreateInBatches(msgs, 200).Error
}

func (r *GormMessageRepository) CreateInbound(ctx context.Context, m *domain.Message) (bool, error) {
	tx := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "admin_id"}, {Name: "whatsapp_id"}},
			DoNothing: true,
		}).
		Create(m)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected > 0, nil
}

func (r *GormMessageRepository) ListQueued(ctx context.Context, now time.Time, limit int) ([]*domain.Message, error) {
	var msgs []*domain.Message
	err := r.db.WithContext(ctx).
		Where("status = ?", domain.MessageQueued).
		Where("scheduled_at IS NULL OR scheduled_at <= ?", now).
		Order("id ASC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

func (r *GormMessageRepository) MarkSent(ctx context.Context, tenant, id int64, whatsappID string, sentAt time.Time) (bool, error) {
	updates := map[string]interface{}{
		"status":     domain.MessageSent,
		"sent_at":    sentAt,
		"error":      "",
		"updated_at": time.Now(),
	}
	if whatsappID != "" {
		updates["whatsapp_id"] = whatsappID
	}
	tx := r.db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("admin_id = ? AND id = ? AND status = ?", tenant, id, domain.MessageQueued).
		Updates(updates)
	return tx.RowsAffected > 0, tx.Error
}

func (r *GormMessageRepository) MarkFailed(ctx context.Context, tenant, id int64, errMsg string) (bool, error) {
	tx := r.db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("admin_id = ? AND id = ? AND status = ?", tenant, id, domain.MessageQueued).
		Updates(map[string]interface{}{
			"status":     domain.MessageFailed,
			"error":      errMsg,
			"attempts":   gorm.Expr("attempts + 1"),
			"updated_at": time.Now(),
		})
	return tx.RowsAffected > 0, tx.Error
}

func (r *GormMessageRepository) Requeue(ctx context.Context, tenant, id int64) (bool, error) {
	tx := r.db.WithContext(ctx).
		Model(&domain.Message{}).
		Where("admin_id = ? AND id = ? AND status = ?", tenant, id, domain.MessageFailed).
		Updates(map[string]interface{}{
			"status":       domain.MessageQueued,
			"scheduled_at": nil,
			"updated_at":   time.Now(),
		})
	return tx.RowsAffected > 0, tx.Error
}

func (r *GormMessageRepository) GetByID(ctx context.Context, tenant, id int64) (*domain.Message, error) {
	var m domain.Message
	err := r.db.WithContext(ctx).
		Where("admin_id = ? AND id = ?", tenant, id).
		First(&m).Error
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (r *GormMessageRepository) ListRecent(ctx context.Context, tenant int64, limit int) ([]*domain.Message, error) {
	var msgs []*domain.Message
	err := r.db.WithContext(ctx).
		Where("admin_id = ?", tenant).
		Order("created_at DESC, id DESC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

func (r *GormMessageRepository) Conversations(ctx context.Context, tenant int64, limit int) ([]*domain.Message, error) {
	latest := r.db.WithContext(ctx).
		Model(&domain.Message{}).
		Select("MAX(id)").
		Where("admin_id = ?", tenant).
		Group("to_phone")

	var msgs []*domain.Message
	err := r.db.WithContext(ctx).
		Where("admin_id = ? AND id IN (?)", tenant, latest).
		Order("timestamp DESC, id DESC").
		Limit(limit).
		Find(&msgs).Error
	return msgs, err
}

func (r *GormMessageRepository) History(ctx context.Context, tenant int64, phone string, limit int) ([]*domain.Message, error) {
	var msgs []*domain.Message
	err := r.db.WithContext(ctx).
		Where("admin_id = ? AND to_phone = ?", tenant, phone).
		Order("timestamp DESC, id DESC").
		Limit(limit).
		Find(&msgs).Error
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// GormSysLogRepository is the GORM implementation of SysLogRepository
type GormSysLogRepository struct {
	db *gorm.DB
}

func NewGormSysLogRepository(db *gorm.DB) *GormSysLogRepository {
	return &GormSysLogRepository{db: db}
}

func (r *GormSysLogRepository) Create(ctx context.Context, log *domain.SysLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *GormSysLogRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).
		Where("created_at < ?", before).
		Delete(&domain.SysLog{})
	return tx.RowsAffected, tx.Error
}

type GormTemplateRepository struct {
	db *gorm.DB
}

func NewGormTemplateRepository(db *gorm.DB) *GormTemplateRepository {
	return &GormTemplateRepository{db: db}
}

func (r *GormTemplateRepository) GetByID(ctx context.Context, id int64) (*domain.Template, error) {
	var t domain.Template
	if err := r.db.WithContext(ctx).First(&t, id).Error; err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *GormTemplateRepository) ListByCategory(ctx context.Context, category string) ([]*domain.Template, error) {
	var ts []*domain.Template
	err := r.db.WithContext(ctx).Where("category = ?", category).Order("id ASC").Find(&ts).Error
	return ts, err
}

func (r *GormTemplateRepository) List(ctx context.Context) ([]*domain.Template, error) {
	var ts []*domain.Template
	err := r.db.WithContext(ctx).Order("id ASC").Find(&ts).Error
	return ts, err
}

func (r *GormTemplateRepository) Count(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&domain.Template{}).Count(&n).Error
	return n, err
}

func (r *GormTemplateRepository) Create(ctx context.Context, t *domain.Template) error {
	return r.db.WithContext(ctx).Create(t).Error
}

type GormCategoryRepository struct {
	db *gorm.DB
}

func NewGormCategoryRepository(db *gorm.DB) *GormCategoryRepository {
	return &GormCategoryRepository{db: db}
}

func (r *GormCategoryRepository) ListByCategory(ctx context.Context, tenant int64, category string) ([]*domain.MessageCategory, error) {
	var cs []*domain.MessageCategory
	err := r.db.WithContext(ctx).
		Where("admin_id = ? AND category = ?", tenant, category).
		Order("id ASC").
		Find(&cs).Error
	return cs, err
}

func (r *GormCategoryRepository) Create(ctx context.Context, c *domain.MessageCategory) error {
	return r.db.WithContext(ctx).Create(c).Error
}

type GormNotifyLogRepository struct {
	db *gorm.DB
}

func NewGormNotifyLogRepository(db *gorm.DB) *GormNotifyLogRepository {
	return &GormNotifyLogRepository{db: db}
}

func (r *GormNotifyLogRepository) Create(ctx context.Context, log *domain.NotifyLog) error {
	return r.db.WithContext(ctx).Create(log).Error
}

func (r *GormNotifyLogRepository) ListRecent(ctx context.Context, tenant int64, limit int) ([]*domain.NotifyLog, error) {
	var logs []*domain.NotifyLog
	err := r.db.WithContext(ctx).
		Where("admin_id = ?", tenant).
		Order("id DESC").
		Limit(limit).
		Find(&logs).Error
	return logs, err
}

func (r *GormNotifyLogRepository) DeleteOlderThan(ctx context.Context, before time.Time) (int64, error) {
	tx := r.db.WithContext(ctx).
		Where("created_at < ?", before).
		Delete(&domain.NotifyLog{})
	return tx.RowsAffected, tx.Error
}

// GormDeviceRepository is the GORM implementation of DeviceRepository
type GormDeviceRepository struct {
	db *gorm.DB
}

func NewGormDeviceRepository(db *gorm.DB) *GormDeviceRepository {
	return &GormDeviceRepository{db: db}
}

func (r *GormDeviceRepository) Upsert(ctx context.Context, d *domain.WhatsAppDevice) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "admin_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"phone", "name", "jid", "status", "last_seen", "updated_at"}),
		}).
		Create(d).Error
}

func (r *GormDeviceRepository) UpdateStatus(ctx context.Context, tenant int64, status string) error {
	return r.db.WithContext(ctx).
		Model(&domain.WhatsAppDevice{}).
		Where("admin_id = ?", tenant).
		Updates(map[string]interface{}{
			"status":     status,
			"updated_at": time.Now(),
		}).Error
}

func (r *GormDeviceRepository) GetByTenant(ctx context.Context, tenant int64) (*domain.WhatsAppDevice, error) {
	var d domain.WhatsAppDevice
	err := r.db.WithContext(ctx).Where("admin_id = ?", tenant).First(&d).Error
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// IsNotFound reports a missing row
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
