package credstore

import (
	"context"
	"sync"
	"time"

	"github.com/talkincode/toughwa/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// maxParallelReads bounds GetMany fan-out against the connection pool.
const maxParallelReads = 8

// Store is the durable per-tenant key/value store for session credentials.
//
// Reads never fail: a missing row or an unavailable database yields an
// empty result so the caller can still attempt a connection with a blank
// identity (which ends in a fresh QR challenge).
type Store interface {
	Put(ctx context.Context, tenant int64, key string, blob []byte) error
	Get(ctx context.Context, tenant int64, key string) ([]byte, bool)
	GetMany(ctx context.Context, tenant int64, keys []string) map[string][]byte
	Delete(ctx context.Context, tenant int64, key string) error
	DeleteAll(ctx context.Context, tenant int64) error
	Tenants(ctx context.Context) []int64
}

// GormStore is the GORM implementation of Store
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a new GORM-based credential store
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Put(ctx context.Context, tenant int64, key string, blob []byte) error {
	row := &domain.WhatsAppCredential{
		AdminID:   tenant,
		Key:       key,
		Value:     blob,
		UpdatedAt: time.Now(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "admin_id"}, {Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "updated_at"}),
	}).Create(row).Error
	if err != nil {
		zap.L().Error("credstore: put failed",
			zap.Int64("tenant", tenant),
			zap.String("key", key),
			zap.Error(err),
		)
	}
	return err
}

func (s *GormStore) Get(ctx context.Context, tenant int64, key string) ([]byte, bool) {
	var rows []domain.WhatsAppCredential
	err := s.db.WithContext(ctx).
		Where(keyCond(tenant, key)).
		Limit(1).
		Find(&rows).Error
	if err != nil {
		zap.L().Warn("credstore: get failed, treating as absent",
			zap.Int64("tenant", tenant),
			zap.String("key", key),
			zap.Error(err),
		)
		return nil, false
	}
	if len(rows) == 0 {
		return nil, false
	}
	return rows[0].Value, true
}

// GetMany reads keys concurrently. Keys that are absent or fail to load
// are simply missing from the result.
func (s *GormStore) GetMany(ctx context.Context, tenant int64, keys []string) map[string][]byte {
	result := make(map[string][]byte, len(keys))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelReads)
	for _, key := range keys {
		key := key
		g.Go(func() error {
			blob, ok := s.Get(gctx, tenant, key)
			if ok {
				mu.Lock()
				result[key] = blob
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return result
}

func (s *GormStore) Delete(ctx context.Context, tenant int64, key string) error {
	err := s.db.WithContext(ctx).
		Where(keyCond(tenant, key)).
		Delete(&domain.WhatsAppCredential{}).Error
	if err != nil {
		zap.L().Error("credstore: delete failed",
			zap.Int64("tenant", tenant),
			zap.String("key", key),
			zap.Error(err),
		)
	}
	return err
}

func (s *GormStore) DeleteAll(ctx context.Context, tenant int64) error {
	tx := s.db.WithContext(ctx).
		Where("admin_id = ?", tenant).
		Delete(&domain.WhatsAppCredential{})
	if tx.Error != nil {
		zap.L().Error("credstore: delete all failed", zap.Int64("tenant", tenant), zap.Error(tx.Error))
		return tx.Error
	}
	zap.L().Info("credstore: credentials wiped",
		zap.Int64("tenant", tenant),
		zap.Int64("rows", tx.RowsAffected),
	)
	return nil
}

func (s *GormStore) Tenants(ctx context.Context) []int64 {
	var ids []int64
	err := s.db.WithContext(ctx).
		Model(&domain.WhatsAppCredential{}).
		Distinct("admin_id").
		Order("admin_id").
		Pluck("admin_id", &ids).Error
	if err != nil {
		zap.L().Warn("credstore: list tenants failed", zap.Error(err))
		return nil
	}
	return ids
}

// keyCond quotes the columns; "key" is a keyword in several dialects.
func keyCond(tenant int64, key string) map[string]interface{} {
	return map[string]interface{}{"admin_id": tenant, "key": key}
}

// AuthState is a tenant-scoped view over a Store, handed to the protocol
// adapter so it can never address another tenant's rows.
type AuthState struct {
	store  Store
	tenant int64
}

func TenantState(store Store, tenant int64) *AuthState {
	return &AuthState{store: store, tenant: tenant}
}

func (a *AuthState) Tenant() int64 {
	return a.tenant
}

func (a *AuthState) Load(ctx context.Context, keys ...string) map[string][]byte {
	return a.store.GetMany(ctx, a.tenant, keys)
}

func (a *AuthState) Save(ctx context.Context, key string, blob []byte) error {
	return a.store.Put(ctx, a.tenant, key, blob)
}

func (a *AuthState) Remove(ctx context.Context, key string) error {
	return a.store.Delete(ctx, a.tenant, key)
}

func (a *AuthState) Clear(ctx context.Context) error {
	return a.store.DeleteAll(ctx, a.tenant)
}
