// Package queue delivers queued outbound messages and builds campaign batches.
package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/pkg/errors"
	"github.com/talkincode/toughwa/internal/domain"
	"github.com/talkincode/toughwa/internal/repository"
	"github.com/talkincode/toughwa/internal/whatsapp"
	"go.uber.org/zap"
)

var ErrNotRequeueable = errors.New("message is not in failed state")

// Deliverer sends a queued row without creating a new one.
type Deliverer interface {
	Deliver(ctx context.Context, msg *domain.Message) whatsapp.Result
}

// Connectivity tells the worker which tenants can send right now.
type Connectivity interface {
	IsConnected(tenant int64) bool
}

// TickStats summarizes one pass over the queue.
type TickStats struct {
	Busy    bool
	Fetched int
	Skipped int
	Sent    int64
	Failed  int64
}

// Worker drains the message queue on a fixed interval.
type Worker struct {
	messages  repository.MessageRepository
	audit     repository.SysLogRepository
	sender    Deliverer
	sessions  Connectivity
	pool      *ants.Pool
	batchSize int

	ticker   *time.Ticker
	stopChan chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
	now      func() time.Time
}

// NewWorker pool may be nil, in which case each tenant group gets a goroutine.
func NewWorker(messages repository.MessageRepository, audit repository.SysLogRepository,
	sender Deliverer, sessions Connectivity, pool *ants.Pool, batchSize int) *Worker {
	if batchSize <= 0 {
		batchSize = 10
	}
	return &Worker{
		messages:  messages,
		audit:     audit,
		sender:    sender,
		sessions:  sessions,
		pool:      pool,
		batchSize: batchSize,
		stopChan:  make(chan struct{}),
		now:       time.Now,
	}
}

// Start polls every interval until Stop or ctx is done.
func (w *Worker) Start(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	w.ticker = time.NewTicker(interval)
	go w.loop(ctx)

	zap.L().Info("queue: delivery worker started",
		zap.Duration("interval", interval),
		zap.Int("batch_size", w.batchSize),
	)
}

func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		if w.ticker != nil {
			w.ticker.Stop()
		}
		close(w.stopChan)
		zap.L().Info("queue: delivery worker stopped")
	})
}

func (w *Worker) loop(ctx context.Context) {
	for {
		select {
		case <-w.ticker.C:
			w.Tick(ctx)
		case <-w.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Tick runs one delivery pass. A tick that finds the previous one still
// running returns at once with Busy set.
func (w *Worker) Tick(ctx context.Context) TickStats {
	if !w.running.CompareAndSwap(false, true) {
		zap.L().Debug("queue: previous tick still running, skipped")
		return TickStats{Busy: true}
	}
	defer w.running.Store(false)

	now := w.now()
	rows, err := w.messages.ListQueued(ctx, now, w.batchSize)
	if err != nil {
		zap.L().Error("queue: list queued messages failed", zap.Error(err))
		return TickStats{}
	}
	stats := TickStats{Fetched: len(rows)}
	if len(rows) == 0 {
		return stats
	}

	groups := make(map[int64][]*domain.Message)
	var order []int64
	for _, m := range rows {
		if !m.Due(now) {
			continue
		}
		if _, ok := groups[m.AdminID]; !ok {
			order = append(order, m.AdminID)
		}
		groups[m.AdminID] = append(groups[m.AdminID], m)
	}

	var wg sync.WaitGroup
	for _, tenant := range order {
		msgs := groups[tenant]
		if w.sessions == nil || !w.sessions.IsConnected(tenant) {
			stats.Skipped += len(msgs)
			zap.L().Debug("queue: tenant not connected, leaving messages queued",
				zap.Int64("tenant", tenant),
				zap.Int("count", len(msgs)),
			)
			continue
		}
		wg.Add(1)
		task := func(tenant int64, msgs []*domain.Message) func() {
			return func() {
				defer wg.Done()
				w.deliverGroup(ctx, tenant, msgs, &stats)
			}
		}(tenant, msgs)
		if w.pool == nil || w.pool.Submit(task) != nil {
			go task()
		}
	}
	wg.Wait()

	if stats.Sent+stats.Failed > 0 {
		zap.L().Info("queue: tick finished",
			zap.Int("fetched", stats.Fetched),
			zap.Int64("sent", stats.Sent),
			zap.Int64("failed", stats.Failed),
			zap.Int("skipped", stats.Skipped),
		)
	}
	return stats
}

// deliverGroup sends one tenant's messages in order.
func (w *Worker) deliverGroup(ctx context.Context, tenant int64, msgs []*domain.Message, stats *TickStats) {
	for _, m := range msgs {
		if w.deliverOne(ctx, m) {
			atomic.AddInt64(&stats.Sent, 1)
		} else {
			atomic.AddInt64(&stats.Failed, 1)
		}
	}
}

func (w *Worker) deliverOne(ctx context.Context, m *domain.Message) (ok bool) {
	defer func() {
		if err := recover(); err != nil {
			zap.L().Error("queue: delivery panic", zap.Int64("tenant", m.AdminID), zap.Int64("message_id", m.ID), zap.Any("panic", err))
			ok = false
		}
	}()

	res := w.sender.Deliver(ctx, m)
	if res.OK {
		changed, err := w.messages.MarkSent(ctx, m.AdminID, m.ID, res.MessageID, res.Timestamp)
		if err != nil && res.MessageID != "" {
			// the row must leave queued even if the network id cannot be stored
			zap.L().Warn("queue: mark sent with network id failed, retrying without it",
				zap.Int64("tenant", m.AdminID), zap.Int64("message_id", m.ID), zap.Error(err))
			changed, err = w.messages.MarkSent(ctx, m.AdminID, m.ID, "", res.Timestamp)
		}
		if err != nil {
			zap.L().Error("queue: mark sent failed, message may be delivered again",
				zap.Int64("tenant", m.AdminID), zap.Int64("message_id", m.ID), zap.Error(err))
		} else if !changed {
			zap.L().Warn("queue: message left queued state during delivery", zap.Int64("tenant", m.AdminID), zap.Int64("message_id", m.ID))
		}
		repository.WriteSysLog(ctx, w.audit, m.AdminID, "info", "queue", "message_sent", map[string]interface{}{
			"message_id":  m.ID,
			"whatsapp_id": res.MessageID,
			"phone":       m.ToPhone,
			"job_id":      m.JobID,
		})
		return true
	}

	if _, err := w.messages.MarkFailed(ctx, m.AdminID, m.ID, res.Error); err != nil {
		zap.L().Error("queue: mark failed failed", zap.Int64("tenant", m.AdminID), zap.Int64("message_id", m.ID), zap.Error(err))
	}
	zap.L().Warn("queue: delivery failed",
		zap.Int64("tenant", m.AdminID),
		zap.Int64("message_id", m.ID),
		zap.String("error", res.Error),
	)
	repository.WriteSysLog(ctx, w.audit, m.AdminID, "warn", "queue", "message_failed", map[string]interface{}{
		"message_id": m.ID,
		"phone":      m.ToPhone,
		"error":      res.Error,
		"attempts":   m.Attempts + 1,
	})
	return false
}

// Requeue puts a failed message back in the queue for immediate delivery.
func (w *Worker) Requeue(ctx context.Context, tenant, id int64) error {
	changed, err := w.messages.Requeue(ctx, tenant, id)
	if err != nil {
		return errors.Wrap(err, "requeue")
	}
	if !changed {
		return ErrNotRequeueable
	}
	repository.WriteSysLog(ctx, w.audit, tenant, "info", "queue", "message_requeued", map[string]interface{}{"message_id": id})
	return nil
}
