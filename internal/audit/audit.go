// Package audit keeps a queryable trail of connection, session and command
// events. Recording never blocks: entries go through a buffered channel to a
// single writer goroutine.
package audit

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/gluk-w/claworc/fleetd/internal/database"
	"github.com/gluk-w/claworc/fleetd/internal/logging"
	"github.com/gluk-w/claworc/fleetd/internal/sshpool"
)

// Event types.
const (
	EventConnectionEstablished = "connection_established"
	EventConnectionFailed      = "connection_failed"
	EventConnectionDestroyed   = "connection_destroyed"
	EventSessionCreated        = "session_created"
	EventSessionDestroyed      = "session_destroyed"
	EventCommandExecution      = "command_execution"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

const bufferSize = 1024

// Entry is one event to record.
type Entry struct {
	SessionID string
	HostKey   string
	EventType string
	Details   string
}

type item struct {
	rec     *database.AuditLog
	flushed chan struct{}
}

// Auditor records audit events asynchronously and answers queries.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time
	log           zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	ch      chan item
	done    chan struct{}
	dropped atomic.Int64
}

// New starts an Auditor writing to db. If retentionDays is 0,
// DefaultRetentionDays is used.
func New(db *gorm.DB, retentionDays int, log zerolog.Logger) *Auditor {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	a := &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
		log:           log,
		ch:            make(chan item, bufferSize),
		done:          make(chan struct{}),
	}
	go a.writer()
	return a
}

func (a *Auditor) writer() {
	defer close(a.done)
	for it := range a.ch {
		if it.flushed != nil {
			close(it.flushed)
			continue
		}
		if err := a.db.Create(it.rec).Error; err != nil {
			a.log.Error().Err(err).Str("event", it.rec.EventType).Msg("failed to write audit log")
			continue
		}
		a.log.Debug().
			Str("event", it.rec.EventType).
			Str("session", it.rec.SessionID).
			Str("host", logging.Sanitize(it.rec.HostKey)).
			Str("details", logging.Sanitize(it.rec.Details)).
			Msg("audit")
	}
}

// Record queues e for writing. When the buffer is full the entry is dropped
// and counted.
func (a *Auditor) Record(e Entry) {
	rec := &database.AuditLog{
		SessionID: e.SessionID,
		HostKey:   e.HostKey,
		EventType: e.EventType,
		Details:   e.Details,
		CreatedAt: a.nowFn(),
	}

	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.ch <- item{rec: rec}:
	default:
		if n := a.dropped.Add(1); n == 1 || n%100 == 0 {
			a.log.Warn().Int64("dropped", n).Msg("audit buffer full, dropping entries")
		}
	}
}

// Dropped returns how many entries were lost to a full buffer.
func (a *Auditor) Dropped() int64 { return a.dropped.Load() }

// Flush waits until everything recorded before the call is written.
func (a *Auditor) Flush(ctx context.Context) error {
	flushed := make(chan struct{})
	a.mu.RLock()
	if a.closed {
		a.mu.RUnlock()
		return nil
	}
	select {
	case a.ch <- item{flushed: flushed}:
		a.mu.RUnlock()
	case <-ctx.Done():
		a.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-flushed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting entries and waits for the writer to drain.
func (a *Auditor) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.ch)
	a.mu.Unlock()
	<-a.done
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	SessionID string
	HostKey   string
	EventType string
	Since     *time.Time
	Until     *time.Time
	Limit     int
	Offset    int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query retrieves audit log entries matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.AuditLog{})

	if opts.SessionID != "" {
		tx = tx.Where("session_id = ?", opts.SessionID)
	}
	if opts.HostKey != "" {
		tx = tx.Where("host_key = ?", opts.HostKey)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}
	if opts.Offset < 0 {
		opts.Offset = 0
	}

	entries := []database.AuditLog{}
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes entries older than days, or the retention period
// when days is 0. Returns the number of records deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	if result.Error != nil {
		a.log.Error().Err(result.Error).Msg("audit purge failed")
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		a.log.Info().Int64("deleted", result.RowsAffected).Int("days", days).Msg("purged old audit entries")
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}

// SessionCreated, SessionDestroyed and CommandRun make the Auditor a
// fanout.Observer.

func (a *Auditor) SessionCreated(id string, keys []string) {
	a.Record(Entry{SessionID: id, EventType: EventSessionCreated, Details: strings.Join(keys, ",")})
}

func (a *Auditor) SessionDestroyed(id string) {
	a.Record(Entry{SessionID: id, EventType: EventSessionDestroyed})
}

// CommandRun records one entry per host so the trail can be filtered by host.
func (a *Auditor) CommandRun(id string, keys []string, command string) {
	for _, k := range keys {
		a.Record(Entry{SessionID: id, HostKey: k, EventType: EventCommandExecution, Details: command})
	}
}

// PoolEvent translates connection events; subscribe it with Pool.OnEvent.
func (a *Auditor) PoolEvent(ev sshpool.ConnectionEvent) {
	var typ string
	switch ev.Type {
	case sshpool.EventConnected:
		typ = EventConnectionEstablished
	case sshpool.EventResolveFailed, sshpool.EventConnectFailed, sshpool.EventDisconnected:
		typ = EventConnectionFailed
	case sshpool.EventDestroyed:
		typ = EventConnectionDestroyed
	default:
		return
	}
	a.Record(Entry{HostKey: ev.Key, EventType: typ, Details: string(ev.Type) + ": " + ev.Details})
}
