// Package logstore is the hybrid logging pipeline: interaction records flow
// through a bounded queue into append-only daily JSONL shards, session diffs
// flow through a second queue into batched SQLite upserts. Enqueueing never
// blocks the caller.
package logstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/prometheus/client_golang/prometheus"

	"docchat/internal/config"
	"docchat/internal/kst"
	"docchat/internal/logging"
	"docchat/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// SessionApplier folds session diffs into the relational store. The returned
// count is how many diffs were left unapplied when the batch failed.
type SessionApplier interface {
	ApplySessionUpdates(ctx context.Context, updates []models.SessionUpdate) (int, error)
}

// Stats is the pipeline's observability snapshot.
type Stats struct {
	LogQueueSize     int    `json:"log_q_size"`
	LogQueueCap      int    `json:"log_q_cap"`
	SessionQueueSize int    `json:"session_q_size"`
	SessionQueueCap  int    `json:"session_q_cap"`
	Dropped          uint64 `json:"dropped"`
	Overflow         uint64 `json:"overflow"`
	SessionUpdated   uint64 `json:"session_updated"`
	SessionErrors    uint64 `json:"session_errors"`
	Running          bool   `json:"running"`
}

type metrics struct {
	written       prometheus.Counter
	dropped       prometheus.Counter
	overflow      prometheus.Counter
	sessionOK     prometheus.Counter
	sessionErrors prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		written: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docchat_logstore_records_written_total",
			Help: "Interaction records appended to daily shards.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docchat_logstore_records_dropped_total",
			Help: "Records lost after both the shard and emergency writes failed.",
		}),
		overflow: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docchat_logstore_overflow_total",
			Help: "Records spilled to the overflow file because a queue was full.",
		}),
		sessionOK: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docchat_logstore_session_updates_total",
			Help: "Session diffs applied to the relational store.",
		}),
		sessionErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "docchat_logstore_session_errors_total",
			Help: "Session diffs lost to failed batches.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.written, m.dropped, m.overflow, m.sessionOK, m.sessionErrors)
	}
	return m
}

// Pipeline owns both queues and both batch workers.
type Pipeline struct {
	cfg     config.LoggingConfig
	logsDir string
	db      SessionApplier
	metrics *metrics

	logCh     chan models.InteractionRecord
	sessionCh chan models.SessionUpdate

	logFlush     chan chan struct{}
	sessionFlush chan chan struct{}

	dropped        atomic.Uint64
	overflow       atomic.Uint64
	sessionUpdated atomic.Uint64
	sessionErrors  atomic.Uint64
	running        atomic.Bool

	overflowMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a stopped pipeline. reg may be nil to skip metric registration.
func New(cfg config.LoggingConfig, logsDir string, db SessionApplier, reg prometheus.Registerer) *Pipeline {
	return &Pipeline{
		cfg:          cfg,
		logsDir:      logsDir,
		db:           db,
		metrics:      newMetrics(reg),
		logCh:        make(chan models.InteractionRecord, cfg.QueueSize),
		sessionCh:    make(chan models.SessionUpdate, cfg.SessionQueueSize),
		logFlush:     make(chan chan struct{}),
		sessionFlush: make(chan chan struct{}),
	}
}

// Start launches both workers. Calling Start on a running pipeline is a no-op.
func (p *Pipeline) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(2)
	go p.logWorker(ctx)
	go p.sessionWorker(ctx)
	logging.For("logstore").Info().
		Int("log_queue", p.cfg.QueueSize).
		Int("session_queue", p.cfg.SessionQueueSize).
		Msg("logging pipeline started")
}

// Stop flushes both queues, then cancels the workers and waits for them to
// drain their partial batches. The flush runs while the workers are still
// live so it goes through the ack path, not the cancellation drain.
func (p *Pipeline) Stop() {
	if !p.running.Load() {
		return
	}
	p.Flush()
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()
	p.wg.Wait()
	logging.For("logstore").Info().Msg("logging pipeline stopped")
}

// Flush forces both queues to empty synchronously. No-op when stopped.
func (p *Pipeline) Flush() {
	if !p.running.Load() {
		return
	}
	ack1 := make(chan struct{})
	ack2 := make(chan struct{})
	p.logFlush <- ack1
	p.sessionFlush <- ack2
	<-ack1
	<-ack2
}

// TryEnqueueLog enqueues an interaction record without blocking. A full queue
// spills the record to the overflow file.
func (p *Pipeline) TryEnqueueLog(rec models.InteractionRecord) {
	p.warnIfHigh(len(p.logCh), cap(p.logCh), "log")
	select {
	case p.logCh <- rec:
	default:
		p.spillOverflow(rec)
	}
}

// TryEnqueueSession enqueues a session diff without blocking. A full queue
// spills the diff to the overflow file.
func (p *Pipeline) TryEnqueueSession(upd models.SessionUpdate) {
	p.warnIfHigh(len(p.sessionCh), cap(p.sessionCh), "session")
	select {
	case p.sessionCh <- upd:
	default:
		p.spillOverflow(upd)
	}
}

// Stats returns the current observability snapshot.
func (p *Pipeline) Stats() Stats {
	return Stats{
		LogQueueSize:     len(p.logCh),
		LogQueueCap:      cap(p.logCh),
		SessionQueueSize: len(p.sessionCh),
		SessionQueueCap:  cap(p.sessionCh),
		Dropped:          p.dropped.Load(),
		Overflow:         p.overflow.Load(),
		SessionUpdated:   p.sessionUpdated.Load(),
		SessionErrors:    p.sessionErrors.Load(),
		Running:          p.running.Load(),
	}
}

func (p *Pipeline) warnIfHigh(size, capacity int, name string) {
	if capacity > 0 && size*5 >= capacity*4 {
		logging.For("logstore").Warn().
			Str("queue", name).
			Int("size", size).
			Int("cap", capacity).
			Msg("queue above 80% capacity")
	}
}

func (p *Pipeline) logWorker(ctx context.Context) {
	defer p.wg.Done()
	batch := make([]models.InteractionRecord, 0, p.cfg.BatchSize)
	timer := time.NewTimer(p.cfg.FlushInterval)
	defer timer.Stop()

	write := func() {
		if len(batch) == 0 {
			return
		}
		p.writeShard(batch)
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-p.logCh:
			batch = append(batch, rec)
			if len(batch) >= p.cfg.BatchSize {
				write()
				resetTimer(timer, p.cfg.FlushInterval)
			}
		case <-timer.C:
			write()
			timer.Reset(p.cfg.FlushInterval)
		case ack := <-p.logFlush:
			for drained := true; drained; {
				select {
				case rec := <-p.logCh:
					batch = append(batch, rec)
				default:
					drained = false
				}
			}
			write()
			close(ack)
		case <-ctx.Done():
			for drained := true; drained; {
				select {
				case rec := <-p.logCh:
					batch = append(batch, rec)
				default:
					drained = false
				}
			}
			write()
			return
		}
	}
}

func (p *Pipeline) sessionWorker(ctx context.Context) {
	defer p.wg.Done()
	batch := make([]models.SessionUpdate, 0, p.cfg.SessionBatchSize)
	timer := time.NewTimer(p.cfg.FlushInterval)
	defer timer.Stop()

	apply := func() {
		if len(batch) == 0 {
			return
		}
		failed, err := p.db.ApplySessionUpdates(context.Background(), batch)
		if err != nil {
			p.sessionErrors.Add(uint64(failed))
			p.metrics.sessionErrors.Add(float64(failed))
			logging.For("logstore").Error().Err(err).Int("lost", failed).Msg("session batch failed")
		}
		applied := len(batch) - failed
		if applied > 0 {
			p.sessionUpdated.Add(uint64(applied))
			p.metrics.sessionOK.Add(float64(applied))
		}
		batch = batch[:0]
	}

	for {
		select {
		case upd := <-p.sessionCh:
			batch = append(batch, upd)
			if len(batch) >= p.cfg.SessionBatchSize {
				apply()
				resetTimer(timer, p.cfg.FlushInterval)
			}
		case <-timer.C:
			apply()
			timer.Reset(p.cfg.FlushInterval)
		case ack := <-p.sessionFlush:
			for drained := true; drained; {
				select {
				case upd := <-p.sessionCh:
					batch = append(batch, upd)
				default:
					drained = false
				}
			}
			apply()
			close(ack)
		case <-ctx.Done():
			for drained := true; drained; {
				select {
				case upd := <-p.sessionCh:
					batch = append(batch, upd)
				default:
					drained = false
				}
			}
			apply()
			return
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// writeShard appends the batch to today's daily shard. On failure the batch
// goes to a one-shot emergency file; a double failure drops the batch with a
// critical log.
func (p *Pipeline) writeShard(batch []models.InteractionRecord) {
	now := kst.Now()
	path := filepath.Join(p.logsDir, "data",
		now.Format("2006"), now.Format("01"),
		now.Format(kst.DateLayout)+".jsonl")

	if err := appendJSONL(path, batch); err == nil {
		p.metrics.written.Add(float64(len(batch)))
		return
	} else {
		logging.For("logstore").Error().Err(err).Str("path", path).Msg("shard write failed, trying emergency file")
	}

	emergency := filepath.Join(p.logsDir, "data",
		"emergency_"+now.Format("20060102_150405")+".jsonl")
	if err := appendJSONL(emergency, batch); err != nil {
		p.dropped.Add(uint64(len(batch)))
		p.metrics.dropped.Add(float64(len(batch)))
		logging.For("logstore").Error().Err(err).Int("lost", len(batch)).Msg("emergency write failed, records dropped")
	}
}

// spillOverflow appends one record to the overflow file and counts it.
func (p *Pipeline) spillOverflow(item any) {
	p.overflow.Add(1)
	p.metrics.overflow.Inc()

	now := kst.Now()
	path := filepath.Join(p.logsDir, "overflow",
		now.Format("2006"), now.Format("01"),
		"overflow_"+now.Format(kst.DateLayout)+".jsonl")

	p.overflowMu.Lock()
	defer p.overflowMu.Unlock()
	if err := appendJSONL(path, []any{item}); err != nil {
		p.dropped.Add(1)
		p.metrics.dropped.Inc()
		logging.For("logstore").Error().Err(err).Msg("overflow write failed, record dropped")
	}
}

// appendJSONL writes items as complete lines with a trailing newline each.
func appendJSONL[T any](path string, items []T) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create shard directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	for _, item := range items {
		line, err := json.Marshal(item)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return fmt.Errorf("failed to append to %s: %w", path, err)
		}
	}
	return nil
}
