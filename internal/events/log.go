package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/atlasintel/prospector/internal/store"
	"github.com/atlasintel/prospector/internal/telemetry"
)

const (
	defaultBufferSize     = 4096
	defaultMaxBatchEvents = 256
	defaultMaxBatchWait   = 500 * time.Millisecond
	defaultSinkTimeout    = 10 * time.Second
)

// LogConfig controls buffering and batching for the Log.
type LogConfig struct {
	BufferSize     int
	MaxBatchEvents int
	MaxBatchWait   time.Duration
	SinkTimeout    time.Duration
	Logger         *zap.Logger
}

// Log sequences and persists audit events for one run. Emit never blocks;
// a full buffer drops the event and bumps the drop counter.
type Log struct {
	cfg    LogConfig
	runID  string
	st     *store.Store
	logger *zap.Logger

	events chan Event
	stopCh chan struct{}
	doneCh chan struct{}

	seq     atomic.Uint64
	dropped atomic.Int64
	closed  atomic.Bool

	closeOnce sync.Once
}

// NewLog starts the background flusher writing events for runID into st.
func NewLog(runID string, st *store.Store, cfg LogConfig) *Log {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.MaxBatchEvents <= 0 {
		cfg.MaxBatchEvents = defaultMaxBatchEvents
	}
	if cfg.MaxBatchWait <= 0 {
		cfg.MaxBatchWait = defaultMaxBatchWait
	}
	if cfg.SinkTimeout <= 0 {
		cfg.SinkTimeout = defaultSinkTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	l := &Log{
		cfg:    cfg,
		runID:  runID,
		st:     st,
		logger: cfg.Logger,
		events: make(chan Event, cfg.BufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
	go l.run()
	return l
}

// RunID returns the run this log records.
func (l *Log) RunID() string {
	return l.runID
}

// Dropped returns how many events were discarded under backpressure.
func (l *Log) Dropped() int64 {
	return l.dropped.Load()
}

// Emit enqueues the event; its sequence number is assigned when the
// background writer persists it. Events emitted after Close are discarded.
func (l *Log) Emit(kind Kind, status, message string, metadata map[string]any) {
	if l == nil || l.closed.Load() {
		return
	}
	evt := Event{
		RunID:    l.runID,
		Kind:     kind,
		Status:   status,
		Message:  message,
		Metadata: metadata,
		TS:       time.Now().UTC(),
	}
	if err := evt.Validate(); err != nil {
		l.logger.Debug("discarding invalid event", zap.Error(err))
		return
	}
	select {
	case l.events <- evt:
	default:
		l.dropped.Add(1)
		telemetry.ObserveEventsDropped(1)
	}
}

// Close drains the buffer, flushes the final batch, and blocks until the
// background goroutine exits or ctx expires.
func (l *Log) Close(ctx context.Context) error {
	if l == nil {
		return nil
	}
	l.closeOnce.Do(func() {
		l.closed.Store(true)
		close(l.stopCh)
	})
	select {
	case <-l.doneCh:
		if n := l.dropped.Load(); n > 0 {
			l.logger.Warn("audit events dropped under backpressure", zap.Int64("dropped", n))
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event log close wait: %w", ctx.Err())
	}
}

// Query reads back persisted events for this run, optionally filtered by
// kind.
func (l *Log) Query(ctx context.Context, kind Kind) ([]Event, error) {
	rows, err := l.st.QueryEvents(ctx, l.runID, string(kind))
	if err != nil {
		return nil, err
	}
	out := make([]Event, 0, len(rows))
	for _, r := range rows {
		out = append(out, Event{
			RunID:   r.RunID,
			Seq:     r.Seq,
			Kind:    Kind(r.Kind),
			Status:  r.Status,
			Message: r.Message,
			TS:      r.TS,
		})
	}
	return out, nil
}

func (l *Log) run() {
	defer close(l.doneCh)
	batch := make([]Event, 0, l.cfg.MaxBatchEvents)
	timer := time.NewTimer(l.cfg.MaxBatchWait)
	timer.Stop()
	timerActive := false
	for {
		select {
		case evt := <-l.events:
			batch = append(batch, evt)
			if len(batch) >= l.cfg.MaxBatchEvents {
				l.flush(batch)
				batch = batch[:0]
				l.stopTimer(timer, &timerActive)
			} else {
				l.resetTimer(timer, &timerActive)
			}
		case <-timer.C:
			timerActive = false
			if len(batch) > 0 {
				l.flush(batch)
				batch = batch[:0]
			}
		case <-l.stopCh:
			l.stopTimer(timer, &timerActive)
			l.drain(batch)
			return
		}
	}
}

func (l *Log) drain(batch []Event) {
	for {
		select {
		case evt := <-l.events:
			batch = append(batch, evt)
			if len(batch) >= l.cfg.MaxBatchEvents {
				l.flush(batch)
				batch = batch[:0]
			}
		default:
			if len(batch) > 0 {
				l.flush(batch)
			}
			return
		}
	}
}

func (l *Log) flush(batch []Event) {
	rows := make([]store.EventRow, 0, len(batch))
	for _, evt := range batch {
		evt.Seq = l.seq.Add(1)
		meta, err := evt.MetadataJSON()
		if err != nil {
			l.logger.Debug("dropping unencodable metadata", zap.Uint64("seq", evt.Seq), zap.Error(err))
		}
		rows = append(rows, store.EventRow{
			RunID:    evt.RunID,
			Seq:      evt.Seq,
			Kind:     string(evt.Kind),
			Status:   evt.Status,
			Message:  evt.Message,
			Metadata: meta,
			TS:       evt.TS,
		})
	}
	ctx, cancel := context.WithTimeout(context.Background(), l.cfg.SinkTimeout)
	defer cancel()
	if err := l.st.AppendEvents(ctx, rows); err != nil {
		l.logger.Warn("event batch write failed", zap.Int("events", len(rows)), zap.Error(err))
	}
}

func (l *Log) resetTimer(timer *time.Timer, timerActive *bool) {
	if *timerActive {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	timer.Reset(l.cfg.MaxBatchWait)
	*timerActive = true
}

func (l *Log) stopTimer(timer *time.Timer, timerActive *bool) {
	if !*timerActive {
		return
	}
	if !timer.Stop() {
		select {
		case <-timer.C:
		default:
		}
	}
	*timerActive = false
}
