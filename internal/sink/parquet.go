// Package sink persists collection results as Parquet files. A single writer
// goroutine owns the file; producers hand rows over a mailbox channel so
// workers share one output without locking around the encoder.
package sink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/parquet-go/parquet-go"
	"go.uber.org/zap"
)

const defaultRowGroupSize = 1000

// ErrInvalidRow marks an append whose field presence violates the schema
// contract.
var ErrInvalidRow = errors.New("invalid row")

// Row is one collection outcome in its columnar form.
type Row struct {
	URL        string  `parquet:"url,dict"`
	Success    bool    `parquet:"success"`
	Content    *string `parquet:"content,optional"`
	StatusCode *uint32 `parquet:"status_code,optional"`
	Error      *string `parquet:"error,optional,dict"`
	DurationMS uint64  `parquet:"duration_ms"`
}

// validate enforces field presence: a successful row carries content and no
// error; a failed row carries no content. The error of a failed row is not
// checked and may be nil.
func (r Row) validate() error {
	if r.URL == "" {
		return fmt.Errorf("%w: empty url", ErrInvalidRow)
	}
	if r.Success {
		if r.Content == nil {
			return fmt.Errorf("%w: successful row without content (%s)", ErrInvalidRow, r.URL)
		}
		if r.Error != nil {
			return fmt.Errorf("%w: successful row carries an error (%s)", ErrInvalidRow, r.URL)
		}
		return nil
	}
	if r.Content != nil {
		return fmt.Errorf("%w: failed row carries content (%s)", ErrInvalidRow, r.URL)
	}
	return nil
}

// ParquetSink streams rows into a GZIP-compressed Parquet file, cutting a row
// group every RowGroupSize rows.
type ParquetSink struct {
	path   string
	file   *os.File
	writer *parquet.GenericWriter[Row]
	logger *zap.Logger

	rows   chan Row
	doneCh chan struct{}
	pending int
	groupSize int

	closeOnce sync.Once
	closed    atomic.Bool
	writeErr  error
	written   atomic.Int64
}

// Config adjusts sink buffering.
type Config struct {
	RowGroupSize int
	MailboxSize  int
	Logger       *zap.Logger
}

// NewParquetSink creates the output file at path and starts the writer
// goroutine.
func NewParquetSink(path string, cfg Config) (*ParquetSink, error) {
	if cfg.RowGroupSize <= 0 {
		cfg.RowGroupSize = defaultRowGroupSize
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("create sink dir %s: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create parquet file %s: %w", path, err)
	}
	s := &ParquetSink{
		path:      path,
		file:      f,
		writer:    parquet.NewGenericWriter[Row](f, parquet.Compression(&parquet.Gzip)),
		logger:    cfg.Logger,
		rows:      make(chan Row, cfg.MailboxSize),
		doneCh:    make(chan struct{}),
		groupSize: cfg.RowGroupSize,
	}
	go s.run()
	return s, nil
}

// Path returns the output file location.
func (s *ParquetSink) Path() string {
	return s.path
}

// Written returns how many rows reached the encoder.
func (s *ParquetSink) Written() int64 {
	return s.written.Load()
}

// Push hands a row to the writer, blocking until the mailbox accepts it or
// ctx expires. Rows violating the field-presence contract are rejected with
// ErrInvalidRow. Unlike the event log, accepted results are never dropped.
func (s *ParquetSink) Push(ctx context.Context, row Row) error {
	if err := row.validate(); err != nil {
		return err
	}
	if s.closed.Load() {
		return fmt.Errorf("sink closed")
	}
	select {
	case s.rows <- row:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("sink push: %w", ctx.Err())
	}
}

// Close stops accepting rows, flushes the final row group, and closes the
// file. It returns the first write error encountered.
func (s *ParquetSink) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.rows)
	})
	<-s.doneCh
	return s.writeErr
}

func (s *ParquetSink) run() {
	defer close(s.doneCh)
	for row := range s.rows {
		if s.writeErr != nil {
			continue
		}
		if _, err := s.writer.Write([]Row{row}); err != nil {
			s.writeErr = fmt.Errorf("write parquet row: %w", err)
			s.logger.Error("parquet write failed", zap.Error(err))
			continue
		}
		s.written.Add(1)
		s.pending++
		if s.pending >= s.groupSize {
			if err := s.writer.Flush(); err != nil {
				s.writeErr = fmt.Errorf("flush row group: %w", err)
				s.logger.Error("parquet flush failed", zap.Error(err))
			}
			s.pending = 0
		}
	}
	if err := s.writer.Close(); err != nil && s.writeErr == nil {
		s.writeErr = fmt.Errorf("close parquet writer: %w", err)
	}
	if err := s.file.Close(); err != nil && s.writeErr == nil {
		s.writeErr = fmt.Errorf("close parquet file: %w", err)
	}
}
