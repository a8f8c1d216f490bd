// Package logship forwards process logs to an external collector through a
// bounded queue. The queue drops on overflow and counts the drops: the
// trading loop never blocks on logging.
package logship

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/kestrade/orbweaver/internal/retry"
)

const (
	defaultQueueSize = 1000
	defaultBatchSize = 64
	defaultFlush     = 2 * time.Second
)

// Sink receives batches of rendered log lines.
type Sink interface {
	Ship(ctx context.Context, lines []string) error
}

// Options tunes the queue.
type Options struct {
	QueueSize  int
	BatchSize  int
	FlushEvery time.Duration
}

// Shipper drains the queue into the sink in batches. A nil sink disables the
// whole pipeline: the hook becomes a no-op and Run returns immediately.
type Shipper struct {
	sink    Sink
	opts    Options
	logger  *logrus.Entry
	format  logrus.Formatter
	queue   chan string
	dropped atomic.Uint64
}

// New builds a shipper. Attach Hook() to the process logger and run Run on
// its own goroutine.
func New(sink Sink, logger *logrus.Logger, opts Options) *Shipper {
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.FlushEvery <= 0 {
		opts.FlushEvery = defaultFlush
	}
	return &Shipper{
		sink:   sink,
		opts:   opts,
		logger: logger.WithField("component", "logship"),
		format: &logrus.TextFormatter{DisableColors: true, FullTimestamp: true},
		queue:  make(chan string, opts.QueueSize),
	}
}

// Enabled reports whether a sink is configured.
func (s *Shipper) Enabled() bool { return s.sink != nil }

// Dropped counts lines lost to overflow or exhausted retries.
func (s *Shipper) Dropped() uint64 { return s.dropped.Load() }

// Enqueue offers one line to the queue, dropping it when full.
func (s *Shipper) Enqueue(line string) {
	if s.sink == nil {
		return
	}
	select {
	case s.queue <- line:
	default:
		s.dropped.Add(1)
	}
}

// Hook adapts the shipper to a logrus hook.
func (s *Shipper) Hook() logrus.Hook { return &hook{shipper: s} }

// Run drains the queue until ctx is done, then flushes what remains.
func (s *Shipper) Run(ctx context.Context) {
	if s.sink == nil {
		return
	}
	tick := time.NewTicker(s.opts.FlushEvery)
	defer tick.Stop()

	batch := make([]string, 0, s.opts.BatchSize)
	for {
		select {
		case <-ctx.Done():
			s.drainInto(&batch)
			// Last flush gets its own deadline; ctx is already dead.
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			s.flush(flushCtx, &batch)
			cancel()
			return
		case line := <-s.queue:
			batch = append(batch, line)
			if len(batch) >= s.opts.BatchSize {
				s.flush(ctx, &batch)
			}
		case <-tick.C:
			s.flush(ctx, &batch)
		}
	}
}

func (s *Shipper) drainInto(batch *[]string) {
	for {
		select {
		case line := <-s.queue:
			*batch = append(*batch, line)
		default:
			return
		}
	}
}

func (s *Shipper) flush(ctx context.Context, batch *[]string) {
	if len(*batch) == 0 {
		return
	}
	lines := *batch
	*batch = make([]string, 0, s.opts.BatchSize)

	err := retry.Do(ctx, retry.Config{
		MaxRetries:     3,
		InitialBackoff: 500 * time.Millisecond,
		MaxBackoff:     5 * time.Second,
	}, s.logger, "log ship", func() error {
		return s.sink.Ship(ctx, lines)
	})
	if err != nil {
		s.dropped.Add(uint64(len(lines)))
		s.logger.Warnf("dropped %d lines: %v", len(lines), err)
	}
}

// hook feeds formatted entries into the queue. The shipper's own entries are
// skipped so a failing sink cannot amplify itself through its own warnings.
type hook struct {
	shipper *Shipper
}

func (h *hook) Levels() []logrus.Level { return logrus.AllLevels }

func (h *hook) Fire(entry *logrus.Entry) error {
	if component, ok := entry.Data["component"].(string); ok && component == "logship" {
		return nil
	}
	line, err := h.shipper.format.Format(entry)
	if err != nil {
		return nil
	}
	h.shipper.Enqueue(strings.TrimRight(string(line), "\n"))
	return nil
}
