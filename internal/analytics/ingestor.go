// Package analytics persists request logs off the hot path.
package analytics

import (
	"context"
	"sync"
	"time"

	"github.com/nulzo/provider-gateway/internal/platform/logger"
	"github.com/nulzo/provider-gateway/internal/store"
	"github.com/nulzo/provider-gateway/internal/store/model"
	"github.com/nulzo/provider-gateway/internal/telemetry/metrics"
	"go.uber.org/zap"
)

// Ingestor handles the asynchronous persistence of request logs.
type Ingestor interface {
	Log(log *model.RequestLog)
	Start(ctx context.Context)
	// Stop flushes what is buffered and waits for the worker to exit.
	Stop()
}

type Options struct {
	BufferSize    int
	BatchSize     int
	FlushInterval time.Duration
}

type ingestor struct {
	logger    *zap.Logger
	repo      store.Repository
	metrics   *metrics.Metrics
	logChan   chan *model.RequestLog
	batchSize int
	flushTime time.Duration

	mu      sync.Mutex
	started bool
	stopped bool
	done    chan struct{}
}

func NewIngestor(log *zap.Logger, repo store.Repository, opts Options, m *metrics.Metrics) Ingestor {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 50
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	return &ingestor{
		logger:    logger.OrDefault(log).Named("analytics"),
		repo:      repo,
		metrics:   m,
		logChan:   make(chan *model.RequestLog, opts.BufferSize),
		batchSize: opts.BatchSize,
		flushTime: opts.FlushInterval,
		done:      make(chan struct{}),
	}
}

func (i *ingestor) Log(log *model.RequestLog) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopped {
		return
	}
	select {
	case i.logChan <- log:
	default:
		i.metrics.LogDropped()
		i.logger.Warn("Analytics buffer full, dropping log", zap.String("request_id", log.ID))
	}
}

func (i *ingestor) Start(ctx context.Context) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.started || i.stopped {
		return
	}
	i.started = true
	go i.worker(ctx)
}

func (i *ingestor) Stop() {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return
	}
	i.stopped = true
	started := i.started
	close(i.logChan)
	i.mu.Unlock()

	if started {
		<-i.done
	}
}

func (i *ingestor) worker(ctx context.Context) {
	defer close(i.done)

	batch := make([]*model.RequestLog, 0, i.batchSize)
	ticker := time.NewTicker(i.flushTime)
	defer ticker.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}

		// detached so a cancelled server context still gets its final flush
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		err := i.repo.WithTx(fctx, func(tx store.Repository) error {
			for _, log := range batch {
				if err := tx.Requests().Log(fctx, log); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			i.logger.Error("Failed to persist request logs", zap.Int("count", len(batch)), zap.Error(err))
		}
		batch = batch[:0]
	}

	for {
		select {
		case log, ok := <-i.logChan:
			if !ok {
				flush()
				return
			}
			batch = append(batch, log)
			if len(batch) >= i.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-ctx.Done():
			// keep draining until Stop closes the channel
			ctx = context.WithoutCancel(ctx)
		}
	}
}
