package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	publishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewingflow",
			Name:      "outbox_published_total",
			Help:      "Outbox messages published by topic.",
		},
		[]string{"topic"},
	)
	failedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "viewingflow",
			Name:      "outbox_publish_failures_total",
			Help:      "Outbox publish failures by topic.",
		},
		[]string{"topic"},
	)
)

func init() {
	prometheus.MustRegister(publishedTotal, failedTotal)
}

// Relay moves pending outbox messages onto a Publisher.
type Relay struct {
	source      Source
	publisher   Publisher
	prefix      string
	interval    time.Duration
	batch       int
	maxAttempts int
	logger      *slog.Logger
	running     atomic.Bool
}

// NewRelay builds a relay publishing each message to "<prefix>:<topic>".
func NewRelay(source Source, publisher Publisher, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		source:      source,
		publisher:   publisher,
		prefix:      "viewingflow",
		interval:    time.Second,
		batch:       100,
		maxAttempts: 10,
		logger:      logger,
	}
}

func (r *Relay) WithPrefix(prefix string) *Relay {
	if prefix != "" {
		r.prefix = prefix
	}
	return r
}

func (r *Relay) WithInterval(d time.Duration) *Relay {
	if d > 0 {
		r.interval = d
	}
	return r
}

func (r *Relay) WithBatch(batch, maxAttempts int) *Relay {
	if batch > 0 {
		r.batch = batch
	}
	if maxAttempts > 0 {
		r.maxAttempts = maxAttempts
	}
	return r
}

// Running reports whether the relay loop is active.
func (r *Relay) Running() bool {
	return r.running.Load()
}

// Run polls until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	r.running.Store(true)
	defer r.running.Store(false)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.safeFlush(ctx)
		}
	}
}

func (r *Relay) safeFlush(ctx context.Context) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("panic in outbox relay", "panic", fmt.Sprint(rec))
		}
	}()
	if _, err := r.Flush(ctx); err != nil && ctx.Err() == nil {
		r.logger.Warn("outbox flush failed", "error", err)
	}
}

// Flush publishes one batch and returns how many messages were handled.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	return r.source.Drain(ctx, r.batch, r.maxAttempts, func(ctx context.Context, m Message) error {
		channel := r.prefix + ":" + m.Topic
		if err := r.publisher.Publish(ctx, channel, m.Payload); err != nil {
			failedTotal.WithLabelValues(m.Topic).Inc()
			r.logger.Warn("outbox publish failed", "messageId", m.ID, "topic", m.Topic, "attempts", m.Attempts+1, "error", err)
			return err
		}
		publishedTotal.WithLabelValues(m.Topic).Inc()
		return nil
	})
}
