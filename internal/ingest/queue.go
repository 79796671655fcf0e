package ingest

import (
	"context"
	"hash/fnv"
	"log/slog"
	"sync"

	"tankwatch/internal/config"
	"tankwatch/internal/metrics"
	"tankwatch/internal/model"
)

// Queue buffers envelopes between transports and the engine. Envelopes are
// sharded by ship id so one worker applies a ship's messages in arrival order.
type Queue struct {
	shards  []chan model.Envelope
	locks   []sync.Mutex
	policy  string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewQueue(cfg config.QueueConfig, m *metrics.Metrics, logger *slog.Logger) *Queue {
	n := cfg.Shards
	if n <= 0 {
		n = 1
	}
	size := cfg.Buffer
	if size <= 0 {
		size = 1024
	}
	q := &Queue{
		shards:  make([]chan model.Envelope, n),
		locks:   make([]sync.Mutex, n),
		policy:  cfg.DropPolicy,
		metrics: m,
		logger:  logger,
	}
	for i := range q.shards {
		q.shards[i] = make(chan model.Envelope, size)
	}
	return q
}

// Shards returns the receive side of every shard.
func (q *Queue) Shards() []<-chan model.Envelope {
	out := make([]<-chan model.Envelope, len(q.shards))
	for i, ch := range q.shards {
		out[i] = ch
	}
	return out
}

func (q *Queue) Len() int {
	n := 0
	for _, ch := range q.shards {
		n += len(ch)
	}
	return n
}

func (q *Queue) shardFor(shipID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(shipID))
	return int(h.Sum32() % uint32(len(q.shards)))
}

// Send enqueues env without blocking. When the shard is full the configured
// drop policy decides which message is lost; Send reports whether env was
// queued.
func (q *Queue) Send(ctx context.Context, env model.Envelope) bool {
	if ctx.Err() != nil {
		return false
	}
	i := q.shardFor(env.ShipID)
	ch := q.shards[i]
	select {
	case ch <- env:
		q.metrics.QueueDepth(q.Len())
		return true
	default:
	}
	if q.policy != config.DropOldest {
		q.dropped(env, "newest")
		return false
	}
	q.locks[i].Lock()
	defer q.locks[i].Unlock()
	for {
		select {
		case ch <- env:
			q.metrics.QueueDepth(q.Len())
			return true
		default:
		}
		select {
		case old := <-ch:
			q.dropped(old, "oldest")
		default:
		}
	}
}

func (q *Queue) dropped(env model.Envelope, which string) {
	q.metrics.QueueDrop(env.Source)
	if q.logger != nil {
		q.logger.Warn("ingest queue full, dropping message", "ship_id", env.ShipID, "source", env.Source, "dropped", which)
	}
}
