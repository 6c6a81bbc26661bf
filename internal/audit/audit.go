// Package audit fans authorization decisions out to a durable queue and
// drains them into the authorization log on a background goroutine,
// falling back to a direct insert when the queue is unavailable.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/pgstore"
)

const (
	queueKey      = "audit_queue"
	blockInterval = 2 * time.Second
	drainBatch    = 64
)

// QueueClient is the subset of go-redis list operations the pipeline
// needs, kept as an interface so tests can substitute a fake.
type QueueClient interface {
	RPush(ctx context.Context, key string, values ...any) *redis.IntCmd
	BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd
	LPopCount(ctx context.Context, key string, count int) *redis.StringSliceCmd
}

// Entry is one authorization decision emitted by the request orchestrator.
// Emission is fire-and-forget: the caller pushes and moves on, it never
// blocks on persistence beyond the queue round trip.
type Entry struct {
	OccurredAt      time.Time `json:"occurred_at"`
	RealmName       string    `json:"realm_name"`
	PrincipalID     int64     `json:"principal_id"`
	ActionName      string    `json:"action_name"`
	TypeName        string    `json:"type_name"`
	Decision        bool      `json:"decision"`
	GrantedInternal []int64   `json:"granted_internal,omitempty"`
	GrantedExternal []string  `json:"granted_external,omitempty"`
}

func (e Entry) toLogRow() *pgstore.AuthorizationLog {
	return &pgstore.AuthorizationLog{
		OccurredAt:      e.OccurredAt,
		RealmName:       e.RealmName,
		PrincipalID:     e.PrincipalID,
		ActionName:      e.ActionName,
		TypeName:        e.TypeName,
		Decision:        e.Decision,
		GrantedInternal: e.GrantedInternal,
		GrantedExternal: e.GrantedExternal,
	}
}

// LogStore is the subset of pgstore the pipeline needs to persist entries,
// kept as an interface so tests can substitute a fake instead of a live
// database.
type LogStore interface {
	Insert(ctx context.Context, entry *pgstore.AuthorizationLog) error
	InsertBatch(ctx context.Context, entries []*pgstore.AuthorizationLog) error
}

// Pipeline pushes entries onto a Redis list and drains them on a single
// background goroutine into authorization_log via a batched insert. A
// push failure (Redis down) falls back to a direct synchronous insert so
// the audit trail is never silently dropped, at the cost of blocking the
// caller for that one entry. Entries are removed from the queue before
// they are persisted, so an entry popped but not yet written when the
// process crashes is lost; it is not replayed.
type Pipeline struct {
	store    LogStore
	client   QueueClient
	logger   *slog.Logger
	done     chan struct{}
	finished chan struct{}
}

// NewPipeline starts the background drainer immediately. client may be nil
// (Redis unreachable at boot), in which case every entry is inserted
// directly. Callers must call Stop during shutdown.
func NewPipeline(store LogStore, client QueueClient, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pipeline{store: store, client: client, logger: logger, done: make(chan struct{}), finished: make(chan struct{})}
	if client != nil {
		go p.run()
	} else {
		close(p.finished)
	}
	return p
}

// Emit enqueues one entry. It never blocks the caller on a database
// round trip when the queue is healthy.
func (p *Pipeline) Emit(ctx context.Context, e Entry) {
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}

	if p.client == nil {
		p.insertDirect(ctx, e)
		return
	}

	payload, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("audit: marshal failed, inserting directly", "error", err)
		p.insertDirect(ctx, e)
		return
	}
	if err := p.client.RPush(ctx, queueKey, payload).Err(); err != nil {
		p.logger.Warn("audit: queue push failed, inserting directly", "error", err)
		p.insertDirect(ctx, e)
	}
}

func (p *Pipeline) insertDirect(ctx context.Context, e Entry) {
	if err := p.store.Insert(ctx, e.toLogRow()); err != nil {
		p.logger.Error("audit: direct insert failed, entry dropped", "error", err)
	}
}

// run blocks on the queue in a loop until Stop is called. Each blocking
// pop is followed by a non-blocking sweep of whatever else is already
// queued, so a burst of decisions flushes as one batched insert instead of
// one round trip per entry.
func (p *Pipeline) run() {
	defer close(p.finished)
	ctx := context.Background()
	for {
		select {
		case <-p.done:
			p.drainRemaining(ctx)
			return
		default:
		}

		res, err := p.client.BLPop(ctx, blockInterval, queueKey).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue // timed out with nothing queued, loop and check done again
			}
			p.logger.Warn("audit: BLPop failed", "error", err)
			time.Sleep(blockInterval)
			continue
		}
		// res[0] is the key name, res[1] is the payload.
		if len(res) < 2 {
			continue
		}
		payloads := []string{res[1]}
		if more, err := p.client.LPopCount(ctx, queueKey, drainBatch-1).Result(); err == nil {
			payloads = append(payloads, more...)
		}
		p.persist(ctx, payloads)
	}
}

func (p *Pipeline) drainRemaining(ctx context.Context) {
	for {
		payloads, err := p.client.LPopCount(ctx, queueKey, drainBatch).Result()
		if err != nil || len(payloads) == 0 {
			return
		}
		p.persist(ctx, payloads)
	}
}

func (p *Pipeline) persist(ctx context.Context, payloads []string) {
	rows := make([]*pgstore.AuthorizationLog, 0, len(payloads))
	for _, payload := range payloads {
		var e Entry
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			p.logger.Error("audit: malformed queued entry dropped", "error", err)
			continue
		}
		rows = append(rows, e.toLogRow())
	}
	switch len(rows) {
	case 0:
	case 1:
		if err := p.store.Insert(ctx, rows[0]); err != nil {
			p.logger.Error("audit: persist from queue failed, entry dropped", "error", err)
		}
	default:
		if err := p.store.InsertBatch(ctx, rows); err != nil {
			p.logger.Error("audit: batch persist from queue failed, entries dropped", "error", err, "count", len(rows))
		}
	}
}

// Stop signals the drainer to flush whatever is queued and blocks until it
// exits.
func (p *Pipeline) Stop() {
	if p.client == nil {
		return
	}
	close(p.done)
	<-p.finished
}
