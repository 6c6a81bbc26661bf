package audit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mgourlis/stateful-abac-policy-engine/internal/pgstore"
)

type fakeLogStore struct {
	mu       sync.Mutex
	inserted []*pgstore.AuthorizationLog
	batches  int
}

func (f *fakeLogStore) Insert(_ context.Context, entry *pgstore.AuthorizationLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, entry)
	return nil
}

func (f *fakeLogStore) InsertBatch(_ context.Context, entries []*pgstore.AuthorizationLog) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserted = append(f.inserted, entries...)
	f.batches++
	return nil
}

func (f *fakeLogStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.inserted)
}

func TestPipelineDirectInsertWhenQueueNil(t *testing.T) {
	store := &fakeLogStore{}
	p := NewPipeline(store, nil, nil)

	p.Emit(context.Background(), Entry{RealmName: "acme", ActionName: "read", TypeName: "document", Decision: true})

	if store.count() != 1 {
		t.Fatalf("expected 1 direct insert, got %d", store.count())
	}
	if store.inserted[0].RealmName != "acme" {
		t.Errorf("got %+v", store.inserted[0])
	}
}

func TestPipelineFallsBackOnPushFailure(t *testing.T) {
	store := &fakeLogStore{}
	p := NewPipeline(store, failingQueueClient{}, nil)
	t.Cleanup(p.Stop)

	p.Emit(context.Background(), Entry{RealmName: "acme", ActionName: "read", TypeName: "document", Decision: false})

	if store.count() != 1 {
		t.Fatalf("expected the push failure to fall back to a direct insert, got %d", store.count())
	}
}

func TestPipelineDrainsQueuedEntry(t *testing.T) {
	store := &fakeLogStore{}
	queue := newFakeQueue()
	p := NewPipeline(store, queue, nil)
	t.Cleanup(p.Stop)

	p.Emit(context.Background(), Entry{RealmName: "acme", ActionName: "write", TypeName: "document", Decision: true})

	deadline := time.After(2 * time.Second)
	for store.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for the drainer to persist the queued entry")
		case <-time.After(10 * time.Millisecond):
		}
	}
	if store.inserted[0].ActionName != "write" {
		t.Errorf("got %+v", store.inserted[0])
	}
}

func TestPipelineBatchesBurstOfQueuedEntries(t *testing.T) {
	store := &fakeLogStore{}
	queue := newFakeQueue()

	// Queue a burst before the drainer starts, so its first BLPop+LPopCount
	// sweep sees all of them at once.
	for i := 0; i < 5; i++ {
		payload := `{"realm_name":"acme","action_name":"read","type_name":"document","decision":true}`
		queue.RPush(context.Background(), "audit_queue", payload)
	}

	p := NewPipeline(store, queue, nil)
	t.Cleanup(p.Stop)

	deadline := time.After(2 * time.Second)
	for store.count() < 5 {
		select {
		case <-deadline:
			t.Fatalf("timed out, persisted %d of 5", store.count())
		case <-time.After(10 * time.Millisecond):
		}
	}
	store.mu.Lock()
	batches := store.batches
	store.mu.Unlock()
	if batches == 0 {
		t.Error("expected the burst to flush through InsertBatch, not one insert per entry")
	}
}

// fakeQueue is a minimal in-memory stand-in for the Redis list the real
// QueueClient talks to, exercising the same RPush/BLPop drain loop.
type fakeQueue struct {
	mu    sync.Mutex
	items []string
}

func newFakeQueue() *fakeQueue { return &fakeQueue{} }

func (q *fakeQueue) RPush(ctx context.Context, key string, values ...any) *redis.IntCmd {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, v := range values {
		if s, ok := v.(string); ok {
			q.items = append(q.items, s)
		} else if b, ok := v.([]byte); ok {
			q.items = append(q.items, string(b))
		}
	}
	cmd := redis.NewIntCmd(ctx)
	cmd.SetVal(int64(len(q.items)))
	return cmd
}

func (q *fakeQueue) BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmd := redis.NewStringSliceCmd(ctx)
	if len(q.items) == 0 {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	item := q.items[0]
	q.items = q.items[1:]
	cmd.SetVal([]string{keys[0], item})
	return cmd
}

func (q *fakeQueue) LPopCount(ctx context.Context, key string, count int) *redis.StringSliceCmd {
	q.mu.Lock()
	defer q.mu.Unlock()
	cmd := redis.NewStringSliceCmd(ctx)
	if len(q.items) == 0 {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	if count > len(q.items) {
		count = len(q.items)
	}
	popped := q.items[:count]
	q.items = q.items[count:]
	cmd.SetVal(append([]string(nil), popped...))
	return cmd
}

type failingQueueClient struct{}

func (failingQueueClient) RPush(ctx context.Context, key string, values ...any) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx)
	cmd.SetErr(context.DeadlineExceeded)
	return cmd
}

func (failingQueueClient) BLPop(ctx context.Context, timeout time.Duration, keys ...string) *redis.StringSliceCmd {
	cmd := redis.NewStringSliceCmd(ctx)
	cmd.SetErr(redis.Nil)
	return cmd
}

func (failingQueueClient) LPopCount(ctx context.Context, key string, count int) *redis.StringSliceCmd {
	cmd := redis.NewStringSliceCmd(ctx)
	cmd.SetErr(redis.Nil)
	return cmd
}
