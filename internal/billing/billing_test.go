package billing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/samuelmjordan/hosting-platform-api/internal/domain"
	"github.com/samuelmjordan/hosting-platform-api/internal/engine"
)

type fakeSubs struct {
	mu   sync.Mutex
	subs map[string]domain.Subscription
}

func (f *fakeSubs) UpsertSubscription(_ context.Context, s domain.Subscription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[s.ID] = s
	return nil
}

type enqueued struct {
	t       domain.JobType
	payload string
}

type fakeJobs struct {
	mu       sync.Mutex
	jobs     []enqueued
	failures int
}

func (f *fakeJobs) Enqueue(_ context.Context, t domain.JobType, payload string, _ ...engine.EnqueueOption) (domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return domain.Job{}, errors.New("database unavailable")
	}
	f.jobs = append(f.jobs, enqueued{t, payload})
	return domain.Job{ID: "job", Type: t, Payload: payload}, nil
}

// fakeReader serves queued messages, then blocks until ctx ends.
type fakeReader struct {
	mu        sync.Mutex
	msgs      []kafka.Message
	committed []int64
	done      chan struct{}
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if len(r.msgs) > 0 {
		m := r.msgs[0]
		r.msgs = r.msgs[1:]
		r.mu.Unlock()
		return m, nil
	}
	r.mu.Unlock()
	select {
	case r.done <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.committed = append(r.committed, m.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error { return nil }

type countingCounter struct {
	mu     sync.Mutex
	counts map[string]int
}

func (c *countingCounter) IncBillingEvent(eventType, result string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counts[eventType+"/"+result]++
}

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
	}{
		{"subscription", `{"id":"evt_1","type":"subscription.updated","subscription":{"id":"sub_1","status":"active"}}`, false},
		{"price", `{"id":"evt_2","type":"price.updated","price":{"id":"price_1"}}`, false},
		{"unknown type", `{"id":"evt_3","type":"invoice.paid"}`, false},
		{"not json", `{{`, true},
		{"subscription without id", `{"type":"subscription.updated","subscription":{}}`, true},
		{"price missing", `{"type":"price.updated"}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.raw))
			if tt.wantErr != (err != nil) {
				t.Fatalf("Decode error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrMalformed) {
				t.Fatalf("error does not wrap ErrMalformed: %v", err)
			}
		})
	}
}

func TestHandleSubscriptionDeletedCancels(t *testing.T) {
	subs := &fakeSubs{subs: map[string]domain.Subscription{}}
	jobs := &fakeJobs{}
	h := NewHandler(subs, jobs, nil)

	ev, err := Decode([]byte(`{"id":"evt_1","type":"subscription.deleted","subscription":{"id":"sub_1","status":"active"}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if err := h.Handle(context.Background(), ev); err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if got := subs.subs["sub_1"].Status; got != "canceled" {
		t.Errorf("stored status %q", got)
	}
	if len(jobs.jobs) != 1 || jobs.jobs[0] != (enqueued{domain.SyncSubscription, "sub_1"}) {
		t.Errorf("jobs: %+v", jobs.jobs)
	}
}

func TestConsumerCommitsAfterSuccess(t *testing.T) {
	subs := &fakeSubs{subs: map[string]domain.Subscription{}}
	jobs := &fakeJobs{failures: 2}
	reader := &fakeReader{
		done: make(chan struct{}, 1),
		msgs: []kafka.Message{
			{Offset: 1, Value: []byte(`garbage`)},
			{Offset: 2, Value: []byte(`{"id":"evt_2","type":"subscription.updated","subscription":{"id":"sub_2","status":"active"}}`)},
			{Offset: 3, Value: []byte(`{"id":"evt_3","type":"price.updated","price":{"id":"price_1","unitAmount":500}}`)},
		},
	}
	counter := &countingCounter{counts: map[string]int{}}
	c := NewConsumer(reader, NewHandler(subs, jobs, nil), counter, nil)
	c.minBackoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	select {
	case <-reader.done:
	case <-time.After(5 * time.Second):
		t.Fatal("consumer did not drain messages")
	}
	cancel()
	if err := <-errc; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if want := []int64{1, 2, 3}; len(reader.committed) != 3 || reader.committed[0] != want[0] || reader.committed[1] != want[1] || reader.committed[2] != want[2] {
		t.Fatalf("committed offsets %v, want %v", reader.committed, want)
	}
	if len(jobs.jobs) != 2 || jobs.jobs[0].t != domain.SyncSubscription || jobs.jobs[1].t != domain.PriceSync {
		t.Fatalf("jobs: %+v", jobs.jobs)
	}
	if counter.counts["subscription.updated/error"] != 2 || counter.counts["subscription.updated/ok"] != 1 {
		t.Errorf("counts: %v", counter.counts)
	}
	if counter.counts["unknown/malformed"] != 1 {
		t.Errorf("malformed not counted: %v", counter.counts)
	}
}

func TestConsumerStopsWhileRetrying(t *testing.T) {
	jobs := &fakeJobs{failures: 1 << 30}
	reader := &fakeReader{
		done: make(chan struct{}, 1),
		msgs: []kafka.Message{{Offset: 7, Value: []byte(`{"type":"subscription.updated","subscription":{"id":"sub_7"}}`)}},
	}
	c := NewConsumer(reader, NewHandler(&fakeSubs{subs: map[string]domain.Subscription{}}, jobs, nil), nil, nil)
	c.minBackoff = time.Millisecond
	c.maxBackoff = 5 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := c.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(reader.committed) != 0 {
		t.Fatalf("failing message committed: %v", reader.committed)
	}
}
