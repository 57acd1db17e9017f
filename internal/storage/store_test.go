package storage

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/samuelmjordan/hosting-platform-api/internal/domain"
	"github.com/samuelmjordan/hosting-platform-api/internal/saga"
)

// newTestStore connects to TEST_POSTGRES_DSN, migrates, and empties the
// tables. Tests are skipped without it.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	_, file, _, _ := runtime.Caller(0)
	if err := Migrate(dsn, filepath.Join(filepath.Dir(file), "migrations")); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ctx := context.Background()
	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(db.Close)
	if _, err := db.Exec(ctx, `truncate job_queue, job_queue_archive, execution_context, execution_transition, subscription, price`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return New(db)
}

func newJob(jobType domain.JobType, payload string, delay time.Duration) domain.Job {
	return domain.Job{
		ID:           uuid.NewString(),
		DedupKey:     domain.DedupKey(jobType, payload),
		Type:         jobType,
		Payload:      payload,
		MaxRetries:   3,
		DelayedUntil: time.Now().Add(delay),
	}
}

func TestUpsertJobMergesLiveDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.UpsertJob(ctx, newJob(domain.PriceSync, "p1", time.Hour))
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	second, err := s.UpsertJob(ctx, newJob(domain.PriceSync, "p1", time.Minute))
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}

	if second.ID != first.ID {
		t.Fatalf("duplicate inserted a second row: %s vs %s", second.ID, first.ID)
	}
	if second.DuplicateCount != 1 {
		t.Errorf("duplicate count: got %d, want 1", second.DuplicateCount)
	}
	if !second.DelayedUntil.Before(first.DelayedUntil) {
		t.Errorf("earliest schedule did not win: %s vs %s", second.DelayedUntil, first.DelayedUntil)
	}
	counts, err := s.CountJobs(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts[domain.Pending] != 1 {
		t.Errorf("pending rows: %d", counts[domain.Pending])
	}
}

func TestClaimJobsParallelClaimersNeverShare(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if _, err := s.UpsertJob(ctx, newJob(domain.SyncSubscription, "sub_1", -time.Second)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			jobs, err := s.ClaimJobs(ctx, domain.Pending, 5)
			if err != nil {
				t.Errorf("claim: %v", err)
				return
			}
			mu.Lock()
			claimed += len(jobs)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if claimed != 1 {
		t.Fatalf("job claimed %d times", claimed)
	}
}

func TestClaimJobsSkipsKeyAlreadyProcessing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertJob(ctx, newJob(domain.SyncSubscription, "sub_1", -time.Second)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	running, err := s.ClaimJobs(ctx, domain.Pending, 5)
	if err != nil || len(running) != 1 {
		t.Fatalf("first claim: %v %v", running, err)
	}

	// a new live job for the same key while the first still runs
	if _, err := s.UpsertJob(ctx, newJob(domain.SyncSubscription, "sub_1", -time.Second)); err != nil {
		t.Fatalf("upsert duplicate: %v", err)
	}
	jobs, err := s.ClaimJobs(ctx, domain.Pending, 5)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(jobs) != 0 {
		t.Fatalf("claimed %d jobs while key is processing", len(jobs))
	}

	if err := s.CompleteJob(ctx, running[0].ID); err != nil {
		t.Fatalf("complete: %v", err)
	}
	jobs, err = s.ClaimJobs(ctx, domain.Pending, 5)
	if err != nil || len(jobs) != 1 {
		t.Fatalf("claim after completion: %v %v", jobs, err)
	}
}

func TestRetryJobFoldsIntoLiveDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertJob(ctx, newJob(domain.SyncSubscription, "sub_2", -time.Second)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	running, _ := s.ClaimJobs(ctx, domain.Pending, 1)
	live, err := s.UpsertJob(ctx, newJob(domain.SyncSubscription, "sub_2", time.Hour))
	if err != nil {
		t.Fatalf("upsert duplicate: %v", err)
	}

	retryAt := time.Now().Add(time.Minute)
	supersededBy, err := s.RetryJob(ctx, running[0].ID, retryAt, "provider timeout")
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if supersededBy != live.ID {
		t.Fatalf("superseded by %q, want %q", supersededBy, live.ID)
	}

	old, _ := s.GetJob(ctx, running[0].ID)
	if old.Status != domain.Completed || old.ErrorMessage == nil || !strings.Contains(*old.ErrorMessage, "superseded") {
		t.Errorf("old job: %s %v", old.Status, old.ErrorMessage)
	}
	merged, _ := s.GetJob(ctx, live.ID)
	if merged.RetryCount != 1 || merged.DuplicateCount != 1 {
		t.Errorf("merged job: retries=%d duplicates=%d", merged.RetryCount, merged.DuplicateCount)
	}
	if merged.DelayedUntil.After(retryAt.Add(time.Second)) {
		t.Errorf("merged schedule %s later than retry %s", merged.DelayedUntil, retryAt)
	}
}

func TestDeadLetterAndRequeue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.UpsertJob(ctx, newJob(domain.PriceSync, "p9", -time.Second)); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	running, _ := s.ClaimJobs(ctx, domain.Pending, 1)
	if err := s.DeadLetterJob(ctx, running[0].ID, "boom"); err != nil {
		t.Fatalf("dead-letter: %v", err)
	}

	requeued, err := s.RequeueJob(ctx, running[0].ID)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued.Status != domain.Pending || requeued.RetryCount != 0 || requeued.ErrorMessage != nil {
		t.Errorf("requeued: %+v", requeued)
	}
	if _, err := s.RequeueJob(ctx, running[0].ID); err == nil {
		t.Error("requeued a job that is not dead-lettered")
	}
}

func TestCleanupArchivesAndReclaims(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, p := range []string{"a", "b"} {
		if _, err := s.UpsertJob(ctx, newJob(domain.PriceSync, p, -time.Second)); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	jobs, _ := s.ClaimJobs(ctx, domain.Pending, 2)
	if len(jobs) != 2 {
		t.Fatalf("claimed %d", len(jobs))
	}
	if err := s.CompleteJob(ctx, jobs[0].ID); err != nil {
		t.Fatalf("complete: %v", err)
	}

	future := time.Now().Add(time.Minute)
	res, err := s.Cleanup(ctx, 4242, future, future)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if !res.Locked || res.Archived != 1 || res.Reclaimed != 1 {
		t.Fatalf("cleanup result: %+v", res)
	}
	if _, err := s.GetJob(ctx, jobs[0].ID); err == nil {
		t.Error("archived job still in live table")
	}
	stale, err := s.GetJob(ctx, jobs[1].ID)
	if err != nil || stale.Status != domain.Retrying {
		t.Errorf("stale job: %+v %v", stale, err)
	}
}

func TestContextRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ec := saga.NewExecutionContext("sub_rt", "eu-central", "spec_2g").
		WithDisplay("Survival", "cap", "mc-rt", "owner@example.com").
		WithNewNode(saga.NodeHandle{ID: 11, IPv4: "10.0.0.11"}).
		WithNewARecord(saga.ARecord{ID: "a-1", Name: "node-1.example.net"}).
		WithNewAllocation(saga.Allocation{ID: 5, Port: 25565}).
		WithStepType(saga.StepPterodactylServer).
		Failed(errBoom{})
	ec.Current.CNameRecordID = "c-1"

	if err := s.SaveContext(ctx, ec, "failed"); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, ok, err := s.GetContext(ctx, "sub_rt")
	if err != nil || !ok {
		t.Fatalf("get: ok=%v err=%v", ok, err)
	}
	got.UpdatedAt = time.Time{}
	if got != ec {
		t.Fatalf("round trip:\n got %+v\nwant %+v", got, ec)
	}

	if err := s.DeleteContext(ctx, "sub_rt"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, ok, _ := s.GetContext(ctx, "sub_rt"); ok {
		t.Error("context still present after delete")
	}
	trail, err := s.Transitions(ctx, "sub_rt", 10)
	if err != nil {
		t.Fatalf("transitions: %v", err)
	}
	if len(trail) != 2 || trail[0].Note != "deleted" || trail[1].Note != "failed" || trail[1].LastError != "boom" {
		t.Errorf("audit trail: %+v", trail)
	}
}

type errBoom struct{}

func (errBoom) Error() string { return "boom" }
