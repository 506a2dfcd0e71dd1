// ABOUTME: Integration tests for the jobs store: atomic claim, FIFO order,
// ABOUTME: eligibility, finalize transitions, stale reclaim, exhaustion sweep.
package store_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/OMCHOKSI108/Multiagent-LangGraph-Orchestrated-LLM-Research-Automation-Platform-sub001/internal/store"
	"github.com/OMCHOKSI108/Multiagent-LangGraph-Orchestrated-LLM-Research-Automation-Platform-sub001/internal/testutil"
)

func mustCreateJob(t *testing.T, s *testutil.TestDB, task string) *store.Job {
	t.Helper()
	j, err := s.CreateJob(context.Background(), store.CreateJobParams{Task: task})
	if err != nil {
		t.Fatalf("CreateJob(%q): %v", task, err)
	}
	return j
}

// backdate moves a job's created_at into the past so FIFO order is deterministic.
func backdate(t *testing.T, s *testutil.TestDB, id int64, ago time.Duration) {
	t.Helper()
	_, err := s.Pool().Exec(context.Background(),
		`UPDATE research_jobs SET created_at = now() - ($2 * interval '1 second') WHERE id = $1`,
		id, int64(ago.Seconds()))
	if err != nil {
		t.Fatalf("backdate job %d: %v", id, err)
	}
}

func TestCreateJob_Defaults(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)

	j := mustCreateJob(t, s, "vector database survey")
	if j.Status != store.StatusQueued {
		t.Errorf("Status = %q, want queued", j.Status)
	}
	if j.TriggerSource != store.TriggerUser {
		t.Errorf("TriggerSource = %q, want user", j.TriggerSource)
	}
	if j.Depth != "deep" {
		t.Errorf("Depth = %q, want deep (default)", j.Depth)
	}
	if j.RetryCount != 0 {
		t.Errorf("RetryCount = %d, want 0", j.RetryCount)
	}
	if j.StartedAt != nil || j.CompletedAt != nil {
		t.Errorf("StartedAt/CompletedAt should be nil on creation")
	}
}

func TestClaimNext_AtMostOneClaimant(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	job := mustCreateJob(t, s, "contested job")

	const claimants = 16
	var wg sync.WaitGroup
	claimed := make(chan *store.Job, claimants)
	for range claimants {
		wg.Add(1)
		go func() {
			defer wg.Done()
			j, err := s.ClaimNext(ctx)
			if err != nil {
				t.Errorf("ClaimNext: %v", err)
				return
			}
			if j != nil {
				claimed <- j
			}
		}()
	}
	wg.Wait()
	close(claimed)

	var winners []*store.Job
	for j := range claimed {
		winners = append(winners, j)
	}
	if len(winners) != 1 {
		t.Fatalf("claimed by %d goroutines, want exactly 1", len(winners))
	}
	if winners[0].ID != job.ID {
		t.Errorf("claimed job %d, want %d", winners[0].ID, job.ID)
	}
	if winners[0].Status != store.StatusProcessing {
		t.Errorf("claimed status = %q, want processing", winners[0].Status)
	}
	if winners[0].StartedAt == nil {
		t.Error("claimed job missing started_at")
	}
}

func TestClaimNext_FIFOByCreatedAt(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	oldest := mustCreateJob(t, s, "oldest")
	middle := mustCreateJob(t, s, "middle")
	newest := mustCreateJob(t, s, "newest")
	backdate(t, s, oldest.ID, 3*time.Hour)
	backdate(t, s, middle.ID, 2*time.Hour)
	backdate(t, s, newest.ID, 1*time.Hour)

	for _, want := range []int64{oldest.ID, middle.ID, newest.ID} {
		j, err := s.ClaimNext(ctx)
		if err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
		if j == nil {
			t.Fatal("ClaimNext returned nil with queued rows remaining")
		}
		if j.ID != want {
			t.Errorf("claimed %d, want %d (FIFO by created_at)", j.ID, want)
		}
	}

	// Queue drained.
	j, err := s.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext on empty queue: %v", err)
	}
	if j != nil {
		t.Errorf("expected nil on empty queue, got job %d", j.ID)
	}
}

func TestClaimNext_RetryKeepsOriginalQueuePosition(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	first := mustCreateJob(t, s, "first submitted")
	second := mustCreateJob(t, s, "second submitted")
	backdate(t, s, first.ID, 2*time.Hour)
	backdate(t, s, second.ID, 1*time.Hour)

	// First job is claimed and fails; it re-enters the queue as a retry.
	j, err := s.ClaimNext(ctx)
	if err != nil || j == nil || j.ID != first.ID {
		t.Fatalf("ClaimNext = %v, %v; want job %d", j, err, first.ID)
	}
	if err := s.FinalizeRetry(ctx, first.ID, "engine: research call: timeout"); err != nil {
		t.Fatalf("FinalizeRetry: %v", err)
	}

	// The retry keeps its original created_at, so it is claimed before the
	// younger job even though it was requeued later.
	j, err = s.ClaimNext(ctx)
	if err != nil || j == nil {
		t.Fatalf("ClaimNext after retry: %v, %v", j, err)
	}
	if j.ID != first.ID {
		t.Errorf("claimed %d, want retried job %d at its original position", j.ID, first.ID)
	}
	if j.TriggerSource != store.TriggerRetry {
		t.Errorf("TriggerSource = %q, want retry", j.TriggerSource)
	}
	if j.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", j.RetryCount)
	}

	// The younger job follows.
	j, err = s.ClaimNext(ctx)
	if err != nil || j == nil {
		t.Fatalf("ClaimNext: %v, %v", j, err)
	}
	if j.ID != second.ID {
		t.Errorf("claimed %d, want %d", j.ID, second.ID)
	}
}

func TestClaimNext_SkipsSystemRows(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	// System rows share the table but are never auto-processed.
	_, err := s.Pool().Exec(ctx, `
		INSERT INTO research_jobs (task, depth, trigger_source)
		VALUES ('scheduled digest', 'quick', 'system')`)
	if err != nil {
		t.Fatalf("insert system row: %v", err)
	}

	j, err := s.ClaimNext(ctx)
	if err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if j != nil {
		t.Errorf("claimed system-triggered job %d; system rows must be skipped", j.ID)
	}

	user := mustCreateJob(t, s, "user job")
	j, err = s.ClaimNext(ctx)
	if err != nil || j == nil {
		t.Fatalf("ClaimNext: %v, %v", j, err)
	}
	if j.ID != user.ID {
		t.Errorf("claimed %d, want user job %d", j.ID, user.ID)
	}
}

func TestFinalizeSuccess(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	job := mustCreateJob(t, s, "finalize me")
	if _, err := s.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	result := json.RawMessage(`{"summary":"done","sources":[]}`)
	if err := s.FinalizeSuccess(ctx, job.ID, result); err != nil {
		t.Fatalf("FinalizeSuccess: %v", err)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil || got == nil {
		t.Fatalf("GetJob: %v, %v", got, err)
	}
	if got.Status != store.StatusCompleted {
		t.Errorf("Status = %q, want completed", got.Status)
	}
	if string(got.Result) != string(result) {
		t.Errorf("Result = %s, want verbatim %s", got.Result, result)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	if got.LastError != nil {
		t.Errorf("LastError = %q, want nil", *got.LastError)
	}
}

func TestFinalize_RequiresProcessingState(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	// Still queued — never claimed. All finalize paths must refuse.
	job := mustCreateJob(t, s, "never claimed")

	err := s.FinalizeSuccess(ctx, job.ID, json.RawMessage(`{}`))
	if !errors.Is(err, store.ErrNotProcessing) {
		t.Errorf("FinalizeSuccess on queued row: err = %v, want ErrNotProcessing", err)
	}
	err = s.FinalizeRetry(ctx, job.ID, "boom")
	if !errors.Is(err, store.ErrNotProcessing) {
		t.Errorf("FinalizeRetry on queued row: err = %v, want ErrNotProcessing", err)
	}
	err = s.FinalizeTerminalFailure(ctx, job.ID, json.RawMessage(`{}`), "boom")
	if !errors.Is(err, store.ErrNotProcessing) {
		t.Errorf("FinalizeTerminalFailure on queued row: err = %v, want ErrNotProcessing", err)
	}

	// The row is untouched.
	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != store.StatusQueued || got.RetryCount != 0 {
		t.Errorf("row mutated by refused finalize: status=%q retry_count=%d",
			got.Status, got.RetryCount)
	}
}

func TestFinalizeRetry_ClearsStartedAt(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	job := mustCreateJob(t, s, "retry me")
	if _, err := s.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if err := s.FinalizeRetry(ctx, job.ID, "engine: research returned HTTP 502"); err != nil {
		t.Fatalf("FinalizeRetry: %v", err)
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != store.StatusQueued {
		t.Errorf("Status = %q, want queued", got.Status)
	}
	if got.StartedAt != nil {
		t.Error("StartedAt not cleared on requeue")
	}
	if got.LastError == nil || *got.LastError != "engine: research returned HTTP 502" {
		t.Errorf("LastError = %v", got.LastError)
	}
	if !got.CreatedAt.Equal(job.CreatedAt) {
		t.Errorf("CreatedAt changed on retry: %v -> %v", job.CreatedAt, got.CreatedAt)
	}
}

func TestReclaimStale(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	stale := mustCreateJob(t, s, "abandoned by crashed claimant")
	fresh := mustCreateJob(t, s, "actively processing")
	backdate(t, s, stale.ID, 2*time.Hour) // claimed first

	for range 2 {
		if _, err := s.ClaimNext(ctx); err != nil {
			t.Fatalf("ClaimNext: %v", err)
		}
	}

	// Simulate the stale claimant: push started_at past the timeout.
	_, err := s.Pool().Exec(ctx,
		`UPDATE research_jobs SET started_at = now() - interval '1 hour' WHERE id = $1`,
		stale.ID)
	if err != nil {
		t.Fatalf("backdate started_at: %v", err)
	}

	ids, err := s.ReclaimStale(ctx, 45*time.Minute, 3)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if len(ids) != 1 || ids[0] != stale.ID {
		t.Fatalf("reclaimed ids = %v, want [%d]", ids, stale.ID)
	}

	got, err := s.GetJob(ctx, stale.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != store.StatusQueued {
		t.Errorf("reclaimed status = %q, want queued", got.Status)
	}
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1 (reclaim counts as a failed attempt)", got.RetryCount)
	}
	if got.TriggerSource != store.TriggerRetry {
		t.Errorf("TriggerSource = %q, want retry", got.TriggerSource)
	}

	// The fresh claim is left alone.
	got, err = s.GetJob(ctx, fresh.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != store.StatusProcessing {
		t.Errorf("fresh job status = %q, want processing", got.Status)
	}
}

func TestReclaimStale_LeavesExhaustedForSweep(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	job := mustCreateJob(t, s, "stale and out of budget")
	if _, err := s.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	_, err := s.Pool().Exec(ctx, `
		UPDATE research_jobs
		SET started_at = now() - interval '2 hours', retry_count = 3
		WHERE id = $1`, job.ID)
	if err != nil {
		t.Fatalf("prepare row: %v", err)
	}

	ids, err := s.ReclaimStale(ctx, 45*time.Minute, 3)
	if err != nil {
		t.Fatalf("ReclaimStale: %v", err)
	}
	if len(ids) != 0 {
		t.Errorf("reclaimed %v; rows at the retry limit must be left for FailExhausted", ids)
	}
}

func TestFailExhausted(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	exhausted := mustCreateJob(t, s, "out of retries")
	healthy := mustCreateJob(t, s, "still has budget")
	_, err := s.Pool().Exec(ctx,
		`UPDATE research_jobs SET retry_count = 3, trigger_source = 'retry' WHERE id = $1`,
		exhausted.ID)
	if err != nil {
		t.Fatalf("prepare row: %v", err)
	}

	n, err := s.FailExhausted(ctx, 3)
	if err != nil {
		t.Fatalf("FailExhausted: %v", err)
	}
	if n != 1 {
		t.Fatalf("failed %d rows, want 1", n)
	}

	got, err := s.GetJob(ctx, exhausted.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != store.StatusFailed {
		t.Errorf("Status = %q, want failed", got.Status)
	}
	var payload struct {
		Error    string `json:"error"`
		Attempts int    `json:"attempts"`
	}
	if err := json.Unmarshal(got.Result, &payload); err != nil {
		t.Fatalf("unmarshal result %s: %v", got.Result, err)
	}
	if payload.Error != "max retries exceeded" {
		t.Errorf("result error = %q", payload.Error)
	}
	if payload.Attempts != 3 {
		t.Errorf("result attempts = %d, want 3", payload.Attempts)
	}

	got, err = s.GetJob(ctx, healthy.ID)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if got.Status != store.StatusQueued {
		t.Errorf("healthy job status = %q, want queued", got.Status)
	}
}

func TestListJobs_FilterAndPagination(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	var ids []int64
	for _, ago := range []time.Duration{5 * time.Hour, 4 * time.Hour, 3 * time.Hour, 2 * time.Hour, time.Hour} {
		j := mustCreateJob(t, s, "list target")
		backdate(t, s, j.ID, ago)
		ids = append(ids, j.ID)
	}

	// Newest first.
	page, err := s.ListJobs(ctx, store.ListJobsParams{Limit: 3})
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(page) != 3 {
		t.Fatalf("page size = %d, want 3", len(page))
	}
	if page[0].ID != ids[4] || page[1].ID != ids[3] || page[2].ID != ids[2] {
		t.Errorf("page order = [%d %d %d], want newest first [%d %d %d]",
			page[0].ID, page[1].ID, page[2].ID, ids[4], ids[3], ids[2])
	}

	// Keyset continuation from the last row of page one.
	last := page[len(page)-1]
	page2, err := s.ListJobs(ctx, store.ListJobsParams{
		Limit:      3,
		CursorTime: &last.CreatedAt,
		CursorID:   &last.ID,
	})
	if err != nil {
		t.Fatalf("ListJobs page 2: %v", err)
	}
	if len(page2) != 2 {
		t.Fatalf("page 2 size = %d, want 2", len(page2))
	}
	if page2[0].ID != ids[1] || page2[1].ID != ids[0] {
		t.Errorf("page 2 = [%d %d], want [%d %d]", page2[0].ID, page2[1].ID, ids[1], ids[0])
	}

	// Status filter.
	if _, err := s.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	st := store.StatusProcessing
	procs, err := s.ListJobs(ctx, store.ListJobsParams{Status: &st, Limit: 10})
	if err != nil {
		t.Fatalf("ListJobs(processing): %v", err)
	}
	if len(procs) != 1 {
		t.Errorf("processing rows = %d, want 1", len(procs))
	}
}

func TestRenameAndDeleteJob(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	job := mustCreateJob(t, s, "old title")

	renamed, err := s.RenameJob(ctx, job.ID, "new title")
	if err != nil {
		t.Fatalf("RenameJob: %v", err)
	}
	if renamed == nil || renamed.Task != "new title" {
		t.Errorf("RenameJob = %+v", renamed)
	}

	missing, err := s.RenameJob(ctx, 999999, "x")
	if err != nil {
		t.Fatalf("RenameJob missing: %v", err)
	}
	if missing != nil {
		t.Errorf("rename of missing job returned %+v, want nil", missing)
	}

	deleted, err := s.DeleteJob(ctx, job.ID)
	if err != nil || !deleted {
		t.Fatalf("DeleteJob = %v, %v", deleted, err)
	}
	deleted, err = s.DeleteJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("DeleteJob twice: %v", err)
	}
	if deleted {
		t.Error("second delete reported a deleted row")
	}

	got, err := s.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob after delete: %v", err)
	}
	if got != nil {
		t.Errorf("GetJob after delete = %+v, want nil", got)
	}
}

func TestCountJobsByStatus(t *testing.T) {
	t.Parallel()
	s := testutil.NewTestDB(t)
	ctx := context.Background()

	mustCreateJob(t, s, "a")
	mustCreateJob(t, s, "b")
	if _, err := s.ClaimNext(ctx); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}

	counts, err := s.CountJobsByStatus(ctx)
	if err != nil {
		t.Fatalf("CountJobsByStatus: %v", err)
	}
	if counts[store.StatusQueued] != 1 || counts[store.StatusProcessing] != 1 {
		t.Errorf("counts = %v, want queued:1 processing:1", counts)
	}
}
