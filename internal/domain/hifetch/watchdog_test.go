package hifetch

import (
	"context"
	"net/http"
	"testing"
	"time"
)

func TestSweepStale(t *testing.T) {
	env := newFetchEnv(t, func(w http.ResponseWriter, r *http.Request) {}, Options{})
	ctx := context.Background()
	stale := time.Now().UTC().Add(-10 * time.Minute)

	// Silent stream with some progress settles as PARTIAL.
	partial := seedFetch(t, env, StatusProcessing)
	env.repo.mu.Lock()
	env.repo.fetches[partial.ID].ReceivedRecords = 5
	env.repo.fetches[partial.ID].ProcessedRecords = 3
	env.repo.fetches[partial.ID].UpdatedAt = stale
	env.repo.mu.Unlock()

	// Silent stream with nothing processed settles as FAILED.
	failed := seedFetch(t, env, StatusPending)
	env.repo.mu.Lock()
	env.repo.fetches[failed.ID].UpdatedAt = stale
	env.repo.mu.Unlock()

	// A stream still making progress stays live.
	live := seedFetch(t, env, StatusProcessing)

	if err := env.svc.sweepStale(ctx, 5*time.Minute); err != nil {
		t.Fatalf("sweepStale: %v", err)
	}

	got, _ := env.repo.GetFetch(ctx, partial.ID)
	if got.Status != StatusPartial || got.TerminalAt == nil {
		t.Errorf("partial fetch = status %s terminalAt %v", got.Status, got.TerminalAt)
	}
	if got.ErrorReason == nil || *got.ErrorReason != "stream timed out" {
		t.Errorf("reason = %v", got.ErrorReason)
	}

	got, _ = env.repo.GetFetch(ctx, failed.ID)
	if got.Status != StatusFailed {
		t.Errorf("empty stale fetch = status %s, want FAILED", got.Status)
	}

	got, _ = env.repo.GetFetch(ctx, live.ID)
	if got.Status != StatusProcessing || got.TerminalAt != nil {
		t.Errorf("live fetch was settled: %+v", got)
	}
}
