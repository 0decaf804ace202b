package tracker

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ShayCichocki/fanout/internal/retry"
	"github.com/ShayCichocki/fanout/pkg/models"
)

func newLocal(t *testing.T) *LocalTracker {
	t.Helper()
	tr, err := NewLocalTracker(filepath.Join(t.TempDir(), "nested", "followups.db"))
	require.NoError(t, err)
	t.Cleanup(func() { tr.Close() })
	return tr
}

func followUp(subTaskID, runID string) *models.FollowUp {
	return &models.FollowUp{
		SubTaskID: subTaskID,
		WorkerID:  "w-" + subTaskID,
		RunID:     runID,
		Title:     "Add parser",
		ErrorType: models.ErrorBuild,
		Message:   "undefined: foo",
		OutputRef: "/runs/r1/output/w.log",
		CreatedAt: time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC),
	}
}

func TestLocalTracker_CreateIsIdempotent(t *testing.T) {
	tr := newLocal(t)
	ctx := context.Background()

	id1, created, err := tr.CreateFollowUp(ctx, followUp("m-01", "r1"))
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "FU-1", id1)

	id2, created, err := tr.CreateFollowUp(ctx, followUp("m-01", "r2"))
	require.NoError(t, err)
	assert.False(t, created, "second create for the same sub-task must not insert")
	assert.Equal(t, id1, id2)

	items, err := tr.List(ctx, "", false)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "r1", items[0].RunID, "the original follow-up is kept")
}

func TestLocalTracker_GetAndList(t *testing.T) {
	tr := newLocal(t)
	ctx := context.Background()

	for _, f := range []*models.FollowUp{followUp("m-01", "r1"), followUp("m-02", "r1"), followUp("x-01", "r2")} {
		_, _, err := tr.CreateFollowUp(ctx, f)
		require.NoError(t, err)
	}

	got, err := tr.Get(ctx, "m-02")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "FU-2", got.ExternalID)
	assert.Equal(t, models.ErrorBuild, got.ErrorType)
	assert.Equal(t, "undefined: foo", got.Message)
	assert.Equal(t, StatusOpen, got.Status)
	assert.True(t, got.CreatedAt.Equal(time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)))

	missing, err := tr.Get(ctx, "nope")
	require.NoError(t, err)
	assert.Nil(t, missing)

	r1, err := tr.List(ctx, "r1", false)
	require.NoError(t, err)
	assert.Len(t, r1, 2)
}

func TestLocalTracker_Resolve(t *testing.T) {
	tr := newLocal(t)
	ctx := context.Background()
	_, _, err := tr.CreateFollowUp(ctx, followUp("m-01", "r1"))
	require.NoError(t, err)
	_, _, err = tr.CreateFollowUp(ctx, followUp("m-02", "r1"))
	require.NoError(t, err)

	require.NoError(t, tr.Resolve(ctx, "m-01", "retry w-9 completed"))
	require.NoError(t, tr.Resolve(ctx, "unknown", "noop"))

	open, err := tr.List(ctx, "r1", true)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "m-02", open[0].SubTaskID)

	got, err := tr.Get(ctx, "m-01")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)
	assert.Equal(t, "retry w-9 completed", got.Resolution)
	assert.NotNil(t, got.ResolvedAt)
}

func TestLocalTracker_ResolvedFollowUpReopensOnNewFailure(t *testing.T) {
	tr := newLocal(t)
	ctx := context.Background()
	firstID, _, err := tr.CreateFollowUp(ctx, followUp("m-01", "r1"))
	require.NoError(t, err)
	require.NoError(t, tr.Resolve(ctx, "m-01", "retry w-9 completed"))

	again := followUp("m-01", "r2")
	again.WorkerID = "w-10"
	again.ErrorType = models.ErrorTimeout
	again.Message = "no heartbeat"
	id, created, err := tr.CreateFollowUp(ctx, again)
	require.NoError(t, err)
	assert.True(t, created, "a new failure after resolution must be recorded")
	assert.Equal(t, firstID, id)

	got, err := tr.Get(ctx, "m-01")
	require.NoError(t, err)
	assert.Equal(t, StatusOpen, got.Status)
	assert.Equal(t, "r2", got.RunID)
	assert.Equal(t, "w-10", got.WorkerID)
	assert.Equal(t, models.ErrorTimeout, got.ErrorType)
	assert.Empty(t, got.Resolution)
	assert.Nil(t, got.ResolvedAt)

	// While open, a repeated report stays idempotent.
	_, created, err = tr.CreateFollowUp(ctx, followUp("m-01", "r3"))
	require.NoError(t, err)
	assert.False(t, created)
	got, err = tr.Get(ctx, "m-01")
	require.NoError(t, err)
	assert.Equal(t, "r2", got.RunID)
}

func TestLocalTracker_RequiresSubTaskID(t *testing.T) {
	tr := newLocal(t)
	_, _, err := tr.CreateFollowUp(context.Background(), &models.FollowUp{})
	assert.Error(t, err)
}

// flakyTracker rate-limits the first n calls.
type flakyTracker struct {
	failures int
	calls    int
	err      error
}

func (f *flakyTracker) CreateFollowUp(ctx context.Context, fu *models.FollowUp) (string, bool, error) {
	f.calls++
	if f.calls <= f.failures {
		if f.err != nil {
			return "", false, f.err
		}
		return "", false, &retry.RateLimitError{RetryAfter: time.Second, Err: errors.New("429")}
	}
	return "EXT-1", true, nil
}

func instantPolicy(maxRetries int) retry.Policy {
	return retry.Policy{
		MaxRetries: maxRetries,
		Sleep:      func(ctx context.Context, d time.Duration) error { return nil },
	}
}

func TestRetrying_RecoversFromRateLimit(t *testing.T) {
	inner := &flakyTracker{failures: 2}
	r := NewRetrying(inner, instantPolicy(5))

	id, created, err := r.CreateFollowUp(context.Background(), followUp("m-01", "r1"))
	require.NoError(t, err)
	assert.Equal(t, "EXT-1", id)
	assert.True(t, created)
	assert.Equal(t, 3, inner.calls)
}

func TestRetrying_Exhausted(t *testing.T) {
	inner := &flakyTracker{failures: 100}
	r := NewRetrying(inner, instantPolicy(5))

	_, _, err := r.CreateFollowUp(context.Background(), followUp("m-01", "r1"))
	var ex *retry.ExhaustedError
	require.ErrorAs(t, err, &ex)
	assert.Equal(t, 6, inner.calls)
}

func TestRetrying_DoesNotRetryPermanentErrors(t *testing.T) {
	inner := &flakyTracker{failures: 100, err: errors.New("400 bad request")}
	r := NewRetrying(inner, instantPolicy(5))

	_, _, err := r.CreateFollowUp(context.Background(), followUp("m-01", "r1"))
	assert.Error(t, err)
	assert.Equal(t, 1, inner.calls)
}

func TestRetrying_ResolveForwards(t *testing.T) {
	tr := newLocal(t)
	r := NewRetrying(tr, instantPolicy(1))
	ctx := context.Background()

	_, _, err := r.CreateFollowUp(ctx, followUp("m-01", "r1"))
	require.NoError(t, err)
	require.NoError(t, r.Resolve(ctx, "m-01", "done"))

	got, err := tr.Get(ctx, "m-01")
	require.NoError(t, err)
	assert.Equal(t, StatusResolved, got.Status)

	// A tracker without Resolve is a no-op.
	assert.NoError(t, NewRetrying(&flakyTracker{}, instantPolicy(1)).Resolve(ctx, "m-01", "x"))
}
