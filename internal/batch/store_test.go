package batch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "batches.json")
	return NewStore(path), path
}

func TestStartExecutionGuard(t *testing.T) {
	store, _ := newTestStore(t)

	first, err := store.StartExecution("2026-03", "carbon", false, 5000)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, first.Status)

	_, err = store.StartExecution("2026-03", "carbon", true, 5000)
	assert.ErrorIs(t, err, ErrExecutionActive)

	// A different credit type or month is independent.
	_, err = store.StartExecution("2026-03", "biodiversity", false, 5000)
	require.NoError(t, err)
	_, err = store.StartExecution("2026-04", "carbon", false, 5000)
	require.NoError(t, err)

	// Finishing the first frees the slot.
	first.Status = StatusFailed
	require.NoError(t, store.SaveExecution(*first))
	_, err = store.StartExecution("2026-03", "carbon", false, 5000)
	require.NoError(t, err)
}

func TestStorePersistsAcrossReload(t *testing.T) {
	store, path := newTestStore(t)

	exec, err := store.StartExecution("2026-03", "", true, 1234)
	require.NoError(t, err)
	exec.Status = StatusSuccess
	exec.RetiredQuantity = "2.250000"
	exec.Attributions = []ContributorAttribution{{UserID: "ada", SharePpm: 1_000_000, ContributionUsdCents: 1234}}
	require.NoError(t, store.SaveExecution(*exec))
	require.NoError(t, store.SaveRun(ReconciliationRun{ID: "run_1", Month: "2026-03", Status: ReconCompleted, StartedAt: time.Now().UTC()}))

	reopened := NewStore(path)
	got, err := reopened.GetExecution(exec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, StatusSuccess, got.Status)
	assert.Equal(t, "2.250000", got.RetiredQuantity)
	require.Len(t, got.Attributions, 1)
	assert.Equal(t, "ada", got.Attributions[0].UserID)

	runs, err := reopened.RunsForMonth("2026-03")
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, "run_1", runs[0].ID)
}

func TestLatestSuccessfulDryRun(t *testing.T) {
	store, _ := newTestStore(t)

	old := Execution{ID: "e1", Month: "2026-03", DryRun: true, Status: StatusSuccess, ExecutedAt: time.Now().Add(-48 * time.Hour)}
	newer := Execution{ID: "e2", Month: "2026-03", DryRun: true, Status: StatusSuccess, ExecutedAt: time.Now().Add(-1 * time.Hour)}
	failed := Execution{ID: "e3", Month: "2026-03", DryRun: true, Status: StatusFailed, ExecutedAt: time.Now()}
	live := Execution{ID: "e4", Month: "2026-03", DryRun: false, Status: StatusSuccess, ExecutedAt: time.Now()}
	for _, e := range []Execution{old, newer, failed, live} {
		require.NoError(t, store.SaveExecution(e))
	}

	got, err := store.LatestSuccessfulDryRun("2026-03", "")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "e2", got.ID)

	none, err := store.LatestSuccessfulDryRun("2026-04", "")
	require.NoError(t, err)
	assert.Nil(t, none)
}

func TestExecutionsForMonthNewestFirst(t *testing.T) {
	store, _ := newTestStore(t)

	older := Execution{ID: "e1", Month: "2026-03", Status: StatusSuccess, ExecutedAt: time.Now().Add(-time.Hour)}
	newest := Execution{ID: "e2", Month: "2026-03", Status: StatusFailed, ExecutedAt: time.Now()}
	other := Execution{ID: "e3", Month: "2026-04", Status: StatusSuccess, ExecutedAt: time.Now()}
	for _, e := range []Execution{older, newest, other} {
		require.NoError(t, store.SaveExecution(e))
	}

	got, err := store.ExecutionsForMonth("2026-03")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "e2", got[0].ID)
	assert.Equal(t, "e1", got[1].ID)

	all, err := store.ExecutionsForMonth("")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestAttributionsForUserSkipsDryRuns(t *testing.T) {
	store, _ := newTestStore(t)

	attr := func(user string, cents int64) ContributorAttribution {
		return ContributorAttribution{UserID: user, ContributionUsdCents: cents, AttributedQuantity: "1.000000", PaymentDenom: "ibc/USDC"}
	}
	executions := []Execution{
		{ID: "live1", Month: "2026-02", Status: StatusSuccess, TxHash: "AA", ExecutedAt: time.Now().Add(-time.Hour), Attributions: []ContributorAttribution{attr("ada", 100), attr("bob", 50)}},
		{ID: "dry", Month: "2026-03", DryRun: true, Status: StatusSuccess, ExecutedAt: time.Now(), Attributions: []ContributorAttribution{attr("ada", 200)}},
		{ID: "failed", Month: "2026-03", Status: StatusFailed, ExecutedAt: time.Now()},
		{ID: "live2", Month: "2026-03", Status: StatusSuccess, TxHash: "BB", RetirementID: "cert_2", ExecutedAt: time.Now(), Attributions: []ContributorAttribution{attr("ada", 300)}},
	}
	for _, e := range executions {
		require.NoError(t, store.SaveExecution(e))
	}

	got, err := store.AttributionsForUser("ada")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "live2", got[0].ExecutionID)
	assert.Equal(t, "cert_2", got[0].RetirementID)
	assert.Equal(t, int64(300), got[0].Attribution.ContributionUsdCents)
	assert.Equal(t, "live1", got[1].ExecutionID)

	none, err := store.AttributionsForUser("carol")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestStoreCorruptFile(t *testing.T) {
	store, path := newTestStore(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := store.ExecutionsForMonth("2026-03")
	assert.Error(t, err)
}
