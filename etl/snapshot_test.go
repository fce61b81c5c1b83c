package etl

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lode.evalgo.org/bridge"
	"lode.evalgo.org/bridge/bridgetest"
)

func fastBridgeRetries(t *testing.T) {
	t.Helper()
	saved := bridge.RetryInitialDelay
	bridge.RetryInitialDelay = time.Millisecond
	t.Cleanup(func() { bridge.RetryInitialDelay = saved })
}

// TestSignature tests the membership fingerprint
func TestSignature(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", Signature(nil))
	})

	t.Run("SingleEntry", func(t *testing.T) {
		got := Signature([]SnapshotEntry{{UNID: "A"}})
		assert.Equal(t, "e61c21ca716b3b1aefb7d1198f83679c4ca4d596e5792275dd6203b49216237d", got)
	})

	t.Run("TwoEntries", func(t *testing.T) {
		got := Signature([]SnapshotEntry{{UNID: "DOC1"}, {UNID: "DOC2"}})
		assert.Equal(t, "8cc8ba86419f2557c2ec8ad4eff72ca536b0e7a83af5def16051cb80719bdd65", got)
	})

	t.Run("OrderMatters", func(t *testing.T) {
		ab := Signature([]SnapshotEntry{{UNID: "A"}, {UNID: "B"}})
		ba := Signature([]SnapshotEntry{{UNID: "B"}, {UNID: "A"}})
		assert.NotEqual(t, ab, ba)
	})

	t.Run("CategoriesIgnored", func(t *testing.T) {
		x := Signature([]SnapshotEntry{{UNID: "A", CategoryPath: "X"}})
		y := Signature([]SnapshotEntry{{UNID: "A", CategoryPath: "Y"}})
		assert.Equal(t, x, y)
	})
}

// TestSanitizeFolderName tests path-segment sanitization
func TestSanitizeFolderName(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		maxLen int
		want   string
	}{
		{name: "Empty", in: "", maxLen: 100, want: "Unnamed"},
		{name: "WhitespaceOnly", in: "   ", maxLen: 100, want: "Unnamed"},
		{name: "Plain", in: "Benefits", maxLen: 100, want: "Benefits"},
		{name: "ForbiddenChars", in: "HR: Admin/Ops", maxLen: 100, want: "HR_Admin_Ops"},
		{name: "Backslash", in: `a\b`, maxLen: 100, want: "a_b"},
		{name: "WhitespaceRun", in: "a  b", maxLen: 100, want: "a_b"},
		{name: "AngleBrackets", in: "<x>", maxLen: 100, want: "x"},
		{name: "UnderscoreRuns", in: "__x__", maxLen: 100, want: "x"},
		{name: "Truncated", in: strings.Repeat("a", 150), maxLen: 100, want: strings.Repeat("a", 100)},
		{name: "TruncationExposesUnderscore", in: strings.Repeat("a", 99) + "  b", maxLen: 100, want: strings.Repeat("a", 99)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeFolderName(tt.in, tt.maxLen))
		})
	}
}

// TestCategoryPathFromColumn tests category canonicalization
func TestCategoryPathFromColumn(t *testing.T) {
	tests := []struct {
		name string
		in   any
		want string
	}{
		{name: "Nil", in: nil, want: ""},
		{name: "Blank", in: "   ", want: ""},
		{name: "SingleLevel", in: "HR", want: "HR"},
		{name: "Nested", in: `HR\Benefits\Dental`, want: `HR\Benefits\Dental`},
		{name: "ComponentsTrimmed", in: ` HR \ Benefits `, want: `HR\Benefits`},
		{name: "EmptyComponentsDropped", in: `\Leading\`, want: "Leading"},
		{name: "BlankComponentDropped", in: `A\   \B`, want: `A\B`},
		{name: "ComponentsSanitized", in: `Q: Budget\2024  Plans`, want: `Q_Budget\2024_Plans`},
		{name: "SlashNotASeparator", in: "A/B", want: "A_B"},
		{name: "NumberColumn", in: 42, want: "42"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CategoryPathFromColumn(tt.in))
		})
	}
}

// TestSnapshotView_CollectsDocumentRows tests the happy walk: category rows,
// duplicate unids and blank unids are all skipped
func TestSnapshotView_CollectsDocumentRows(t *testing.T) {
	view := bridgetest.NewView("People").
		AddCategoryRow("HR").
		AddEntry("DOC1", "HR").
		AddEntry("DOC2", `HR\Benefits`).
		AddEntry("DOC1", "HR").
		AddEntry("DOC3", nil).
		AddEntry("", "X")

	got, err := SnapshotView(context.Background(), quietLogger(), view, CategoryColumnIndex)
	require.NoError(t, err)
	assert.Equal(t, []SnapshotEntry{
		{UNID: "DOC1", CategoryPath: "HR"},
		{UNID: "DOC2", CategoryPath: `HR\Benefits`},
		{UNID: "DOC3", CategoryPath: ""},
	}, got)
	assert.Equal(t, 1, view.EntriesCalls)
}

// TestSnapshotView_TransientRestartDeduplicates tests that an exhausted
// retry envelope restarts the walk and already-seen unids stay single
func TestSnapshotView_TransientRestartDeduplicates(t *testing.T) {
	fastBridgeRetries(t)

	view := bridgetest.NewView("People").
		AddEntry("DOC1", "A").
		AddEntry("DOC2", "B").
		AddEntry("DOC3", "C").
		FailIterationAt(1, 6, "Timed out")

	got, err := SnapshotView(context.Background(), quietLogger(), view, CategoryColumnIndex)
	require.NoError(t, err)
	assert.Equal(t, []SnapshotEntry{
		{UNID: "DOC1", CategoryPath: "A"},
		{UNID: "DOC2", CategoryPath: "B"},
		{UNID: "DOC3", CategoryPath: "C"},
	}, got)
	assert.Equal(t, 2, view.EntriesCalls)
}

// TestSnapshotView_NonTransientKeepsPartial tests that an unrecognized error
// aborts the walk without restarting and the partial snapshot survives
func TestSnapshotView_NonTransientKeepsPartial(t *testing.T) {
	view := bridgetest.NewView("People").
		AddEntry("DOC1", "A").
		AddEntry("DOC2", "B").
		FailIterationAt(1, 1, "invalid formula")

	got, err := SnapshotView(context.Background(), quietLogger(), view, CategoryColumnIndex)
	require.NoError(t, err)
	assert.Equal(t, []SnapshotEntry{{UNID: "DOC1", CategoryPath: "A"}}, got)
	assert.Equal(t, 1, view.EntriesCalls)
}

// TestSnapshotView_RestartsExhausted tests the restart budget: five restarts
// and then the partial snapshot is kept
func TestSnapshotView_RestartsExhausted(t *testing.T) {
	fastBridgeRetries(t)

	view := bridgetest.NewView("People").
		AddEntry("DOC1", "A").
		AddEntry("DOC2", "B").
		FailIterationAt(1, 36, "Network trouble")

	got, err := SnapshotView(context.Background(), quietLogger(), view, CategoryColumnIndex)
	require.NoError(t, err)
	assert.Equal(t, []SnapshotEntry{{UNID: "DOC1", CategoryPath: "A"}}, got)
	assert.Equal(t, 6, view.EntriesCalls)
}

// TestSnapshotView_EntriesFailure tests that refusing to open the first
// iterator is a hard error
func TestSnapshotView_EntriesFailure(t *testing.T) {
	view := bridgetest.NewView("People").
		AddEntry("DOC1", "A").
		FailEntries("database is closed", 1)

	got, err := SnapshotView(context.Background(), quietLogger(), view, CategoryColumnIndex)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to open entries")
	assert.Nil(t, got)
}

// TestSnapshotView_EntriesTransientRecovered tests that transient failures
// opening the iterator are retried away
func TestSnapshotView_EntriesTransientRecovered(t *testing.T) {
	fastBridgeRetries(t)

	view := bridgetest.NewView("People").
		AddEntry("DOC1", "A").
		FailEntries("no network connection", 2)

	got, err := SnapshotView(context.Background(), quietLogger(), view, CategoryColumnIndex)
	require.NoError(t, err)
	assert.Equal(t, []SnapshotEntry{{UNID: "DOC1", CategoryPath: "A"}}, got)
	assert.Equal(t, 3, view.EntriesCalls)
}

// TestSnapshotView_ContextCanceled tests that cancellation propagates as an
// error alongside whatever was collected
func TestSnapshotView_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	view := bridgetest.NewView("People").
		AddEntry("DOC1", "A").
		AddEntry("DOC2", "B").
		FailIterationAt(1, 1, "Timed out")

	got, err := SnapshotView(ctx, quietLogger(), view, CategoryColumnIndex)
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, []SnapshotEntry{{UNID: "DOC1", CategoryPath: "A"}}, got)
}
