package merge

import (
	"fmt"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/types"
)

var base = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

func item(id string, offset time.Duration) types.ConversationItem {
	return types.ConversationItem{
		ID:        id,
		UserText:  "q-" + id,
		Timestamp: base.Add(offset),
	}
}

func TestConversationsDisjointUnion(t *testing.T) {
	local := []types.ConversationItem{item("1", 0), item("2", time.Minute)}
	remote := []types.ConversationItem{item("3", 2 * time.Minute), item("4", 3 * time.Minute)}

	result := Conversations(local, remote, Context{EntityID: "case-1"})

	require.Len(t, result.Merged, 4)
	assert.Empty(t, result.Conflicts)
	assert.Equal(t, types.ConfidenceHigh, result.Confidence)
	assert.False(t, result.RequiresUserInput)
	for i := 1; i < len(result.Merged); i++ {
		assert.False(t, result.Merged[i].Timestamp.Before(result.Merged[i-1].Timestamp),
			"items not sorted by timestamp")
	}
}

func TestConversationsRemoteAuthoritative(t *testing.T) {
	local := []types.ConversationItem{{
		ID: "m-1", UserText: "ping", ResponseText: "", Timestamp: base,
		IsOptimistic: true,
	}}
	remote := []types.ConversationItem{{
		ID: "m-1", UserText: "ping", ResponseText: "pong", Timestamp: base,
	}}

	result := Conversations(local, remote, Context{})
	require.Len(t, result.Merged, 1)
	assert.Equal(t, "pong", result.Merged[0].ResponseText)
	assert.False(t, result.Merged[0].IsOptimistic)
}

func TestConversationsPreservesLoadingPlaceholder(t *testing.T) {
	local := []types.ConversationItem{{ID: "m-1", UserText: "ping", IsLoading: true, Timestamp: base}}
	remote := []types.ConversationItem{{ID: "m-1", UserText: "ping", Timestamp: base}}

	result := Conversations(local, remote, Context{})
	require.Len(t, result.Merged, 1)
	assert.True(t, result.Merged[0].IsLoading, "loading placeholder dropped before remote produced content")

	// Once the remote side has content the placeholder goes away.
	remote[0].ResponseText = "pong"
	result = Conversations(local, remote, Context{})
	assert.False(t, result.Merged[0].IsLoading)
}

func TestConversationsMatchesByOriginalID(t *testing.T) {
	local := []types.ConversationItem{{
		ID: "temp-msg-1-100", OriginalID: "temp-msg-1-100", UserText: "ping",
		Timestamp: base, IsOptimistic: true,
	}}
	remote := []types.ConversationItem{{
		ID: "msg-55", OriginalID: "temp-msg-1-100", UserText: "ping", ResponseText: "pong",
		Timestamp: base,
	}}

	result := Conversations(local, remote, Context{})
	require.Len(t, result.Merged, 1, "reconciled item duplicated")
	assert.Equal(t, "msg-55", result.Merged[0].ID)
}

func TestConversationsDemotesUnconfirmedLocalOnly(t *testing.T) {
	local := []types.ConversationItem{
		{ID: "m-1", UserText: "sent", Timestamp: base, IsOptimistic: true},
		{ID: "m-2", UserText: "failed", Timestamp: base.Add(time.Minute), IsFailed: true},
	}
	result := Conversations(local, nil, Context{})

	assert.Len(t, result.Merged, 2, "local-only items must be kept")
	assert.Equal(t, types.ConfidenceLow, result.Confidence)
	assert.True(t, result.RequiresUserInput)
	assert.Len(t, result.Conflicts, 2)
}

func TestConversationsManyConflictsRequireUserInput(t *testing.T) {
	var local []types.ConversationItem
	for i := 0; i < 5; i++ {
		it := item(string(rune('a'+i)), time.Duration(i)*time.Minute)
		it.IsOptimistic = true
		local = append(local, it)
	}
	result := Conversations(local, nil, Context{})
	assert.Greater(t, len(result.Conflicts), maxSilentConflicts)
	assert.True(t, result.RequiresUserInput)
}

func TestTitlesPrecedence(t *testing.T) {
	userTitle := types.Title{Text: "my name", Source: types.TitleSourceUser}
	backendTitle := types.Title{Text: "generated", Source: types.TitleSourceBackend}

	result := Titles(userTitle, backendTitle, Context{})
	assert.Equal(t, "my name", result.Merged.Text)
	assert.False(t, result.RequiresUserInput)

	result = Titles(backendTitle, userTitle, Context{})
	assert.Equal(t, "my name", result.Merged.Text)
}

func TestTitlesTieFallsBackToRemote(t *testing.T) {
	local := types.Title{Text: "local", Source: types.TitleSourceSystem}
	remote := types.Title{Text: "remote", Source: types.TitleSourceSystem}

	result := Titles(local, remote, Context{})
	assert.Equal(t, "remote", result.Merged.Text)
	assert.Equal(t, types.ConfidenceMedium, result.Confidence)
	assert.False(t, result.RequiresUserInput, "titles never require user input")
}

func TestCaseStatesFieldRules(t *testing.T) {
	local := types.CaseState{
		Status:       "open",
		UpdatedAt:    base.Add(time.Minute),
		MessageCount: 7,
		Extra:        map[string]any{"draft": "unsent text"},
	}
	remote := types.CaseState{
		Status:       "open",
		UpdatedAt:    base,
		MessageCount: 5,
	}

	result := CaseStates(local, remote, Context{})
	assert.Equal(t, 7, result.Merged.MessageCount, "counts take the maximum")
	assert.Equal(t, base.Add(time.Minute), result.Merged.UpdatedAt, "timestamps take the later value")
	assert.Equal(t, "unsent text", result.Merged.Extra["draft"], "local-only fields preserved")
	assert.Equal(t, types.ConfidenceHigh, result.Confidence)
}

func TestCaseStatesStatusConflict(t *testing.T) {
	local := types.CaseState{Status: "open"}
	remote := types.CaseState{Status: "closed"}

	result := CaseStates(local, remote, Context{})
	assert.Equal(t, "closed", result.Merged.Status, "remote is the base")
	assert.Equal(t, types.ConfidenceLow, result.Confidence)
	assert.True(t, result.RequiresUserInput)
	assert.NotEmpty(t, result.Conflicts)
}

func TestKeyedDedupe(t *testing.T) {
	local := []KeyedItem{
		{ID: "a", Timestamp: base},
		{ID: "b", Timestamp: base.Add(2 * time.Minute)},
	}
	remote := []KeyedItem{
		{ID: "a", Timestamp: base.Add(time.Minute)}, // duplicate, later
		{ID: "c", Timestamp: base.Add(3 * time.Minute)},
	}

	result := Keyed(local, remote, Context{})
	want := []string{"a", "b", "c"}
	var got []string
	for _, item := range result.Merged {
		got = append(got, item.ID)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merged ids mismatch (-want +got):\n%s", diff)
	}
	assert.Len(t, result.Conflicts, 1, "duplicate must be reported")
	assert.False(t, result.RequiresUserInput, "duplicates are informational only")
	assert.Equal(t, base, result.Merged[0].Timestamp, "first occurrence kept")
}

func TestCrossTabNewerWins(t *testing.T) {
	older := TabState[string]{Value: "stale", Timestamp: base, Origin: "tab-1"}
	newer := TabState[string]{Value: "fresh", Timestamp: base.Add(time.Second), Origin: "tab-2"}

	result := CrossTab(older, newer)
	assert.Equal(t, "fresh", result.Merged)
	assert.Equal(t, types.ConfidenceHigh, result.Confidence)

	result = CrossTab(newer, older)
	assert.Equal(t, "fresh", result.Merged)
}

func TestCrossTabSameTimestampRace(t *testing.T) {
	a := TabState[string]{Value: "a", Timestamp: base, Origin: "tab-1"}
	b := TabState[string]{Value: "b", Timestamp: base, Origin: "tab-2"}

	result := CrossTab(a, b)
	assert.Equal(t, types.ConfidenceLow, result.Confidence)
	assert.True(t, result.RequiresUserInput)
	assert.NotEmpty(t, result.Conflicts)
}

func BenchmarkConversations(b *testing.B) {
	local := make([]types.ConversationItem, 200)
	remote := make([]types.ConversationItem, 200)
	for i := range local {
		ts := base.Add(time.Duration(i) * time.Second)
		id := fmt.Sprintf("item-%d", i)
		local[i] = types.ConversationItem{ID: id, OriginalID: id, UserText: "q", Timestamp: ts}
		remote[i] = local[i]
		if i%3 == 0 {
			remote[i].ID = fmt.Sprintf("srv-%d", i)
			remote[i].ResponseText = "a"
		}
	}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		Conversations(local, remote, Context{})
	}
}
