// Package merge combines local-optimistic and remote-authoritative values
// into one result. All algorithms are pure: ambiguity is expressed through
// confidence and RequiresUserInput, never through an error.
package merge

import (
	"fmt"
	"sort"
	"time"

	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/types"
)

// Context identifies what is being merged and on whose behalf.
type Context struct {
	EntityID  string
	Timestamp time.Time
	Origin    string
}

const (
	strategyConversationUnion = "conversation_union"
	strategyTitlePrecedence   = "title_precedence"
	strategyCaseFieldRules    = "case_field_rules"
	strategyKeyedConcat       = "keyed_concat"
	strategyCrossTabLWW       = "cross_tab_last_write_wins"
)

// maxSilentConflicts is how many conflicting conversation items a merge may
// absorb before the user has to confirm the result.
const maxSilentConflicts = 3

// Conversations unions two conversation views keyed by original item id.
// Remote items are authoritative for their own fields; local-only items are
// kept with demoted confidence when failed or still unconfirmed; a local
// loading placeholder survives until the remote side has produced content.
// The result is re-sorted by timestamp ascending.
func Conversations(local, remote []types.ConversationItem, _ Context) types.MergeResult[[]types.ConversationItem] {
	result := types.MergeResult[[]types.ConversationItem]{
		Strategy:   strategyConversationUnion,
		Confidence: types.ConfidenceHigh,
	}

	remoteByKey := make(map[string]types.ConversationItem, len(remote))
	for _, item := range remote {
		remoteByKey[item.Key()] = item
	}
	localKeys := make(map[string]bool, len(local))

	var merged []types.ConversationItem
	for _, localItem := range local {
		key := localItem.Key()
		localKeys[key] = true

		remoteItem, onBoth := remoteByKey[key]
		if !onBoth {
			// Local-only: keep it, but an unconfirmed or failed item may
			// never materialize remotely.
			if localItem.IsFailed {
				result.Conflicts = append(result.Conflicts,
					fmt.Sprintf("local item %s failed and has no remote counterpart", key))
				result.Confidence = demote(result.Confidence, types.ConfidenceLow)
			} else if localItem.IsOptimistic || localItem.IsLoading {
				result.Conflicts = append(result.Conflicts,
					fmt.Sprintf("local item %s still awaiting confirmation", key))
				result.Confidence = demote(result.Confidence, types.ConfidenceMedium)
			}
			merged = append(merged, localItem)
			continue
		}

		item := remoteItem
		if localItem.IsLoading && remoteItem.ResponseText == "" {
			// The remote record exists but the answer has not landed yet;
			// keep the placeholder spinner.
			item.IsLoading = true
		}
		if localItem.UserText != "" && remoteItem.UserText != "" && localItem.UserText != remoteItem.UserText {
			result.Conflicts = append(result.Conflicts,
				fmt.Sprintf("item %s differs between local and remote", key))
			result.Confidence = demote(result.Confidence, types.ConfidenceMedium)
		}
		merged = append(merged, item)
	}

	for _, remoteItem := range remote {
		if !localKeys[remoteItem.Key()] {
			merged = append(merged, remoteItem)
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].Timestamp.Before(merged[j].Timestamp)
	})

	result.Merged = merged
	result.RequiresUserInput = result.Confidence == types.ConfidenceLow ||
		len(result.Conflicts) > maxSilentConflicts
	return result
}

// Titles resolves a title pair by source precedence: user beats system beats
// backend. Ties fall back to the remote value. Titles are low-stakes, so
// this never requires user input.
func Titles(local, remote types.Title, _ Context) types.MergeResult[types.Title] {
	result := types.MergeResult[types.Title]{
		Strategy:   strategyTitlePrecedence,
		Confidence: types.ConfidenceHigh,
	}

	switch {
	case local.Source.Precedence() > remote.Source.Precedence():
		result.Merged = local
	case local.Source.Precedence() < remote.Source.Precedence():
		result.Merged = remote
	default:
		result.Merged = remote
		if local.Text != remote.Text {
			result.Conflicts = append(result.Conflicts,
				fmt.Sprintf("equal-precedence titles differ (%q vs %q), remote kept", local.Text, remote.Text))
			result.Confidence = types.ConfidenceMedium
		}
	}
	return result
}

// CaseStates merges aggregate case state with the remote value as base.
// Message counts take the maximum (an optimistic increment may still be in
// flight), timestamps take the later value, and a status disagreement forces
// low confidence. Local-only extra fields are preserved.
func CaseStates(local, remote types.CaseState, _ Context) types.MergeResult[types.CaseState] {
	result := types.MergeResult[types.CaseState]{
		Strategy:   strategyCaseFieldRules,
		Confidence: types.ConfidenceHigh,
	}

	merged := remote
	if local.MessageCount > merged.MessageCount {
		merged.MessageCount = local.MessageCount
	}
	if local.UpdatedAt.After(merged.UpdatedAt) {
		merged.UpdatedAt = local.UpdatedAt
	}
	if local.Status != "" && remote.Status != "" && local.Status != remote.Status {
		result.Conflicts = append(result.Conflicts,
			fmt.Sprintf("status diverged: local %q, remote %q", local.Status, remote.Status))
		result.Confidence = types.ConfidenceLow
	} else if merged.Status == "" {
		merged.Status = local.Status
	}

	if len(local.Extra) > 0 {
		if merged.Extra == nil {
			merged.Extra = make(map[string]any, len(local.Extra))
		} else {
			copied := make(map[string]any, len(merged.Extra))
			for k, v := range merged.Extra {
				copied[k] = v
			}
			merged.Extra = copied
		}
		for k, v := range local.Extra {
			if _, ok := merged.Extra[k]; !ok {
				merged.Extra[k] = v
			}
		}
	}

	result.Merged = merged
	result.RequiresUserInput = result.Confidence == types.ConfidenceLow
	return result
}

// KeyedItem is one element of a generic keyed collection.
type KeyedItem struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Value     any       `json:"value,omitempty"`
}

// Keyed concatenates both arrays, sorts by timestamp and deduplicates by id
// keeping the first occurrence. Duplicates are reported as informational
// conflicts only.
func Keyed(local, remote []KeyedItem, _ Context) types.MergeResult[[]KeyedItem] {
	result := types.MergeResult[[]KeyedItem]{
		Strategy:   strategyKeyedConcat,
		Confidence: types.ConfidenceHigh,
	}

	combined := make([]KeyedItem, 0, len(local)+len(remote))
	combined = append(combined, local...)
	combined = append(combined, remote...)
	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].Timestamp.Before(combined[j].Timestamp)
	})

	seen := make(map[string]bool, len(combined))
	merged := combined[:0]
	for _, item := range combined {
		if seen[item.ID] {
			result.Conflicts = append(result.Conflicts,
				fmt.Sprintf("duplicate item %s dropped", item.ID))
			continue
		}
		seen[item.ID] = true
		merged = append(merged, item)
	}

	result.Merged = merged
	return result
}

// TabState is one execution context's view of a shared value, stamped with
// when that context last wrote it.
type TabState[T any] struct {
	Value     T
	Timestamp time.Time
	Origin    string
}

// CrossTab resolves two views of state shared through the durable store. The
// newer write wins. Identical timestamps indicate a genuine race rather than
// a resolvable ordering, so they force low confidence and user input.
func CrossTab[T any](local, remote TabState[T]) types.MergeResult[T] {
	result := types.MergeResult[T]{
		Strategy:   strategyCrossTabLWW,
		Confidence: types.ConfidenceHigh,
	}

	switch {
	case local.Timestamp.After(remote.Timestamp):
		result.Merged = local.Value
	case remote.Timestamp.After(local.Timestamp):
		result.Merged = remote.Value
	default:
		result.Merged = remote.Value
		result.Conflicts = append(result.Conflicts,
			fmt.Sprintf("simultaneous writes from %s and %s", local.Origin, remote.Origin))
		result.Confidence = types.ConfidenceLow
		result.RequiresUserInput = true
	}
	return result
}

// demote lowers confidence, never raises it.
func demote(current, to types.Confidence) types.Confidence {
	rank := map[types.Confidence]int{
		types.ConfidenceHigh:   3,
		types.ConfidenceMedium: 2,
		types.ConfidenceLow:    1,
	}
	if rank[to] < rank[current] {
		return to
	}
	return current
}
