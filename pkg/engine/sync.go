package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/conflict"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/merge"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/types"
)

// SyncConversation reconciles the local conversation for a case against a
// remote authoritative view. Conflicts are classified first; any that
// cannot be auto-resolved snapshot both sides and consult the prompt before
// the chosen view is applied. The applied conversation is returned.
func (e *Engine) SyncConversation(ctx context.Context, caseID string, remote []types.ConversationItem) ([]types.ConversationItem, types.ConflictResult, error) {
	key := e.caseKey(caseID)
	local := e.Conversation(key)

	dctx := conflict.Context{
		EntityID:   caseID,
		Kind:       types.OpSubmitQuery,
		Operations: e.ledger.Snapshot(),
		Resolve:    e.ids.Resolve,
	}
	verdict := e.detector.Detect(view(local), view(remote), dctx)

	result := merge.Conversations(local, remote, merge.Context{EntityID: key, Timestamp: e.now()})
	e.metrics.MergesPerformed.Inc()

	applied := result.Merged
	if e.needsPrompt(verdict, result.RequiresUserInput) {
		backupID := e.backups.Create("conversation", key, local, remote)
		choice := ChoiceMerged
		if e.prompt != nil {
			choice = e.prompt(ctx, ConflictInfo{
				Result:   verdict,
				Strategy: conflict.StrategyFor(verdict),
				BackupID: backupID,
				EntityID: key,
				Local:    local,
				Remote:   remote,
			})
		}
		switch choice {
		case ChoiceKeepLocal:
			applied = local
		case ChoiceKeepRemote:
			applied = remote
		}
		e.log.WithCaseID(key).Info("conversation conflict resolved",
			zap.String("category", string(verdict.Category)),
			zap.String("choice", string(choice)),
			zap.String("backup_id", backupID))
	}

	e.mu.Lock()
	if len(applied) == 0 {
		delete(e.conversations, key)
	} else {
		e.conversations[key] = applied
	}
	e.mu.Unlock()
	e.persistConversations()
	return applied, verdict, nil
}

// SyncTitle merges a remote title into the local one by source precedence
// and applies the winner.
func (e *Engine) SyncTitle(caseID string, remote types.Title) types.Title {
	key := e.caseKey(caseID)
	e.mu.Lock()
	local, ok := e.titles[key]
	e.mu.Unlock()
	if !ok {
		local = types.Title{}
	}

	result := merge.Titles(local, remote, merge.Context{EntityID: key, Timestamp: e.now()})
	e.metrics.MergesPerformed.Inc()

	e.mu.Lock()
	e.titles[key] = result.Merged
	e.mu.Unlock()
	e.persistTitles()
	return result.Merged
}

// needsPrompt reports whether a reconciliation outcome must be surfaced to
// the user rather than applied silently.
func (e *Engine) needsPrompt(verdict types.ConflictResult, mergeWantsInput bool) bool {
	if verdict.HasConflict && !verdict.AutoResolvable {
		return true
	}
	return mergeWantsInput
}

func view(items []types.ConversationItem) conflict.DataView {
	v := conflict.DataView{Length: len(items)}
	for _, item := range items {
		if item.Timestamp.After(v.UpdatedAt) {
			v.UpdatedAt = item.Timestamp
		}
	}
	return v
}
