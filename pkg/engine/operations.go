package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/ident"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/types"
)

// Command names dispatched through the ledger registry. The names travel
// inside persisted operations, so they are part of the stored format.
const (
	cmdRemoveConversationItems = "remove_conversation_items"
	cmdRemoveTitle             = "remove_title"
	cmdRestoreTitle            = "restore_title"
	cmdRetryCreateCase         = "retry_create_case"
	cmdRetrySubmitQuery        = "retry_submit_query"
	cmdRetryUpdateTitle        = "retry_update_title"
)

func (e *Engine) registerCommands() {
	e.registry.Register(cmdRemoveConversationItems, e.handleRemoveItems)
	e.registry.Register(cmdRemoveTitle, e.handleRemoveTitle)
	e.registry.Register(cmdRestoreTitle, e.handleRestoreTitle)
	e.registry.Register(cmdRetryCreateCase, e.handleRetryCreateCase)
	e.registry.Register(cmdRetrySubmitQuery, e.handleRetrySubmitQuery)
	e.registry.Register(cmdRetryUpdateTitle, e.handleRetryUpdateTitle)
}

// CreateCase registers an optimistic case and confirms it against the
// backend. The returned case id is the provisional one; it stays valid as a
// lookup key after reconciliation. The operation id identifies the ledger
// entry for retry and dismissal.
func (e *Engine) CreateCase(ctx context.Context, title string) (caseID, operationID string, err error) {
	caseID = e.gen.NewCaseID()
	operationID = uuid.NewString()

	source := types.TitleSourceUser
	if title == "" {
		title = "New Case"
		source = types.TitleSourceSystem
	}
	e.mu.Lock()
	e.titles[caseID] = types.Title{Text: title, Source: source, UpdatedAt: e.now()}
	e.mu.Unlock()

	op := types.Operation{
		ID:       operationID,
		Kind:     types.OpCreateCase,
		EntityID: caseID,
		Payload:  map[string]any{"title": title},
		Rollback: types.Command{
			Name: cmdRemoveTitle,
			Args: map[string]any{"caseId": caseID},
		},
		Retry: &types.Command{
			Name: cmdRetryCreateCase,
			Args: map[string]any{"caseId": caseID, "title": title, "source": string(source)},
		},
	}
	if err := e.ledger.Add(op); err != nil {
		return "", "", err
	}
	e.persistTitles()
	e.persistOperations()

	summary, err := e.client.CreateCase(ctx, title)
	if err != nil {
		e.ledger.Fail(ctx, operationID, err.Error(), true)
		e.persistOperations()
		return caseID, operationID, err
	}
	e.confirmCase(caseID, summary)
	e.ledger.Complete(operationID)
	e.persistAll()
	return caseID, operationID, nil
}

// confirmCase records the provisional->authoritative mapping and re-keys
// local state under the authoritative id.
func (e *Engine) confirmCase(provisionalID string, summary types.CaseSummary) {
	if err := e.ids.Add(provisionalID, summary.ID, types.EntityCase); err != nil {
		e.log.WithCaseID(provisionalID).Warn("could not record id mapping", zap.Error(err))
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if title, ok := e.titles[provisionalID]; ok {
		delete(e.titles, provisionalID)
		e.titles[summary.ID] = title
	}
	if items, ok := e.conversations[provisionalID]; ok {
		delete(e.conversations, provisionalID)
		e.conversations[summary.ID] = append(e.conversations[summary.ID], items...)
	}
}

// SubmitQuery appends an optimistic user turn plus a loading assistant
// placeholder, then confirms them against the backend answer. On failure
// both optimistic items are rolled back and the operation stays in the
// ledger as failed, retryable.
func (e *Engine) SubmitQuery(ctx context.Context, caseID, text string) (operationID string, err error) {
	if text == "" {
		return "", fmt.Errorf("query text cannot be empty")
	}
	userItemID := e.gen.NewMessageID()
	assistantItemID := e.gen.NewMessageID()
	operationID = uuid.NewString()

	e.appendOptimisticTurn(caseID, userItemID, assistantItemID, text)

	op := types.Operation{
		ID:       operationID,
		Kind:     types.OpSubmitQuery,
		EntityID: caseID,
		Payload:  map[string]any{"text": text},
		Rollback: types.Command{
			Name: cmdRemoveConversationItems,
			Args: map[string]any{
				"caseId":  caseID,
				"itemIds": []any{userItemID, assistantItemID},
			},
		},
		Retry: &types.Command{
			Name: cmdRetrySubmitQuery,
			Args: map[string]any{
				"caseId":          caseID,
				"text":            text,
				"userItemId":      userItemID,
				"assistantItemId": assistantItemID,
			},
		},
	}
	if err := e.ledger.Add(op); err != nil {
		return "", err
	}
	e.persistConversations()
	e.persistOperations()

	answer, err := e.client.SubmitQuery(ctx, e.caseKey(caseID), text)
	if err != nil {
		e.ledger.Fail(ctx, operationID, err.Error(), true)
		e.persistAll()
		return operationID, err
	}
	e.confirmTurn(caseID, userItemID, assistantItemID, answer.MessageID, answer.Content)
	e.ledger.Complete(operationID)
	e.persistAll()
	return operationID, nil
}

func (e *Engine) appendOptimisticTurn(caseID, userItemID, assistantItemID, text string) {
	key := e.caseKey(caseID)
	now := e.now()
	e.mu.Lock()
	e.conversations[key] = append(e.conversations[key],
		types.ConversationItem{
			ID:           userItemID,
			OriginalID:   userItemID,
			UserText:     text,
			Timestamp:    now,
			IsOptimistic: true,
		},
		types.ConversationItem{
			ID:           assistantItemID,
			OriginalID:   assistantItemID,
			Timestamp:    now.Add(time.Millisecond),
			IsOptimistic: true,
			IsLoading:    true,
		})
	e.mu.Unlock()
}

// confirmTurn replaces the placeholder content with the backend answer and
// clears the optimistic flags. Item ids keep their original form so pending
// UI references stay valid; the mapping records the authoritative message id.
func (e *Engine) confirmTurn(caseID, userItemID, assistantItemID, messageID, content string) {
	if messageID != "" {
		if err := e.ids.Add(userItemID, messageID, types.EntityMessage); err != nil {
			e.log.WithCaseID(caseID).Warn("could not record message mapping", zap.Error(err))
		}
	}
	key := e.caseKey(caseID)
	e.mu.Lock()
	defer e.mu.Unlock()
	items := e.conversations[key]
	for i := range items {
		switch items[i].ID {
		case userItemID:
			items[i].IsOptimistic = false
		case assistantItemID:
			items[i].ResponseText = content
			items[i].IsOptimistic = false
			items[i].IsLoading = false
		}
	}
}

// UpdateTitle optimistically renames a case. The rollback restores the
// previous title when one existed, otherwise removes the optimistic one.
func (e *Engine) UpdateTitle(ctx context.Context, caseID, text string, source types.TitleSource) (operationID string, err error) {
	if text == "" {
		return "", fmt.Errorf("title cannot be empty")
	}
	key := e.caseKey(caseID)
	operationID = uuid.NewString()

	e.mu.Lock()
	prev, hadPrev := e.titles[key]
	e.titles[key] = types.Title{Text: text, Source: source, UpdatedAt: e.now()}
	e.mu.Unlock()

	rollback := types.Command{
		Name: cmdRemoveTitle,
		Args: map[string]any{"caseId": caseID},
	}
	if hadPrev {
		rollback = types.Command{
			Name: cmdRestoreTitle,
			Args: map[string]any{
				"caseId":    caseID,
				"text":      prev.Text,
				"source":    string(prev.Source),
				"updatedAt": prev.UpdatedAt.Format(time.RFC3339Nano),
			},
		}
	}
	op := types.Operation{
		ID:       operationID,
		Kind:     types.OpUpdateTitle,
		EntityID: caseID,
		Payload:  map[string]any{"title": text},
		Rollback: rollback,
		Retry: &types.Command{
			Name: cmdRetryUpdateTitle,
			Args: map[string]any{"caseId": caseID, "text": text, "source": string(source)},
		},
	}
	if err := e.ledger.Add(op); err != nil {
		return "", err
	}
	e.persistTitles()
	e.persistOperations()

	if err := e.client.UpdateCaseTitle(ctx, key, text); err != nil {
		e.ledger.Fail(ctx, operationID, err.Error(), true)
		e.persistAll()
		return operationID, err
	}
	e.ledger.Complete(operationID)
	e.persistAll()
	return operationID, nil
}

// Retry re-runs a failed operation through its retry command.
func (e *Engine) Retry(ctx context.Context, operationID string) error {
	err := e.ledger.Retry(ctx, operationID)
	e.persistAll()
	return err
}

// Dismiss drops a failed operation without retrying. The rollback has
// already run at failure time, so this only removes the ledger entry.
func (e *Engine) Dismiss(operationID string) {
	e.ledger.Remove(operationID)
	e.persistOperations()
}

func (e *Engine) persistAll() {
	e.persistTitles()
	e.persistConversations()
	e.persistOperations()
	e.persistMappings()
}

// --- command handlers ---

func (e *Engine) handleRemoveItems(ctx context.Context, args map[string]any) error {
	caseID, err := argString(args, "caseId")
	if err != nil {
		return err
	}
	itemIDs, err := argStrings(args, "itemIds")
	if err != nil {
		return err
	}
	e.removeItems(caseID, itemIDs)
	e.persistConversations()
	return nil
}

func (e *Engine) removeItems(caseID string, itemIDs []string) {
	drop := make(map[string]bool, len(itemIDs))
	for _, id := range itemIDs {
		drop[id] = true
	}
	key := e.caseKey(caseID)
	e.mu.Lock()
	defer e.mu.Unlock()
	items := e.conversations[key]
	kept := items[:0]
	for _, item := range items {
		if !drop[item.ID] {
			kept = append(kept, item)
		}
	}
	if len(kept) == 0 {
		delete(e.conversations, key)
		return
	}
	e.conversations[key] = kept
}

func (e *Engine) handleRemoveTitle(ctx context.Context, args map[string]any) error {
	caseID, err := argString(args, "caseId")
	if err != nil {
		return err
	}
	key := e.caseKey(caseID)
	e.mu.Lock()
	delete(e.titles, key)
	e.mu.Unlock()
	e.persistTitles()
	return nil
}

func (e *Engine) handleRestoreTitle(ctx context.Context, args map[string]any) error {
	caseID, err := argString(args, "caseId")
	if err != nil {
		return err
	}
	text, err := argString(args, "text")
	if err != nil {
		return err
	}
	source, _ := argString(args, "source")
	title := types.Title{Text: text, Source: types.TitleSource(source)}
	if raw, ok := args["updatedAt"].(string); ok {
		if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
			title.UpdatedAt = ts
		}
	}
	key := e.caseKey(caseID)
	e.mu.Lock()
	e.titles[key] = title
	e.mu.Unlock()
	e.persistTitles()
	return nil
}

// handleRetryCreateCase re-runs a failed case creation. The rollback at
// failure time removed the optimistic title, so it is re-established first.
func (e *Engine) handleRetryCreateCase(ctx context.Context, args map[string]any) error {
	caseID, err := argString(args, "caseId")
	if err != nil {
		return err
	}
	title, err := argString(args, "title")
	if err != nil {
		return err
	}
	source := types.TitleSourceUser
	if s, ok := args["source"].(string); ok && s != "" {
		source = types.TitleSource(s)
	}
	e.mu.Lock()
	if _, ok := e.titles[caseID]; !ok {
		e.titles[caseID] = types.Title{Text: title, Source: source, UpdatedAt: e.now()}
	}
	e.mu.Unlock()

	summary, err := e.client.CreateCase(ctx, title)
	if err != nil {
		e.mu.Lock()
		delete(e.titles, caseID)
		e.mu.Unlock()
		e.persistTitles()
		return err
	}
	e.confirmCase(caseID, summary)
	e.persistAll()
	return nil
}

// handleRetrySubmitQuery re-runs a failed submission. The optimistic items
// were removed by the rollback; they are recreated under their original ids
// so a success reconciles the same turn the user first sent.
func (e *Engine) handleRetrySubmitQuery(ctx context.Context, args map[string]any) error {
	caseID, err := argString(args, "caseId")
	if err != nil {
		return err
	}
	text, err := argString(args, "text")
	if err != nil {
		return err
	}
	userItemID, err := argString(args, "userItemId")
	if err != nil {
		return err
	}
	assistantItemID, err := argString(args, "assistantItemId")
	if err != nil {
		return err
	}
	if ident.IsProvisionalCase(caseID) && e.caseKey(caseID) == caseID {
		return fmt.Errorf("case %s has no authoritative id yet, retry case creation first", caseID)
	}

	e.appendOptimisticTurn(caseID, userItemID, assistantItemID, text)
	e.persistConversations()

	answer, err := e.client.SubmitQuery(ctx, e.caseKey(caseID), text)
	if err != nil {
		e.removeItems(caseID, []string{userItemID, assistantItemID})
		e.persistConversations()
		return err
	}
	e.confirmTurn(caseID, userItemID, assistantItemID, answer.MessageID, answer.Content)
	e.persistAll()
	return nil
}

func (e *Engine) handleRetryUpdateTitle(ctx context.Context, args map[string]any) error {
	caseID, err := argString(args, "caseId")
	if err != nil {
		return err
	}
	text, err := argString(args, "text")
	if err != nil {
		return err
	}
	source, _ := argString(args, "source")
	key := e.caseKey(caseID)

	e.mu.Lock()
	e.titles[key] = types.Title{Text: text, Source: types.TitleSource(source), UpdatedAt: e.now()}
	e.mu.Unlock()
	e.persistTitles()

	return e.client.UpdateCaseTitle(ctx, key, text)
}

func argString(args map[string]any, key string) (string, error) {
	v, ok := args[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("command argument %q missing or not a string", key)
	}
	return v, nil
}

// argStrings reads a string slice argument. Persisted commands round-trip
// through JSON, so the slice may arrive as []any.
func argStrings(args map[string]any, key string) ([]string, error) {
	switch v := args[key].(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("command argument %q contains a non-string element", key)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("command argument %q missing or not a list", key)
}
