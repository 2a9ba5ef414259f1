// Package recovery detects that the durable local cache is stale or missing
// and rebuilds conversation state from backend ground truth.
package recovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/backend"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/logging"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/monitoring"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/persist"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/types"
)

// Backend is the slice of the backend client recovery needs.
type Backend interface {
	ListCases(ctx context.Context) ([]types.CaseSummary, error)
	CaseMessages(ctx context.Context, caseID string) (types.CaseMessages, error)
}

// DefaultConcurrency bounds parallel per-case fetches so a recovery pass
// cannot stampede the backend.
const DefaultConcurrency = 5

// Coordinator decides whether the local cache is trustworthy and, when it
// is not, rebuilds titles, provenance and conversations from the backend.
type Coordinator struct {
	backend     Backend
	store       persist.Store
	log         *logging.Logger
	metrics     *monitoring.Metrics
	version     string
	sessionID   string
	concurrency int
	backoff     backend.Backoff
	now         func() time.Time

	mu         sync.Mutex
	inProgress bool
}

type Options struct {
	// Version is the running client version; a stored mismatch forces
	// recovery.
	Version string
	// SessionID identifies the running context; a stored mismatch forces
	// recovery.
	SessionID   string
	Concurrency int
	Backoff     backend.Backoff
}

func NewCoordinator(b Backend, store persist.Store, opts Options, log *logging.Logger, metrics *monitoring.Metrics) *Coordinator {
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	bo := opts.Backoff
	if bo.Initial == 0 {
		bo = backend.DefaultBackoff()
	}
	return &Coordinator{
		backend:     b,
		store:       store,
		log:         log,
		metrics:     metrics,
		version:     opts.Version,
		sessionID:   opts.SessionID,
		concurrency: concurrency,
		backoff:     bo,
		now:         time.Now,
	}
}

// SetReloadMarker flags the durable store so the next lifecycle start runs
// recovery. Called during client lifecycle transitions.
func (c *Coordinator) SetReloadMarker(ctx context.Context) error {
	return c.store.Set(ctx, map[string][]byte{
		persist.KeyReloadMarker: []byte(c.now().UTC().Format(time.RFC3339)),
	})
}

// WriteIdentity records the running client version and session id, so later
// starts can detect a version upgrade or session change.
func (c *Coordinator) WriteIdentity(ctx context.Context) error {
	return c.store.Set(ctx, map[string][]byte{
		persist.KeyClientVersion: []byte(c.version),
		persist.KeySessionID:     []byte(c.sessionID),
	})
}

// NeedsRecovery combines, by logical OR: the explicit reload marker, a
// client-version mismatch, a session-identity mismatch, and a structural
// inconsistency (stored titles for cases with no stored conversation).
func (c *Coordinator) NeedsRecovery(ctx context.Context) (bool, []string, error) {
	stored, err := c.store.Get(ctx, []string{
		persist.KeyReloadMarker,
		persist.KeyClientVersion,
		persist.KeySessionID,
		persist.KeyTitles,
		persist.KeyConversations,
	})
	if err != nil {
		return false, nil, fmt.Errorf("read durable store: %w", err)
	}

	var reasons []string
	if _, ok := stored[persist.KeyReloadMarker]; ok {
		reasons = append(reasons, "reload marker set")
	}
	if v, ok := stored[persist.KeyClientVersion]; ok && string(v) != c.version {
		reasons = append(reasons, fmt.Sprintf("client version changed (%s -> %s)", v, c.version))
	}
	if s, ok := stored[persist.KeySessionID]; ok && string(s) != c.sessionID {
		reasons = append(reasons, "session identity changed")
	}
	if orphans := orphanedTitles(stored[persist.KeyTitles], stored[persist.KeyConversations]); len(orphans) > 0 {
		reasons = append(reasons, fmt.Sprintf("titles without conversations: %d", len(orphans)))
	}
	return len(reasons) > 0, reasons, nil
}

// orphanedTitles returns case ids that have a stored title but no stored
// conversation content.
func orphanedTitles(titlesRaw, conversationsRaw []byte) []string {
	if len(titlesRaw) == 0 {
		return nil
	}
	var titles map[string]types.Title
	if err := json.Unmarshal(titlesRaw, &titles); err != nil {
		return nil
	}
	conversations := map[string][]types.ConversationItem{}
	if len(conversationsRaw) > 0 {
		// A corrupt conversation blob means every title is orphaned.
		_ = json.Unmarshal(conversationsRaw, &conversations)
	}
	var orphans []string
	for caseID := range titles {
		if len(conversations[caseID]) == 0 {
			orphans = append(orphans, caseID)
		}
	}
	sort.Strings(orphans)
	return orphans
}

type caseOutcome struct {
	summary types.CaseSummary
	items   []types.ConversationItem
	err     error
}

// Run rebuilds local state from the backend. Per-case failures are isolated:
// the successful subset is committed and reported as a partial recovery
// rather than discarded.
func (c *Coordinator) Run(ctx context.Context) (types.RecoveryResult, error) {
	c.mu.Lock()
	if c.inProgress {
		c.mu.Unlock()
		return types.RecoveryResult{}, fmt.Errorf("recovery already in progress")
	}
	c.inProgress = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.inProgress = false
		c.mu.Unlock()
	}()

	started := c.now()
	if c.metrics != nil {
		c.metrics.RecoveryRuns.Inc()
		defer func() {
			c.metrics.RecoveryDuration.Observe(c.now().Sub(started).Seconds())
		}()
	}

	var cases []types.CaseSummary
	err := c.backoff.Retry(ctx, func() error {
		var lerr error
		cases, lerr = c.backend.ListCases(ctx)
		return lerr
	})
	if err != nil {
		return types.RecoveryResult{}, fmt.Errorf("list cases: %w", err)
	}

	outcomes := make([]caseOutcome, len(cases))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.concurrency)
	for i, summary := range cases {
		g.Go(func() error {
			outcomes[i] = c.recoverCase(gctx, summary)
			// Per-case errors are carried in the outcome, never returned:
			// one bad case must not cancel the rest.
			return nil
		})
	}
	_ = g.Wait()

	result := types.RecoveryResult{RecoveredCases: len(cases)}
	titles := make(map[string]types.Title, len(cases))
	conversations := make(map[string][]types.ConversationItem)
	for _, outcome := range outcomes {
		// The listing gave us the title even when the history fetch failed.
		titles[outcome.summary.ID] = types.Title{
			Text:      outcome.summary.Title,
			Source:    types.TitleSourceBackend,
			UpdatedAt: outcome.summary.UpdatedAt,
		}
		if outcome.err != nil {
			result.Errors = append(result.Errors,
				fmt.Sprintf("case %s: %v", outcome.summary.ID, outcome.err))
			continue
		}
		conversations[outcome.summary.ID] = outcome.items
		result.RecoveredConversations++
	}
	result.Partial = len(result.Errors) > 0

	if err := c.commit(ctx, titles, conversations); err != nil {
		return result, fmt.Errorf("commit recovered state: %w", err)
	}

	// The marker only clears once the rebuilt state is durable.
	if err := c.store.Remove(ctx, []string{persist.KeyReloadMarker}); err != nil {
		return result, fmt.Errorf("clear reload marker: %w", err)
	}
	if c.log != nil {
		c.log.Info("recovery pass finished",
			zap.Int("cases", result.RecoveredCases),
			zap.Int("conversations", result.RecoveredConversations),
			zap.Int("errors", len(result.Errors)))
	}
	return result, nil
}

func (c *Coordinator) recoverCase(ctx context.Context, summary types.CaseSummary) caseOutcome {
	outcome := caseOutcome{summary: summary}
	var history types.CaseMessages
	err := c.backoff.Retry(ctx, func() error {
		var ferr error
		history, ferr = c.backend.CaseMessages(ctx, summary.ID)
		return ferr
	})
	if err != nil {
		outcome.err = err
		return outcome
	}
	if history.Total > len(history.Messages) {
		// Truncated history is an explicit error, not an empty case.
		outcome.err = fmt.Errorf("history truncated: backend holds %d messages, retrieved %d",
			history.Total, len(history.Messages))
		return outcome
	}
	outcome.items = PairMessages(summary.ID, history.Messages)
	return outcome
}

// PairMessages folds a flat role/content/timestamp history into conversation
// items: each user turn opens an item, the following assistant turn closes
// it. An assistant turn with no paired question becomes an answer-only item.
func PairMessages(caseID string, messages []types.Message) []types.ConversationItem {
	var items []types.ConversationItem
	var open *types.ConversationItem
	flush := func() {
		if open != nil {
			items = append(items, *open)
			open = nil
		}
	}
	for _, msg := range messages {
		switch msg.Role {
		case "user":
			flush()
			open = &types.ConversationItem{
				ID:        fmt.Sprintf("%s-turn-%d", caseID, len(items)+1),
				UserText:  msg.Content,
				Timestamp: msg.Timestamp,
			}
		case "assistant":
			if open != nil {
				open.ResponseText = msg.Content
				flush()
				continue
			}
			items = append(items, types.ConversationItem{
				ID:           fmt.Sprintf("%s-turn-%d", caseID, len(items)+1),
				ResponseText: msg.Content,
				Timestamp:    msg.Timestamp,
			})
		}
	}
	flush()
	return items
}

// commit writes the rebuilt state back in one batch.
func (c *Coordinator) commit(ctx context.Context, titles map[string]types.Title, conversations map[string][]types.ConversationItem) error {
	titlesData, err := json.Marshal(titles)
	if err != nil {
		return err
	}
	provenance := make(map[string]types.TitleSource, len(titles))
	for caseID, title := range titles {
		provenance[caseID] = title.Source
	}
	provenanceData, err := json.Marshal(provenance)
	if err != nil {
		return err
	}
	conversationsData, err := json.Marshal(conversations)
	if err != nil {
		return err
	}
	return c.store.Set(ctx, map[string][]byte{
		persist.KeyTitles:        titlesData,
		persist.KeyProvenance:    provenanceData,
		persist.KeyConversations: conversationsData,
	})
}
