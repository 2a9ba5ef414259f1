// Package engine is the composition root for the optimistic update and
// reconciliation engine: it wires the identifier generator, operation
// ledger, reconciliation map, conflict detector, merge algorithms, recovery
// coordinator and batched persistence behind one facade for UI callers.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/backend"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/conflict"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/ident"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/identmap"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/ledger"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/logging"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/monitoring"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/persist"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/recovery"
	"github.com/FaultMaven/faultmaven-dashboard-sub001/internal/types"
)

// BackendClient is the slice of the backend collaborator the engine uses.
// *backend.Client satisfies it; tests inject stubs.
type BackendClient interface {
	CreateCase(ctx context.Context, title string) (types.CaseSummary, error)
	SubmitQuery(ctx context.Context, caseID, text string) (backend.Answer, error)
	UpdateCaseTitle(ctx context.Context, caseID, title string) error
	ListCases(ctx context.Context) ([]types.CaseSummary, error)
	CaseMessages(ctx context.Context, caseID string) (types.CaseMessages, error)
}

// Choice is the user's answer to a conflict prompt.
type Choice string

const (
	ChoiceKeepLocal  Choice = "keep_local"
	ChoiceKeepRemote Choice = "keep_remote"
	ChoiceMerged     Choice = "merged"
)

// ConflictInfo is what the UI needs to render a conflict prompt: the
// detector's verdict, the chosen strategy, both competing values and the id
// of the pre-resolution backup.
type ConflictInfo struct {
	Result   types.ConflictResult
	Strategy types.ResolutionStrategy
	BackupID string
	EntityID string
	Local    []types.ConversationItem
	Remote   []types.ConversationItem
}

// ConflictPrompt asks the user to resolve a conflict. A nil prompt applies
// the merge result.
type ConflictPrompt func(ctx context.Context, info ConflictInfo) Choice

// Options configures an Engine. Store and Client are required; everything
// else has working defaults.
type Options struct {
	Store  persist.Store
	Client BackendClient

	Version   string
	SessionID string

	ConflictParams conflict.Params
	Debounce       time.Duration
	Retention      time.Duration
	AbandonedGrace time.Duration
	Backoff        backend.Backoff
	Concurrency    int

	Prompt ConflictPrompt

	Logger *logging.Logger
	// Registerer receives the engine metrics; nil uses the default
	// prometheus registry.
	Registerer prometheus.Registerer
}

// Engine owns all engine components and the in-memory conversation/title
// state they act on. Engine logic is serialized behind one mutex; the only
// suspension points are backend calls and the persistence debounce.
type Engine struct {
	log     *logging.Logger
	metrics *monitoring.Metrics

	gen      *ident.Generator
	registry *ledger.Registry
	ledger   *ledger.Ledger
	ids      *identmap.Map
	detector *conflict.Detector
	backups  *conflict.Backups
	writer   *persist.BatchWriter
	store    persist.Store
	client   BackendClient
	recovery *recovery.Coordinator
	prompt   ConflictPrompt

	retention      time.Duration
	abandonedGrace time.Duration
	now            func() time.Time

	mu            sync.Mutex
	conversations map[string][]types.ConversationItem
	titles        map[string]types.Title
}

// New constructs an Engine and hydrates it from the durable store. It does
// not run recovery; call RecoverIfNeeded once per client lifecycle start.
func New(ctx context.Context, opts Options) (*Engine, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if opts.Client == nil {
		return nil, fmt.Errorf("backend client cannot be nil")
	}
	log := opts.Logger
	if log == nil {
		var err error
		log, err = logging.NewLogger("info", "json")
		if err != nil {
			return nil, err
		}
	}
	metrics := monitoring.NewMetrics(opts.Registerer)
	if opts.Retention <= 0 {
		opts.Retention = time.Hour
	}
	if opts.AbandonedGrace <= 0 {
		opts.AbandonedGrace = 5 * time.Minute
	}

	registry := ledger.NewRegistry()
	e := &Engine{
		log:            log,
		metrics:        metrics,
		gen:            ident.NewGenerator(),
		registry:       registry,
		ledger:         ledger.New(registry, log, metrics),
		ids:            identmap.New(),
		detector:       conflict.NewDetector(opts.ConflictParams, log, metrics),
		backups:        conflict.NewBackups(metrics),
		writer:         persist.NewBatchWriter(opts.Store, opts.Debounce, log, metrics),
		store:          opts.Store,
		client:         opts.Client,
		prompt:         opts.Prompt,
		retention:      opts.Retention,
		abandonedGrace: opts.AbandonedGrace,
		now:            time.Now,
		conversations:  make(map[string][]types.ConversationItem),
		titles:         make(map[string]types.Title),
	}
	e.recovery = recovery.NewCoordinator(opts.Client, opts.Store, recovery.Options{
		Version:     opts.Version,
		SessionID:   opts.SessionID,
		Concurrency: opts.Concurrency,
		Backoff:     opts.Backoff,
	}, log, metrics)

	e.registerCommands()
	if err := e.hydrate(ctx); err != nil {
		return nil, err
	}
	return e, nil
}

// hydrate loads persisted engine state. Operations that were pending when
// the previous context died are restored as failed so their retry commands
// remain usable.
func (e *Engine) hydrate(ctx context.Context) error {
	stored, err := e.store.Get(ctx, []string{
		persist.KeyTitles,
		persist.KeyConversations,
		persist.KeyIDMappings,
		persist.KeyPendingOps,
	})
	if err != nil {
		return fmt.Errorf("hydrate from durable store: %w", err)
	}

	e.mu.Lock()
	if raw, ok := stored[persist.KeyTitles]; ok {
		if err := json.Unmarshal(raw, &e.titles); err != nil {
			e.log.Warn("discarding corrupt stored titles", zap.Error(err))
			e.titles = make(map[string]types.Title)
		}
	}
	if raw, ok := stored[persist.KeyConversations]; ok {
		if err := json.Unmarshal(raw, &e.conversations); err != nil {
			e.log.Warn("discarding corrupt stored conversations", zap.Error(err))
			e.conversations = make(map[string][]types.ConversationItem)
		}
	}
	e.mu.Unlock()

	if raw, ok := stored[persist.KeyIDMappings]; ok {
		var mappings []types.IdentifierMapping
		if err := json.Unmarshal(raw, &mappings); err == nil {
			e.ids.SetState(mappings)
		} else {
			e.log.Warn("discarding corrupt stored mappings", zap.Error(err))
		}
	}
	if raw, ok := stored[persist.KeyPendingOps]; ok {
		var ops []types.Operation
		if err := json.Unmarshal(raw, &ops); err == nil {
			for _, op := range ops {
				interrupted := op.Status == types.StatusPending
				if err := e.ledger.Add(op); err != nil {
					e.log.WithOperationID(op.ID).Warn("could not restore operation", zap.Error(err))
					continue
				}
				if interrupted {
					// The previous context died mid-flight. Failing through
					// the ledger runs the rollback, so restored optimistic
					// state is undone before a retry can recreate it.
					if err := e.ledger.Fail(ctx, op.ID, "interrupted by client reload", true); err != nil {
						e.log.WithOperationID(op.ID).Warn("could not fail interrupted operation", zap.Error(err))
					}
				}
			}
		} else {
			e.log.Warn("discarding corrupt stored operations", zap.Error(err))
		}
	}
	return nil
}

// ResolveID maps a provisional id to its authoritative form when known.
func (e *Engine) ResolveID(id string) string {
	return e.ids.Resolve(id)
}

// Conversation returns a copy of the conversation for a case, addressable
// by either id form.
func (e *Engine) Conversation(caseID string) []types.ConversationItem {
	key := e.caseKey(caseID)
	e.mu.Lock()
	defer e.mu.Unlock()
	items := e.conversations[key]
	out := make([]types.ConversationItem, len(items))
	copy(out, items)
	return out
}

// Title returns the current title for a case.
func (e *Engine) Title(caseID string) (types.Title, bool) {
	key := e.caseKey(caseID)
	e.mu.Lock()
	defer e.mu.Unlock()
	title, ok := e.titles[key]
	return title, ok
}

// PendingOperations returns the operations the UI should render as
// in-flight.
func (e *Engine) PendingOperations() []types.Operation {
	return e.ledger.ByStatus(types.StatusPending)
}

// FailedOperations returns the operations the UI should render with a
// retry/dismiss affordance.
func (e *Engine) FailedOperations() []types.Operation {
	return e.ledger.ByStatus(types.StatusFailed)
}

// Operations returns the full ledger snapshot.
func (e *Engine) Operations() []types.Operation {
	return e.ledger.Snapshot()
}

// Stats returns ledger counters.
func (e *Engine) Stats() ledger.Stats {
	return e.ledger.Stats()
}

// Backups lists retained pre-resolution backups.
func (e *Engine) Backups() []types.Backup {
	return e.backups.List()
}

// Cleanup evicts terminal operations past the retention window, abandoned
// speculative cases past the grace window, and aged identifier mappings.
func (e *Engine) Cleanup() {
	e.ledger.Cleanup(e.retention)
	e.ledger.CleanupAbandoned(e.abandonedGrace, func(entityID string) bool {
		return len(e.Conversation(entityID)) > 0
	})
	e.ids.Cleanup(24 * time.Hour)
	e.persistOperations()
	e.persistMappings()
}

// RecoverIfNeeded runs one recovery pass when the durable cache is missing
// or stale, then reloads the rebuilt state. Returns whether a pass ran.
func (e *Engine) RecoverIfNeeded(ctx context.Context) (types.RecoveryResult, bool, error) {
	need, reasons, err := e.recovery.NeedsRecovery(ctx)
	if err != nil {
		return types.RecoveryResult{}, false, err
	}
	if !need {
		// Seed the stored identity on a healthy start, otherwise a later
		// version upgrade or session change has nothing to compare against.
		if err := e.recovery.WriteIdentity(ctx); err != nil {
			return types.RecoveryResult{}, false, err
		}
		return types.RecoveryResult{}, false, nil
	}
	e.log.Info("local cache untrusted, recovering from backend", zap.Strings("reasons", reasons))

	// Drain queued writes first so a stale debounced flush cannot land on
	// top of the recovered state.
	if err := e.writer.Flush(ctx); err != nil {
		return types.RecoveryResult{}, false, err
	}
	result, err := e.recovery.Run(ctx)
	if err != nil {
		return result, true, err
	}
	if err := e.reloadState(ctx); err != nil {
		return result, true, err
	}
	if err := e.recovery.WriteIdentity(ctx); err != nil {
		return result, true, err
	}
	return result, true, nil
}

// MarkReload flags the store so the next lifecycle start distrusts the
// cache. Called from the host's unload/update hooks.
func (e *Engine) MarkReload(ctx context.Context) error {
	return e.recovery.SetReloadMarker(ctx)
}

func (e *Engine) reloadState(ctx context.Context) error {
	stored, err := e.store.Get(ctx, []string{persist.KeyTitles, persist.KeyConversations})
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.titles = make(map[string]types.Title)
	e.conversations = make(map[string][]types.ConversationItem)
	if raw, ok := stored[persist.KeyTitles]; ok {
		json.Unmarshal(raw, &e.titles)
	}
	if raw, ok := stored[persist.KeyConversations]; ok {
		json.Unmarshal(raw, &e.conversations)
	}
	return nil
}

// Flush forces any debounced state to durable storage now.
func (e *Engine) Flush(ctx context.Context) error {
	return e.writer.Flush(ctx)
}

// Close flushes pending writes and releases the engine.
func (e *Engine) Close() error {
	return e.writer.Close()
}

// caseKey returns the canonical map key for a case id: the authoritative
// form once a mapping exists, otherwise the id as given.
func (e *Engine) caseKey(caseID string) string {
	return e.ids.Resolve(caseID)
}

// persistTitles queues the title and provenance maps for durable write.
// Caller must not hold e.mu.
func (e *Engine) persistTitles() {
	e.mu.Lock()
	titles := e.titles
	provenance := make(map[string]types.TitleSource, len(titles))
	for caseID, title := range titles {
		provenance[caseID] = title.Source
	}
	titlesData, _ := json.Marshal(titles)
	provenanceData, _ := json.Marshal(provenance)
	empty := len(titles) == 0
	e.mu.Unlock()

	if empty {
		e.writer.QueueRemove(persist.KeyTitles)
		e.writer.QueueRemove(persist.KeyProvenance)
		return
	}
	e.writer.Queue(persist.KeyTitles, titlesData)
	e.writer.Queue(persist.KeyProvenance, provenanceData)
}

func (e *Engine) persistConversations() {
	e.mu.Lock()
	data, _ := json.Marshal(e.conversations)
	empty := len(e.conversations) == 0
	e.mu.Unlock()
	if empty {
		e.writer.QueueRemove(persist.KeyConversations)
		return
	}
	e.writer.Queue(persist.KeyConversations, data)
}

func (e *Engine) persistOperations() {
	ops := e.ledger.Snapshot()
	if len(ops) == 0 {
		e.writer.QueueRemove(persist.KeyPendingOps)
		return
	}
	data, _ := json.Marshal(ops)
	e.writer.Queue(persist.KeyPendingOps, data)
}

func (e *Engine) persistMappings() {
	mappings := e.ids.State()
	if len(mappings) == 0 {
		e.writer.QueueRemove(persist.KeyIDMappings)
		return
	}
	data, _ := json.Marshal(mappings)
	e.writer.Queue(persist.KeyIDMappings, data)
}
