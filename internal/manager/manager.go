// Package manager implements the document registry and command dispatch
// table: the sole entry point for mutations, grounded on
// internal/database.DistributedDatabase's registry pattern in the teacher
// repo (map[string]*coll.DistributedCollection behind a mutex,
// get-or-create Collection, Shutdown) adapted from named collections to
// document ids, plus the TTL sweep and auto-compaction background loops
// spec §4.5 calls for (neither of which the teacher repo has an
// analogue of; they follow the teacher's general preference for a
// goroutine-per-loop over a scheduler library, matching
// internal/network.NetworkManager's accept-loop goroutine style).
package manager

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/ussldb/ussl/internal/auth"
	"github.com/ussldb/ussl/internal/document"
	"github.com/ussldb/ussl/internal/hub"
	"github.com/ussldb/ussl/internal/monitoring"
	"github.com/ussldb/ussl/internal/snapshot"
	"github.com/ussldb/ussl/internal/strategy"
	"github.com/ussldb/ussl/internal/tracing"
	"github.com/ussldb/ussl/internal/value"
)

const (
	ttlSweepInterval = 60 * time.Second
	defaultStrategy  = strategy.LWW
)

// Config bundles the collaborators a Manager needs; every field is
// optional, and New fills in defaults for Metrics, Logger and Clock.
type Config struct {
	Store        snapshot.Store  // nil disables persistence
	PasswordGate *auth.PasswordGate // nil disables the NOAUTH gate
	Metrics      *monitoring.Metrics
	Logger       *zap.Logger
	Clock        func() time.Time // nil uses time.Now
	QueueCap     int              // hub outbound queue capacity, 0 uses the spec default
}

// Manager owns the id->document registry, the subscription hub, and the
// background TTL/compaction loops. It is the sole path through which
// documents are created, mutated, or destroyed.
type Manager struct {
	mu    sync.Mutex
	docs  map[string]*document.Document
	order []string // insertion order of currently-registered ids, for KEYS

	hub     *hub.Hub
	store   snapshot.Store
	gate    *auth.PasswordGate
	metrics *monitoring.Metrics
	log     *zap.Logger
	now     func() time.Time

	authedMu sync.Mutex
	authed   map[string]bool

	compactCh chan string
	stopCh    chan struct{}
	wg        sync.WaitGroup

	startedAt time.Time
}

// New builds a Manager. If cfg.Store is non-nil its contents are loaded
// and rehydrated into the registry before New returns.
func New(cfg Config) (*Manager, error) {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = monitoring.NewMetrics()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	m := &Manager{
		docs:      make(map[string]*document.Document),
		store:     cfg.Store,
		gate:      cfg.PasswordGate,
		metrics:   cfg.Metrics,
		log:       cfg.Logger,
		now:       cfg.Clock,
		authed:    make(map[string]bool),
		compactCh: make(chan string, 256),
		stopCh:    make(chan struct{}),
		startedAt: cfg.Clock(),
	}
	m.hub = hub.New(cfg.QueueCap, m.resolveSnapshot, m.onQueueDrop)

	if cfg.Store != nil {
		if err := m.rehydrate(); err != nil {
			return nil, fmt.Errorf("manager: rehydrate from store: %w", err)
		}
	}

	m.wg.Add(2)
	go m.ttlSweepLoop()
	go m.compactorLoop()

	return m, nil
}

func (m *Manager) rehydrate() error {
	recs, err := m.store.LoadAll()
	if err != nil {
		return err
	}
	now := m.now()
	for _, rec := range recs {
		doc, err := document.New(rec.ID, rec.Strategy, rec.CreatedAt)
		if err != nil {
			m.log.Warn("rehydrate: skip record with unknown strategy", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		if err := doc.Restore(rec.StateBytes); err != nil {
			m.log.Warn("rehydrate: skip record that failed to restore", zap.String("id", rec.ID), zap.Error(err))
			continue
		}
		doc.SetExpiresAt(rec.ExpiresAt)
		if doc.IsExpired(now) {
			continue
		}
		m.docs[rec.ID] = doc
		m.order = append(m.order, rec.ID)
	}
	return nil
}

// Close stops the background loops and waits for them to exit. It does
// not close the configured Store.
func (m *Manager) Close() {
	close(m.stopCh)
	m.wg.Wait()
}

// Hub exposes the subscription hub so the transport layer can pull
// pushed frames for a connection.
func (m *Manager) Hub() *hub.Hub { return m.hub }

func (m *Manager) onQueueDrop(client, docID string) {
	m.metrics.SubscriberQueueDrops.Inc()
	m.log.Debug("subscriber queue overflow, dropping delta", zap.String("client", client), zap.String("doc", docID))
}

func (m *Manager) resolveSnapshot(docID string) (uint64, []byte, bool) {
	m.mu.Lock()
	doc, ok := m.docs[docID]
	m.mu.Unlock()
	if !ok {
		return 0, nil, false
	}
	snap, err := doc.Snapshot()
	if err != nil {
		return 0, nil, false
	}
	return doc.Stats().Version, snap, true
}

// lookup returns the live document for id, or ok=false if it is absent or
// expired (expiry is checked but the document is not destroyed here; that
// is the TTL sweep's job, to keep lookups lock-cheap).
func (m *Manager) lookup(id string) (*document.Document, bool) {
	m.mu.Lock()
	doc, ok := m.docs[id]
	m.mu.Unlock()
	if !ok {
		return nil, false
	}
	if doc.IsExpired(m.now()) {
		return nil, false
	}
	return doc, true
}

// getOrCreate returns the document for id, creating it with tag (typically
// defaultStrategy) if absent. Used by SET/PUSH/INC's implicit-creation
// rule (spec §3 Lifecycle).
func (m *Manager) getOrCreate(id string, tag strategy.Tag) (*document.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if doc, ok := m.docs[id]; ok && !doc.IsExpired(m.now()) {
		return doc, nil
	}
	doc, err := document.New(id, tag, m.now())
	if err != nil {
		return nil, err
	}
	if _, existed := m.docs[id]; !existed {
		m.order = append(m.order, id)
	}
	m.docs[id] = doc
	m.metrics.DocumentsCreated.Inc()
	return doc, nil
}

func (m *Manager) removeFromOrderLocked(id string) {
	for i, existing := range m.order {
		if existing == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}

// destroy removes id from the registry, clears its presence, tombstones
// its subscribers, and best-effort removes it from the store. Callers
// must not hold m.mu.
func (m *Manager) destroy(id string) {
	m.mu.Lock()
	doc, ok := m.docs[id]
	if ok {
		delete(m.docs, id)
		m.removeFromOrderLocked(id)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	stats := doc.Stats()
	doc.ClearPresence()
	m.hub.Tombstone(id, stats.Version)
	m.metrics.DocumentsDestroyed.Inc()
	if m.store != nil {
		if err := m.store.Remove(id); err != nil {
			m.metrics.StoreFailures.Inc()
			m.log.Warn("store remove failed", zap.String("id", id), zap.Error(err))
		}
	}
}

// writeThrough persists doc's current state, logging (not surfacing)
// failures, per spec §4.6.
func (m *Manager) writeThrough(doc *document.Document) {
	if m.store == nil {
		return
	}
	snap, err := doc.Snapshot()
	if err != nil {
		m.metrics.StoreFailures.Inc()
		m.log.Warn("snapshot for store failed", zap.String("id", doc.ID()), zap.Error(err))
		return
	}
	stats := doc.Stats()
	rec := snapshot.Record{
		ID:         doc.ID(),
		Strategy:   stats.Strategy,
		CreatedAt:  stats.CreatedAt,
		ExpiresAt:  stats.ExpiresAt,
		StateBytes: snap,
	}
	if err := m.store.Put(rec); err != nil {
		m.metrics.StoreFailures.Inc()
		m.log.Warn("store put failed", zap.String("id", doc.ID()), zap.Error(err))
	}
}

// maybeEnqueueCompaction enqueues id for background compaction if the
// document has flagged itself (spec §4.3); non-blocking, best-effort.
func (m *Manager) maybeEnqueueCompaction(doc *document.Document) {
	if !doc.PeekCompactionFlag() {
		return
	}
	select {
	case m.compactCh <- doc.ID():
	default:
		m.log.Debug("compaction queue full, will retry next auto-compaction trigger", zap.String("id", doc.ID()))
	}
}

// isAuthenticated reports whether client has passed the password gate (or
// whether no gate is configured at all).
func (m *Manager) isAuthenticated(client string) bool {
	if !m.gate.Enabled() {
		return true
	}
	m.authedMu.Lock()
	defer m.authedMu.Unlock()
	return m.authed[client]
}

func (m *Manager) setAuthenticated(client string) {
	m.authedMu.Lock()
	defer m.authedMu.Unlock()
	m.authed[client] = true
}

// Disconnect purges client's authentication state and hub subscriptions,
// per spec §5 cancellation handling.
func (m *Manager) Disconnect(client string) {
	m.authedMu.Lock()
	delete(m.authed, client)
	m.authedMu.Unlock()
	m.hub.Disconnect(client)
}

var bypassAuthVerbs = map[string]bool{
	"PING": true,
	"AUTH": true,
	"QUIT": true,
}

// Dispatch routes one parsed command for client through to the
// appropriate verb handler, enforcing the NOAUTH gate first.
func (m *Manager) Dispatch(ctx context.Context, client, verb string, args []string) Result {
	verb = strings.ToUpper(verb)

	ctx, span := tracing.StartSpan(ctx, "dispatch",
		attribute.String("verb", verb),
		attribute.String("client", client),
	)
	defer span.End()

	start := m.now()
	defer func() {
		m.metrics.DispatchLatency.Observe(m.now().Sub(start).Seconds())
	}()

	if !bypassAuthVerbs[verb] && !m.isAuthenticated(client) {
		return errResult(ErrNoAuth, "authentication required")
	}

	switch verb {
	case "PING":
		return simple("PONG")
	case "QUIT":
		return ok()
	case "AUTH":
		return m.handleAuth(client, args)
	case "CREATE":
		return m.handleCreate(args)
	case "GET":
		return m.handleGet(args)
	case "SET":
		return m.handleSet(client, args)
	case "DEL":
		return m.handleDel(client, args)
	case "PUSH":
		return m.handlePush(client, args)
	case "INC":
		return m.handleInc(client, args)
	case "SUB":
		return m.handleSub(client, args)
	case "UNSUB":
		return m.handleUnsub(client, args)
	case "PRESENCE":
		return m.handlePresence(client, args)
	case "KEYS":
		return m.handleKeys(args)
	case "EXPIRE":
		return m.handleExpire(args)
	case "TTL":
		return m.handleTTL(args)
	case "COMPACT":
		return m.handleCompact(args)
	case "BACKUP":
		return m.handleBackup()
	case "RESTORE":
		return m.handleRestore(args)
	case "INFO":
		return m.handleInfo()
	default:
		return errResult(ErrBadCmd, "unknown verb %q", verb)
	}
}

func (m *Manager) handleAuth(client string, args []string) Result {
	if len(args) != 1 {
		return errResult(ErrBadArg, "AUTH requires exactly one argument")
	}
	if !m.gate.Check(args[0]) {
		return errResult(ErrNoAuth, "authentication failed")
	}
	m.setAuthenticated(client)
	return ok()
}

// parseTag validates and normalizes a strategy token from the wire (the
// verb table is case-insensitive, but the tag itself is matched exactly
// against the five known lower-case tags).
func parseTag(raw string) (strategy.Tag, error) {
	tag := strategy.Tag(strings.ToLower(raw))
	if !tag.Valid() {
		return "", errf(ErrBadArg, "unknown strategy %q", raw)
	}
	return tag, nil
}

func parseJSONArg(raw string) (value.Value, error) {
	v, err := value.Decode([]byte(raw))
	if err != nil {
		return nil, errf(ErrBadArg, "invalid JSON value: %s", err.Error())
	}
	return v, nil
}

func parseInt(raw string) (int64, error) {
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, errf(ErrBadArg, "expected an integer, got %q", raw)
	}
	return n, nil
}

// sortedPresencePairs canonicalizes document.Document.Presence's map iteration
// order so the wire encoding (and tests) are deterministic.
func sortedPresencePairs(pairs []document.PresencePair) []document.PresencePair {
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].ClientID < pairs[j].ClientID })
	return pairs
}
