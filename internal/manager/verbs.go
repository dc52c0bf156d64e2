package manager

import (
	"strings"

	"go.uber.org/zap"

	"github.com/ussldb/ussl/internal/document"
	"github.com/ussldb/ussl/internal/hub"
	"github.com/ussldb/ussl/internal/strategy"
	"github.com/ussldb/ussl/internal/value"
)

// handleCreate implements CREATE <id> [STRATEGY s] [TTL ms] (spec §4.5
// creation semantics): fails EXISTS if id exists under a different
// strategy, succeeds idempotently if it matches, defaults to lww.
func (m *Manager) handleCreate(args []string) Result {
	if len(args) < 1 {
		return errResult(ErrBadArg, "CREATE requires an id")
	}
	id := args[0]
	tag := defaultStrategy
	var ttlMS int64

	rest := args[1:]
	for len(rest) > 0 {
		switch strings.ToUpper(rest[0]) {
		case "STRATEGY":
			if len(rest) < 2 {
				return errResult(ErrBadArg, "STRATEGY requires a value")
			}
			parsed, err := parseTag(rest[1])
			if err != nil {
				return fromErr(err)
			}
			tag = parsed
			rest = rest[2:]
		case "TTL":
			if len(rest) < 2 {
				return errResult(ErrBadArg, "TTL requires a value")
			}
			ms, err := parseInt(rest[1])
			if err != nil {
				return fromErr(err)
			}
			ttlMS = ms
			rest = rest[2:]
		default:
			return errResult(ErrBadArg, "unrecognized CREATE option %q", rest[0])
		}
	}

	m.mu.Lock()
	existing, exists := m.docs[id]
	if exists && !existing.IsExpired(m.now()) {
		if existing.Strategy() != tag {
			m.mu.Unlock()
			return errResult(ErrExists, "id %q already exists with strategy %q", id, existing.Strategy())
		}
		m.mu.Unlock()
		return ok()
	}
	doc, err := document.New(id, tag, m.now())
	if err != nil {
		m.mu.Unlock()
		return fromErr(err)
	}
	if ttlMS != 0 {
		doc.SetTTL(ttlMS, m.now())
	}
	if !exists {
		m.order = append(m.order, id)
	}
	m.docs[id] = doc
	m.mu.Unlock()

	m.metrics.DocumentsCreated.Inc()
	m.writeThrough(doc)
	return ok()
}

// handleGet implements GET <id> [PATH <path>].
func (m *Manager) handleGet(args []string) Result {
	if len(args) < 1 {
		return errResult(ErrBadArg, "GET requires an id")
	}
	id := args[0]
	path, err := optionalPathArg(args[1:])
	if err != nil {
		return fromErr(err)
	}

	doc, ok := m.lookup(id)
	if !ok {
		return nullBulk()
	}
	v, found, err := doc.Get(path)
	if err != nil {
		return fromErr(badPathErr(err))
	}
	if !found {
		return nullBulk()
	}
	encoded, err := value.Encode(v)
	if err != nil {
		return errResult(ErrBadArg, "value could not be encoded: %s", err.Error())
	}
	return bulk(encoded)
}

// handleSet implements SET <id> <path> <json-value>, creating id as lww if
// it does not already exist (spec §3 Lifecycle).
func (m *Manager) handleSet(client string, args []string) Result {
	if len(args) < 3 {
		return errResult(ErrBadArg, "SET requires an id, a path, and a value")
	}
	id, path := args[0], args[1]
	raw := strings.Join(args[2:], " ")
	v, err := parseJSONArg(raw)
	if err != nil {
		return fromErr(err)
	}

	doc, err := m.getOrCreate(id, defaultStrategy)
	if err != nil {
		return fromErr(err)
	}
	delta, version, err := doc.SetPath(path, v, client, m.now())
	if err != nil {
		m.metrics.MutationErrors.Inc()
		return fromErr(mismatchErr(err))
	}
	m.afterMutation(doc, id, version, delta)
	return ok()
}

// handleDel implements DEL <id> [PATH <path>]: with no path it destroys
// the whole document; with a path it tombstones just that leaf.
func (m *Manager) handleDel(client string, args []string) Result {
	if len(args) < 1 {
		return errResult(ErrBadArg, "DEL requires an id")
	}
	id := args[0]
	path, err := optionalPathArg(args[1:])
	if err != nil {
		return fromErr(err)
	}

	if path == "" {
		if _, existed := m.lookup(id); !existed {
			return intResult(0)
		}
		m.destroy(id)
		return intResult(1)
	}

	doc, found := m.lookup(id)
	if !found {
		return intResult(0)
	}
	_, existed, err := doc.Get(path)
	if err != nil {
		return fromErr(badPathErr(err))
	}
	delta, version, err := doc.DeletePath(path, client, m.now())
	if err != nil {
		m.metrics.MutationErrors.Inc()
		return fromErr(mismatchErr(err))
	}
	m.afterMutation(doc, id, version, delta)
	if existed {
		return intResult(1)
	}
	return intResult(0)
}

// handlePush implements PUSH <id> <path> <json-value>, creating id as lww
// if absent.
func (m *Manager) handlePush(client string, args []string) Result {
	if len(args) < 3 {
		return errResult(ErrBadArg, "PUSH requires an id, a path, and a value")
	}
	id, path := args[0], args[1]
	raw := strings.Join(args[2:], " ")
	elem, err := parseJSONArg(raw)
	if err != nil {
		return fromErr(err)
	}

	doc, err := m.getOrCreate(id, defaultStrategy)
	if err != nil {
		return fromErr(err)
	}
	length, delta, version, err := doc.PushPath(path, elem, client, m.now())
	if err != nil {
		m.metrics.MutationErrors.Inc()
		return fromErr(mismatchErr(err))
	}
	m.afterMutation(doc, id, version, delta)
	return intResult(int64(length))
}

// handleInc implements INC <id> <path> <delta-int>, creating id as lww if
// absent (it will then immediately reject the op with STRATEGY, matching
// implicit-creation's "lww by default" rule even for a counter-shaped
// verb — a client that wants a counter must CREATE it explicitly).
func (m *Manager) handleInc(client string, args []string) Result {
	if len(args) != 3 {
		return errResult(ErrBadArg, "INC requires an id, a path, and a delta")
	}
	id, path := args[0], args[1]
	delta, err := parseInt(args[2])
	if err != nil {
		return fromErr(err)
	}

	doc, err := m.getOrCreate(id, defaultStrategy)
	if err != nil {
		return fromErr(err)
	}
	deltaBytes, version, err := doc.Apply(strategy.Op{Kind: strategy.OpInc, Path: path, Writer: client, Delta: delta}, m.now())
	if err != nil {
		m.metrics.MutationErrors.Inc()
		return fromErr(mismatchErr(err))
	}
	m.afterMutation(doc, id, version, deltaBytes)

	total, _, err := doc.Get(path)
	if err != nil {
		return fromErr(badPathErr(err))
	}
	n, _ := total.(int64)
	return intResult(n)
}

// handleSub implements SUB <pattern>: subscribes and delivers an initial
// full-state frame for every currently live document the pattern matches
// (spec §5: "subscribe establishes a happens-before edge ... plus an
// initial full-state frame").
func (m *Manager) handleSub(client string, args []string) Result {
	if len(args) != 1 {
		return errResult(ErrBadArg, "SUB requires exactly one pattern")
	}
	pattern := args[0]
	m.hub.Subscribe(client, pattern)

	m.mu.Lock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.Unlock()

	for _, id := range ids {
		if !hub.MatchPattern(pattern, id) {
			continue
		}
		doc, found := m.lookup(id)
		if !found {
			continue
		}
		snap, err := doc.Snapshot()
		if err != nil {
			continue
		}
		m.hub.DeliverSnapshot(client, id, doc.Stats().Version, snap)
	}
	m.metrics.ActiveSubscribers.Set(float64(m.hub.ActiveSubscriberCount()))
	return ok()
}

func (m *Manager) handleUnsub(client string, args []string) Result {
	if len(args) != 1 {
		return errResult(ErrBadArg, "UNSUB requires exactly one pattern")
	}
	m.hub.Unsubscribe(client, args[0])
	m.metrics.ActiveSubscribers.Set(float64(m.hub.ActiveSubscriberCount()))
	return ok()
}

// handlePresence implements PRESENCE <id> [DATA <json>]: with DATA, sets
// this client's presence; without, returns the document's live presence
// list.
func (m *Manager) handlePresence(client string, args []string) Result {
	if len(args) < 1 {
		return errResult(ErrBadArg, "PRESENCE requires an id")
	}
	id := args[0]
	doc, found := m.lookup(id)
	if !found {
		return errResult(ErrNotFound, "no such document %q", id)
	}

	if len(args) == 1 {
		pairs := sortedPresencePairs(doc.Presence(m.now()))
		out := make([]value.Value, 0, len(pairs))
		for _, p := range pairs {
			out = append(out, map[string]value.Value{"client_id": p.ClientID, "data": p.Data})
		}
		encoded, err := value.Encode(out)
		if err != nil {
			return errResult(ErrBadArg, "presence could not be encoded: %s", err.Error())
		}
		return bulk(encoded)
	}

	if strings.ToUpper(args[1]) != "DATA" || len(args) < 3 {
		return errResult(ErrBadArg, "PRESENCE set form requires DATA <json>")
	}
	raw := strings.Join(args[2:], " ")
	data, err := parseJSONArg(raw)
	if err != nil {
		return fromErr(err)
	}
	doc.SetPresence(client, data, m.now())
	return ok()
}

// handleKeys implements KEYS [pattern]: with no pattern it returns every
// live id, otherwise the live ids the pattern matches, in insertion order.
func (m *Manager) handleKeys(args []string) Result {
	pattern := ""
	if len(args) > 0 {
		pattern = args[0]
	}

	m.mu.Lock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.Unlock()

	items := make([]Result, 0, len(ids))
	for _, id := range ids {
		if pattern != "" && !hub.MatchPattern(pattern, id) {
			continue
		}
		if _, found := m.lookup(id); !found {
			continue
		}
		items = append(items, bulk([]byte(id)))
	}
	return array(items)
}

// handleExpire implements EXPIRE <id> <ms|0>.
func (m *Manager) handleExpire(args []string) Result {
	if len(args) != 2 {
		return errResult(ErrBadArg, "EXPIRE requires an id and a millisecond value")
	}
	ms, err := parseInt(args[1])
	if err != nil {
		return fromErr(err)
	}
	doc, found := m.lookup(args[0])
	if !found {
		return errResult(ErrNotFound, "no such document %q", args[0])
	}
	doc.SetTTL(ms, m.now())
	m.writeThrough(doc)
	return ok()
}

// handleTTL implements TTL <id>, returning -2 for absent/expired rather
// than an error (spec §7).
func (m *Manager) handleTTL(args []string) Result {
	if len(args) != 1 {
		return errResult(ErrBadArg, "TTL requires an id")
	}
	doc, found := m.lookup(args[0])
	if !found {
		return intResult(-2)
	}
	return intResult(doc.TTLRemaining(m.now()))
}

// handleCompact implements COMPACT <id>: runs compaction inline rather
// than through the background queue (Document.Compact takes the
// document's own lane) and broadcasts a full-snapshot frame.
func (m *Manager) handleCompact(args []string) Result {
	if len(args) != 1 {
		return errResult(ErrBadArg, "COMPACT requires an id")
	}
	id := args[0]
	doc, found := m.lookup(id)
	if !found {
		return errResult(ErrNotFound, "no such document %q", id)
	}
	m.compactOne(doc)
	return ok()
}

// compactOne runs compaction for doc and broadcasts the resulting
// full-state snapshot to current subscribers, per spec §4.5's compactor
// loop contract (shared by the inline COMPACT verb and the background
// compactor).
func (m *Manager) compactOne(doc *document.Document) {
	doc.Compact()
	m.metrics.CompactionsRun.Inc()
	stats := doc.Stats()
	m.metrics.StateSizeBytes.Set(float64(stats.StateSizeBytes))
	m.writeThrough(doc)
	snap, err := doc.Snapshot()
	if err != nil {
		m.log.Warn("post-compaction snapshot failed", zap.String("id", doc.ID()), zap.Error(err))
		return
	}
	for _, client := range m.hub.MatchingClients(doc.ID()) {
		m.hub.DeliverSnapshot(client, doc.ID(), stats.Version, snap)
	}
}

// afterMutation runs the bookkeeping common to every successful mutating
// verb: metrics, write-through persistence, delta fan-out, and the
// auto-compaction enqueue check.
func (m *Manager) afterMutation(doc *document.Document, id string, version uint64, delta []byte) {
	m.metrics.MutationsApplied.Inc()
	stats := doc.Stats()
	m.metrics.StateSizeBytes.Set(float64(stats.StateSizeBytes))
	m.writeThrough(doc)
	m.hub.Publish(id, version, delta)
	m.maybeEnqueueCompaction(doc)
}

func optionalPathArg(rest []string) (string, error) {
	if len(rest) == 0 {
		return "", nil
	}
	if len(rest) != 2 || strings.ToUpper(rest[0]) != "PATH" {
		return "", errf(ErrBadArg, "expected PATH <path>")
	}
	return rest[1], nil
}

// mismatchErr translates a *strategy.MismatchError into the public
// STRATEGY error code; any other error passes through unchanged.
func mismatchErr(err error) error {
	if _, ok := err.(*strategy.MismatchError); ok {
		return errf(ErrStrategy, "%s", err.Error())
	}
	return err
}

// badPathErr translates a *value.BadPathError into the public BADPATH
// error code; any other error passes through unchanged.
func badPathErr(err error) error {
	if _, ok := err.(*value.BadPathError); ok {
		return errf(ErrBadPath, "%s", err.Error())
	}
	return err
}
