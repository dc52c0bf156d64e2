package manager

import (
	"encoding/base64"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/ussldb/ussl/internal/document"
	"github.com/ussldb/ussl/internal/strategy"
)

// backupEntry is one document's representation in the BACKUP/RESTORE
// JSON array (spec §4.5).
type backupEntry struct {
	ID             string       `json:"id"`
	Strategy       strategy.Tag `json:"strategy"`
	SnapshotB64    string       `json:"snapshot_b64"`
	TTLRemainingMS *int64       `json:"ttl_remaining_ms,omitempty"`
}

// handleBackup implements BACKUP: a JSON array of every live document in
// id-insertion order.
func (m *Manager) handleBackup() Result {
	m.mu.Lock()
	ids := make([]string, len(m.order))
	copy(ids, m.order)
	m.mu.Unlock()

	now := m.now()
	entries := make([]backupEntry, 0, len(ids))
	for _, id := range ids {
		doc, found := m.lookup(id)
		if !found {
			continue
		}
		snap, err := doc.Snapshot()
		if err != nil {
			m.log.Warn("backup: snapshot failed", zap.String("id", id), zap.Error(err))
			continue
		}
		entry := backupEntry{
			ID:          id,
			Strategy:    doc.Strategy(),
			SnapshotB64: base64.StdEncoding.EncodeToString(snap),
		}
		if remaining := doc.TTLRemaining(now); remaining >= 0 {
			entry.TTLRemainingMS = &remaining
		}
		entries = append(entries, entry)
	}

	data, err := json.Marshal(entries)
	if err != nil {
		return errResult(ErrBadArg, "backup encoding failed: %s", err.Error())
	}
	return bulk(data)
}

// handleRestore implements RESTORE <json>: builds the replacement
// registry off to the side, then swaps it in atomically. Every id in the
// old registry is tombstoned; ids in the new registry that remain
// subscribed (under any pattern) get a fresh full-snapshot frame, per the
// restore open question's resolution (spec §9).
func (m *Manager) handleRestore(args []string) Result {
	if len(args) < 1 {
		return errResult(ErrBadArg, "RESTORE requires a JSON payload")
	}
	raw := args[0]
	if len(args) > 1 {
		raw = joinArgs(args)
	}

	var entries []backupEntry
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return errResult(ErrBadArg, "invalid RESTORE payload: %s", err.Error())
	}

	now := m.now()
	newDocs := make(map[string]*document.Document, len(entries))
	newOrder := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.Strategy.Valid() {
			return errResult(ErrBadArg, "unknown strategy %q for id %q", entry.Strategy, entry.ID)
		}
		stateBytes, err := base64.StdEncoding.DecodeString(entry.SnapshotB64)
		if err != nil {
			return errResult(ErrBadArg, "invalid snapshot_b64 for id %q: %s", entry.ID, err.Error())
		}
		doc, err := document.New(entry.ID, entry.Strategy, now)
		if err != nil {
			return errResult(ErrBadArg, "%s", err.Error())
		}
		if err := doc.Restore(stateBytes); err != nil {
			return errResult(ErrBadArg, "restore failed for id %q: %s", entry.ID, err.Error())
		}
		if entry.TTLRemainingMS != nil {
			doc.SetTTL(*entry.TTLRemainingMS, now)
		}
		newDocs[entry.ID] = doc
		newOrder = append(newOrder, entry.ID)
	}

	m.mu.Lock()
	oldDocs := m.docs
	m.docs = newDocs
	m.order = newOrder
	m.mu.Unlock()

	for id, doc := range oldDocs {
		doc.ClearPresence()
		m.hub.Tombstone(id, doc.Stats().Version)
		m.metrics.DocumentsDestroyed.Inc()
		if m.store != nil {
			if err := m.store.Remove(id); err != nil {
				m.metrics.StoreFailures.Inc()
				m.log.Warn("restore: store remove failed", zap.String("id", id), zap.Error(err))
			}
		}
	}
	for id, doc := range newDocs {
		m.metrics.DocumentsCreated.Inc()
		m.writeThrough(doc)
		snap, err := doc.Snapshot()
		if err != nil {
			continue
		}
		stats := doc.Stats()
		for _, client := range m.hub.MatchingClients(id) {
			m.hub.DeliverSnapshot(client, id, stats.Version, snap)
		}
	}

	return intResult(int64(len(newDocs)))
}

func joinArgs(args []string) string {
	out := args[0]
	for _, a := range args[1:] {
		out += " " + a
	}
	return out
}
