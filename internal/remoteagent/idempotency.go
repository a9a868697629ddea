package remoteagent

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/websoft9/remotehost/internal/wireproto"
)

type entryStatus int

const (
	statusInFlight entryStatus = iota
	statusDone
)

// idempotencyEntry is one per-connection cache slot, keyed by requestId
// (spec.md §3 IdempotencyEntry). futureCh is closed once the in-flight
// handler completes, waking every caller attached to it.
type idempotencyEntry struct {
	fingerprint string
	status      entryStatus
	result      wireproto.Response
	futureCh    chan struct{}
}

// idempotencyCache deduplicates retried RPCs on a single connection. A new
// WebSocket connection always gets a new cache (spec.md §5 "Idempotency
// cache is per-connection").
type idempotencyCache struct {
	mu      sync.Mutex
	entries map[string]*idempotencyEntry
}

func newIdempotencyCache() *idempotencyCache {
	return &idempotencyCache{entries: make(map[string]*idempotencyEntry)}
}

// fingerprintOf hashes the request fields that make up its payload so two
// requests sharing a requestId can be compared for equality without storing
// the full original payload.
func fingerprintOf(req wireproto.Request) string {
	data, _ := json.Marshal(struct {
		Type       string
		Command    string
		WorkingDir string
		Path       string
		Content    string
		OldText    string
		NewText    string
	}{req.Type, req.Command, req.WorkingDir, req.Path, req.Content, req.OldText, req.NewText})
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// lookupOutcome is what the caller should do next after consulting the
// cache.
type lookupOutcome int

const (
	outcomeRun lookupOutcome = iota
	outcomeCached
	outcomeAwait
	outcomeConflict
)

// lookup implements spec.md §4.8's dispatcher rule: done+matching fp returns
// cached; in-flight+matching fp attaches to the running future; mismatched
// fp is a conflict; otherwise the caller should run the handler.
func (c *idempotencyCache) lookup(requestID string, fp string) (lookupOutcome, *idempotencyEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	existing, ok := c.entries[requestID]
	if !ok {
		entry := &idempotencyEntry{fingerprint: fp, status: statusInFlight, futureCh: make(chan struct{})}
		c.entries[requestID] = entry
		return outcomeRun, entry
	}

	if existing.fingerprint != fp {
		return outcomeConflict, nil
	}

	switch existing.status {
	case statusDone:
		return outcomeCached, existing
	default:
		return outcomeAwait, existing
	}
}

// complete transitions entry to done with resp and wakes any waiters.
func (c *idempotencyCache) complete(entry *idempotencyEntry, resp wireproto.Response) {
	c.mu.Lock()
	entry.result = resp
	entry.status = statusDone
	c.mu.Unlock()
	close(entry.futureCh)
}
