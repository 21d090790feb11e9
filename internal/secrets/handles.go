package secrets

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/opspilot/backend/internal/faults"
)

// ============================================================================
// CREDENTIAL HANDLES
// ============================================================================

// handleEntry maps an issued handle back to the vault key it references.
// The entry never carries the password; redemption decrypts on demand.
type handleEntry struct {
	host      string
	purpose   string
	issuedTo  string
	expiresAt time.Time
	redeemed  bool
}

// HandleStore issues opaque single-use references to stored credentials and
// expires them after a short TTL. Handles are the only secret-shaped value
// that ever crosses an internal API boundary.
type HandleStore struct {
	mu      sync.Mutex
	entries map[string]*handleEntry
	ttl     time.Duration
	done    chan struct{}
}

// NewHandleStore creates a store with the given handle lifetime and starts
// the sweep loop.
func NewHandleStore(ttl time.Duration, sweepInterval time.Duration) *HandleStore {
	if ttl <= 0 {
		ttl = 120 * time.Second
	}
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	hs := &HandleStore{
		entries: make(map[string]*handleEntry),
		ttl:     ttl,
		done:    make(chan struct{}),
	}
	go hs.sweep(sweepInterval)
	return hs
}

// Issue mints a handle for (host, purpose) on behalf of actor.
func (hs *HandleStore) Issue(actor, host, purpose string) (string, error) {
	raw := make([]byte, 18)
	if _, err := rand.Read(raw); err != nil {
		return "", faults.Wrap(faults.KindInternal, err, "generate handle")
	}
	handle := fmt.Sprintf("cred_%s", hex.EncodeToString(raw))

	hs.mu.Lock()
	hs.entries[handle] = &handleEntry{
		host:      host,
		purpose:   purpose,
		issuedTo:  actor,
		expiresAt: time.Now().Add(hs.ttl),
	}
	hs.mu.Unlock()
	return handle, nil
}

// Claim consumes a handle and returns the vault key it references. A second
// claim, an unknown handle, and an expired handle are all the same
// NOT_FOUND so callers cannot probe the difference.
func (hs *HandleStore) Claim(handle string) (host, purpose string, err error) {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	e, ok := hs.entries[handle]
	if !ok || e.redeemed || time.Now().After(e.expiresAt) {
		return "", "", faults.New(faults.KindNotFound, "unknown or expired credential handle")
	}
	e.redeemed = true
	return e.host, e.purpose, nil
}

// Revoke drops a handle before its TTL, e.g. when the owning step ends.
func (hs *HandleStore) Revoke(handle string) {
	hs.mu.Lock()
	delete(hs.entries, handle)
	hs.mu.Unlock()
}

// Active counts live, unredeemed handles.
func (hs *HandleStore) Active() int {
	hs.mu.Lock()
	defer hs.mu.Unlock()

	n := 0
	now := time.Now()
	for _, e := range hs.entries {
		if !e.redeemed && now.Before(e.expiresAt) {
			n++
		}
	}
	return n
}

// Close stops the sweep loop.
func (hs *HandleStore) Close() {
	close(hs.done)
}

func (hs *HandleStore) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-hs.done:
			return
		case <-ticker.C:
			now := time.Now()
			hs.mu.Lock()
			for h, e := range hs.entries {
				if e.redeemed || now.After(e.expiresAt) {
					delete(hs.entries, h)
				}
			}
			hs.mu.Unlock()
		}
	}
}
