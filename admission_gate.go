package main

import (
	"errors"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// errBelowThreshold marks a validated submission that is not competitive
// enough for the ranking table. Frequent and expected; carries no token so
// the endpoint cannot be used as a free threshold oracle.
var errBelowThreshold = errors.New("admission: below threshold")

const (
	displayNameMinRunes = 2
	displayNameMaxRunes = 16
)

// admissionGate orchestrates the public submission path: the caller has
// already re-run the full token verification and progress validation, so the
// gate only applies the admission threshold and performs the bounded-retry
// upsert.
type admissionGate struct {
	store       *leaderboardStore
	pool        *upsertPool
	maxAttempts int
}

func newAdmissionGate(store *leaderboardStore, pool *upsertPool, maxAttempts int) *admissionGate {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &admissionGate{store: store, pool: pool, maxAttempts: maxAttempts}
}

// submit threshold-checks a validated counter and upserts the client's slot.
// Returns errBelowThreshold, errUpsertConflict, or a storage error once the
// retry budget is exhausted. A qualifying submission is never silently
// dropped: every transient failure is retried up to maxAttempts.
func (g *admissionGate) submit(clientID uuid.UUID, name string, spins uint64, tsMillis int64) error {
	threshold, err := g.store.ReadThreshold()
	if err != nil {
		return err
	}
	if spins <= threshold {
		return errBelowThreshold
	}

	if name == "" {
		name = fallbackDisplayName(clientID)
	}
	id := clientID.String()

	var lastErr error
	for attempt := 1; attempt <= g.maxAttempts; attempt++ {
		err := g.pool.do(func() error {
			return g.store.Upsert(id, name, spins, tsMillis)
		})
		if err == nil {
			return nil
		}
		if errors.Is(err, errUpsertConflict) {
			return err
		}
		if !isRetryableStoreError(err) {
			return err
		}
		lastErr = err
		logger.Debug("leaderboard upsert retry", "attempt", attempt, "error", err)
	}
	return lastErr
}

// validDisplayName reports whether a client-supplied name is 2-16 printable
// runes. Anything else is a malformed request, not a sanitization target.
func validDisplayName(name string) bool {
	runes := []rune(name)
	if len(runes) < displayNameMinRunes || len(runes) > displayNameMaxRunes {
		return false
	}
	for _, r := range runes {
		if !strconv.IsPrint(r) {
			return false
		}
	}
	return true
}

// fallbackDisplayName derives a deterministic name from the opaque client
// id: the first UUID segment, eight hex characters.
func fallbackDisplayName(clientID uuid.UUID) string {
	s := clientID.String()
	if i := strings.IndexByte(s, '-'); i > 0 {
		return s[:i]
	}
	return s
}
