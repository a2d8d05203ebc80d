package keyring

import "github.com/rs/zerolog/log"

// Snapshot captures the migratable state of a Registry before it is
// discarded during a hot reload: failure counters, the old key order, and
// the key the cursor would have returned next. A new Registry built with
// WithPrevious inherits as much of this state as the new key list allows.
type Snapshot struct {
	FailCounts map[string]int
	Keys       []string
	NextKey    string
}

// Snapshot captures the registry's current migratable state.
func (r *Registry) Snapshot() Snapshot {
	r.failureMu.Lock()
	counts := make(map[string]int, len(r.failCounts))
	for key, count := range r.failCounts {
		counts[key] = count
	}
	r.failureMu.Unlock()

	return Snapshot{
		FailCounts: counts,
		Keys:       append([]string(nil), r.keys...),
		NextKey:    r.peekNext(),
	}
}

// inherit applies a snapshot from a previous registry instance.
// Failure counters carry over for keys still present; new keys start at
// zero. The cursor is advanced so the preserved next key (or, failing that,
// the first surviving key after it in the old rotation order) is returned
// next. If nothing survives, rotation starts from the beginning.
func (r *Registry) inherit(snap Snapshot) {
	r.failureMu.Lock()
	inherited := 0
	for key, count := range snap.FailCounts {
		if _, ok := r.failCounts[key]; ok {
			r.failCounts[key] = count
			inherited++
		}
	}
	r.failureMu.Unlock()

	if inherited > 0 {
		log.Info().Int("keys", inherited).Msg("inherited failure counts from previous registry")
	}

	start := r.resumeKey(snap)
	if start == "" {
		return
	}

	for idx, key := range r.keys {
		if key == start {
			r.cursorMu.Lock()
			r.cursor = idx
			r.cursorMu.Unlock()
			log.Info().
				Str("key", Redact(start)).
				Msg("rotation cursor restored from previous registry")
			return
		}
	}
}

// resumeKey walks the old rotation order starting at the preserved next key
// and returns the first key that still exists in the new list.
func (r *Registry) resumeKey(snap Snapshot) string {
	if snap.NextKey == "" || len(snap.Keys) == 0 || len(r.keys) == 0 {
		return ""
	}

	startIdx := -1
	for idx, key := range snap.Keys {
		if key == snap.NextKey {
			startIdx = idx
			break
		}
	}
	if startIdx < 0 {
		log.Warn().
			Str("key", Redact(snap.NextKey)).
			Msg("preserved next key not found in preserved key list, rotation restarts")
		return ""
	}

	present := make(map[string]struct{}, len(r.keys))
	for _, key := range r.keys {
		present[key] = struct{}{}
	}

	for i := range snap.Keys {
		candidate := snap.Keys[(startIdx+i)%len(snap.Keys)]
		if _, ok := present[candidate]; ok {
			return candidate
		}
	}
	return ""
}
