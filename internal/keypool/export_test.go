package keypool

// Test-only exports.

// RefillDecision exposes the size-dependent refill policy.
func RefillDecision(size, poolSize, minThreshold int, roll float64) (emergency bool, verifies int) {
	action := refillDecision(size, poolSize, minThreshold, roll)
	return action.emergency, action.verifies
}

// QueueKeys returns the pooled keys in FIFO order.
func (p *Pool) QueueKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	keys := make([]string, len(p.queue))
	for i, entry := range p.queue {
		keys[i] = entry.Key
	}
	return keys
}

// SeedEntry appends an entry directly, bypassing verification.
func (p *Pool) SeedEntry(entry Entry) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queue = append(p.queue, entry)
}
