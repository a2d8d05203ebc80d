package keypool

import (
	"sync"
	"time"
)

// counters tracks pool activity. All fields are guarded by mu.
type counters struct {
	mu sync.Mutex

	hits                    int64
	misses                  int64
	emergencyRefills        int64
	expiredRemoved          int64
	totalVerifications      int64
	successfulVerifications int64
	verificationFailures    int64
	maintenanceRuns         int64
	preloads                int64
	fallbacks               int64

	lastHit         time.Time
	lastMiss        time.Time
	lastMaintenance time.Time
	getCalls        int64
	avgVerifyTime   time.Duration
}

func (c *counters) recordHit(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits++
	c.lastHit = now
}

func (c *counters) recordMiss(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.misses++
	c.lastMiss = now
}

func (c *counters) recordExpired(n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expiredRemoved += n
}

func (c *counters) recordVerification(ok bool, took time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	total := c.totalVerifications
	if total == 0 {
		c.avgVerifyTime = took
	} else {
		c.avgVerifyTime = (c.avgVerifyTime*time.Duration(total) + took) / time.Duration(total+1)
	}
	c.totalVerifications++
	if ok {
		c.successfulVerifications++
	} else {
		c.verificationFailures++
	}
}

// Stats is a point-in-time view of pool state and counters, exposed on the
// admin stats surface.
type Stats struct {
	PoolSize    int     `json:"pool_size"`
	CurrentSize int     `json:"current_size"`
	Utilization float64 `json:"utilization"`
	TTLHours    float64 `json:"ttl_hours"`

	HitRate                 float64 `json:"hit_rate"`
	MissRate                float64 `json:"miss_rate"`
	VerificationSuccessRate float64 `json:"verification_success_rate"`
	VerificationFailureRate float64 `json:"verification_failure_rate"`
	TTLExpiryRate           float64 `json:"ttl_expiry_rate"`

	AvgKeyAgeSeconds int64 `json:"avg_key_age_seconds"`
	MaxKeyAgeSeconds int64 `json:"max_key_age_seconds"`
	MinKeyAgeSeconds int64 `json:"min_key_age_seconds"`

	Hits                    int64 `json:"hit_count"`
	Misses                  int64 `json:"miss_count"`
	EmergencyRefills        int64 `json:"emergency_refill_count"`
	ExpiredRemoved          int64 `json:"expired_keys_removed"`
	TotalVerifications      int64 `json:"total_verifications"`
	SuccessfulVerifications int64 `json:"successful_verifications"`
	VerificationFailures    int64 `json:"verification_failures"`
	MaintenanceRuns         int64 `json:"maintenance_count"`
	Fallbacks               int64 `json:"fallback_count"`
	GetCalls                int64 `json:"total_get_key_calls"`

	AvgVerificationMs float64   `json:"avg_verification_ms"`
	LastHit           time.Time `json:"last_hit_time"`
	LastMiss          time.Time `json:"last_miss_time"`
	LastMaintenance   time.Time `json:"last_maintenance_time"`
	Timestamp         time.Time `json:"stats_timestamp"`
}

// Stats assembles the current statistics snapshot.
func (p *Pool) Stats() Stats {
	now := p.now()

	p.mu.Lock()
	size := len(p.queue)
	var ageSum, ageMax, ageMin time.Duration
	for i, entry := range p.queue {
		age := entry.Age(now)
		ageSum += age
		if age > ageMax {
			ageMax = age
		}
		if i == 0 || age < ageMin {
			ageMin = age
		}
	}
	p.mu.Unlock()

	p.stats.mu.Lock()
	defer p.stats.mu.Unlock()

	s := Stats{
		PoolSize:                p.size,
		CurrentSize:             size,
		TTLHours:                p.ttl.Hours(),
		Hits:                    p.stats.hits,
		Misses:                  p.stats.misses,
		EmergencyRefills:        p.stats.emergencyRefills,
		ExpiredRemoved:          p.stats.expiredRemoved,
		TotalVerifications:      p.stats.totalVerifications,
		SuccessfulVerifications: p.stats.successfulVerifications,
		VerificationFailures:    p.stats.verificationFailures,
		MaintenanceRuns:         p.stats.maintenanceRuns,
		Fallbacks:               p.stats.fallbacks,
		GetCalls:                p.stats.getCalls,
		AvgVerificationMs:       float64(p.stats.avgVerifyTime) / float64(time.Millisecond),
		LastHit:                 p.stats.lastHit,
		LastMiss:                p.stats.lastMiss,
		LastMaintenance:         p.stats.lastMaintenance,
		Timestamp:               now,
	}

	if p.size > 0 {
		s.Utilization = float64(size) / float64(p.size)
	}
	if total := p.stats.hits + p.stats.misses; total > 0 {
		s.HitRate = float64(p.stats.hits) / float64(total)
		s.MissRate = float64(p.stats.misses) / float64(total)
	}
	if p.stats.totalVerifications > 0 {
		s.VerificationSuccessRate = float64(p.stats.successfulVerifications) / float64(p.stats.totalVerifications)
		s.VerificationFailureRate = float64(p.stats.verificationFailures) / float64(p.stats.totalVerifications)
	}
	if p.stats.expiredRemoved > 0 {
		s.TTLExpiryRate = float64(p.stats.expiredRemoved) / float64(p.stats.expiredRemoved+p.stats.hits)
	}
	if size > 0 {
		s.AvgKeyAgeSeconds = int64((ageSum / time.Duration(size)).Seconds())
		s.MaxKeyAgeSeconds = int64(ageMax.Seconds())
		s.MinKeyAgeSeconds = int64(ageMin.Seconds())
	}

	return s
}
