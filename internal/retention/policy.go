// ABOUTME: Forward-secrecy retention policy with named presets
// ABOUTME: Immutable triple of retention period, cleanup interval, ciphertext purge flag

package retention

import "time"

// Policy is an immutable retention policy. A zero RetentionPeriod means
// unbounded retention: nothing ever expires.
type Policy struct {
	RetentionPeriod time.Duration
	CleanupInterval time.Duration
	PurgeCiphertext bool
}

// Named presets trading retention length against forward-secrecy strength.
var (
	// PolicyStandard keeps epoch keys for 30 days.
	PolicyStandard = Policy{RetentionPeriod: 30 * 24 * time.Hour, CleanupInterval: time.Hour}

	// PolicyStrict keeps keys one day and purges ciphertext with them.
	PolicyStrict = Policy{RetentionPeriod: 24 * time.Hour, CleanupInterval: 5 * time.Minute, PurgeCiphertext: true}

	// PolicyExtended keeps keys for 90 days.
	PolicyExtended = Policy{RetentionPeriod: 90 * 24 * time.Hour, CleanupInterval: 6 * time.Hour}

	// PolicyUnbounded never expires key material.
	PolicyUnbounded = Policy{CleanupInterval: 24 * time.Hour}
)

// PresetByName resolves a preset from configuration. Returns false for an
// unknown name.
func PresetByName(name string) (Policy, bool) {
	switch name {
	case "standard":
		return PolicyStandard, true
	case "strict":
		return PolicyStrict, true
	case "extended":
		return PolicyExtended, true
	case "unbounded":
		return PolicyUnbounded, true
	default:
		return Policy{}, false
	}
}

// IsExpired reports whether key material created at createdAt has outlived
// the retention period as of now.
func (p Policy) IsExpired(createdAt, now time.Time) bool {
	if p.RetentionPeriod <= 0 {
		return false
	}
	return now.Sub(createdAt) > p.RetentionPeriod
}
