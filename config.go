package router

import "time"

// Config collects the router's tunables, all with spec-mandated or
// host-chosen defaults (spec.md §6).
type Config struct {
	// NodeStoreSize bounds the number of peers kept (default 16384).
	NodeStoreSize int
	// ReturnSize (K) is the fan-out / reply-size parameter (default 8).
	ReturnSize int
	// GMRTWindowSeconds records the GMRT averaging window (default 256).
	// The router's GMRT uses the fixed gmrtWindowSeconds constant and
	// does not read this field.
	GMRTWindowSeconds int
	// GMRTInitialMillis records the GMRT seed (default 100). The router's
	// GMRT uses the fixed gmrtInitialMillis constant and does not read
	// this field.
	GMRTInitialMillis int64
	// MaxTimeouts is the consecutive-timeout eviction threshold.
	MaxTimeouts int
	// ReachDecreasePerSecond is the linear reach decay rate. The
	// suggested default halves reach every 250 seconds:
	// decay = log(2)/250 per reach-unit-fraction, expressed here as an
	// absolute per-second amount scaled for uint32 reach magnitudes.
	ReachDecreasePerSecond float64
	// LocalMaintenanceSearchPeriod is the self-search cadence.
	LocalMaintenanceSearchPeriod time.Duration
	// GlobalMaintenanceSearchPeriod is the served-target re-search
	// cadence.
	GlobalMaintenanceSearchPeriod time.Duration
	// DecayTickPeriod is how often NodeStore.DecayAll is invoked.
	DecayTickPeriod time.Duration
}

// DefaultConfig returns the spec's default tunables.
func DefaultConfig() Config {
	return Config{
		NodeStoreSize:                 defaultNodeStoreSize,
		ReturnSize:                    8,
		GMRTWindowSeconds:             gmrtWindowSeconds,
		GMRTInitialMillis:             gmrtInitialMillis,
		MaxTimeouts:                   defaultMaxTimeouts,
		ReachDecreasePerSecond:        float64(maxReach) * 0.0027726, // ~halves every 250s
		LocalMaintenanceSearchPeriod:  5 * time.Minute,
		GlobalMaintenanceSearchPeriod: 10 * time.Minute,
		DecayTickPeriod:               30 * time.Second,
	}
}
