package model

import "math"

// KVQuantization is the precision used for the model's attention
// key/value cache; it scales per-token memory cost.
type KVQuantization string

const (
	KVQuantF16 KVQuantization = "f16"
	KVQuantQ8  KVQuantization = "q8_0"
	KVQuantQ4  KVQuantization = "q4_0"
)

// Factor returns the relative per-token memory cost of the
// quantization, scaled against f16 = 1.0.
func (q KVQuantization) Factor() float64 {
	switch q {
	case KVQuantQ8:
		return 0.5
	case KVQuantQ4:
		return 0.25
	default:
		return 1.0
	}
}

// VRAMInfo is a value-typed sample of GPU memory state. Each poll
// produces a new VRAMInfo; none are mutated in place.
type VRAMInfo struct {
	TotalBytes        uint64
	UsedBytes         uint64
	AvailableBytes    uint64
	ModelLoadedBytes  uint64
	// Degenerate is true when the platform has no GPU query available;
	// AvailableFraction then reports 1.0 (memory-abundant) rather than
	// dividing by a zero total.
	Degenerate bool
}

// AvailableFraction returns available/total, or 1.0 for a degenerate
// (no-GPU-query) sample so the engine treats the system as
// memory-abundant.
func (v VRAMInfo) AvailableFraction() float64 {
	if v.Degenerate || v.TotalBytes == 0 {
		return 1.0
	}
	f := float64(v.AvailableBytes) / float64(v.TotalBytes)
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 1.0
	}
	return f
}

// ModelInfo carries the facts about a loaded model that Context Pool
// sizing needs.
type ModelInfo struct {
	ID              string
	ContextSize     int
	KVQuantization  KVQuantization
	BytesPerTokenF16 uint64
}
