// Package memoryguard implements the Memory Guard (C9): a polled
// hysteretic state machine over VRAM-available fraction that reacts by
// calling into the Compression Coordinator and Snapshot Coordinator —
// it never mutates a Conversation Context directly.
//
// There is no single source-platform file this ports: the source has
// a hardware detector (internal/hardware/detector.go, the basis for
// vram.NvidiaSMISource) but no state-machine reacting to its readings.
// The state transition and hysteresis shape here follows the pack's
// general polled-watcher idiom (ticker loop + threshold compare +
// listener fan-out), built fresh in the teacher's style.
package memoryguard

import (
	"context"
	"sync"

	"github.com/ccme-project/ccme/internal/ccme/events"
	"github.com/ccme-project/ccme/internal/ccme/model"
)

// State is the Guard's current severity level.
type State int

const (
	StateNormal State = iota
	StateWarning
	StateCritical
	StateEmergency
)

func (s State) String() string {
	switch s {
	case StateWarning:
		return "warning"
	case StateCritical:
		return "critical"
	case StateEmergency:
		return "emergency"
	default:
		return "normal"
	}
}

// Hysteresis is the fraction a less-severe transition must clear past
// the next-worse state's entry threshold before it is honored.
const Hysteresis = 0.02

// Thresholds are available-fraction deficits: each names the available
// fraction f at or below which its state is entered (e.g. soft=0.20
// means warning triggers once only 20% of VRAM remains available).
type Thresholds struct {
	Soft     float64
	Hard     float64
	Critical float64
}

// DefaultThresholds matches SPEC_FULL §4.8's defaults.
func DefaultThresholds() Thresholds {
	return Thresholds{Soft: 0.20, Hard: 0.10, Critical: 0.05}
}

// UsageSource reports the session's current compression-threshold
// usage fraction, used by the warning state to decide whether to
// request a normal (threshold-gated) compression pass.
type UsageSource interface {
	UsageFraction() float64
}

// Compressor is the subset of compression.Coordinator the Guard needs.
type Compressor interface {
	RequestCompression(ctx context.Context, sessionID string)
	ForceCompression(ctx context.Context, sessionID string)
}

// Snapshotter is the subset of snapshotcoord.Coordinator the Guard
// needs to create an emergency snapshot.
type Snapshotter interface {
	CreateSnapshot(ctx context.Context, tag string) (string, error)
}

// Trimmer drops non-recent messages during an emergency, leaving the
// preserved recent window and never-compressed sections intact.
type Trimmer interface {
	TrimToRecent(ctx context.Context, keepRecent int) error
}

// Config parameterizes one Guard instance.
type Config struct {
	Thresholds      Thresholds
	CompressionThreshold float64
	EmergencyKeepRecent  int
}

// Guard is a single session's memory-pressure state machine.
type Guard struct {
	mu        sync.Mutex
	sessionID string
	cfg       Config
	state     State

	usage       UsageSource
	compressor  Compressor
	snapshotter Snapshotter
	shrinker    contextPoolLike
	trimmer     Trimmer
	bus         *events.Bus
}

// contextPoolLike avoids importing contextpool directly (Bounds()
// there returns contextpool.Bounds, a distinct type); the Guard only
// needs Min and Resize, expressed via this narrow interface.
type contextPoolLike interface {
	Resize(ctx context.Context, newSize int)
	MinSize() int
}

// New constructs a Guard in the normal state.
func New(sessionID string, cfg Config, usage UsageSource, compressor Compressor, snapshotter Snapshotter, shrinker contextPoolLike, trimmer Trimmer, bus *events.Bus) *Guard {
	return &Guard{
		sessionID:   sessionID,
		cfg:         cfg,
		state:       StateNormal,
		usage:       usage,
		compressor:  compressor,
		snapshotter: snapshotter,
		shrinker:    shrinker,
		trimmer:     trimmer,
		bus:         bus,
	}
}

// CurrentState reports the Guard's state without side effects.
func (g *Guard) CurrentState() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Observe feeds a fresh VRAM sample through the state machine,
// applying hysteresis on downward (less-severe) transitions, and
// performs that state's actions.
func (g *Guard) Observe(ctx context.Context, info model.VRAMInfo) {
	g.mu.Lock()
	f := info.AvailableFraction()
	next := g.nextState(f)
	prev := g.state
	g.state = next
	g.mu.Unlock()

	if next == prev {
		if next == StateWarning {
			g.actWarning(ctx)
		}
		return
	}

	switch next {
	case StateWarning:
		g.actWarning(ctx)
	case StateCritical:
		g.actCritical(ctx)
	case StateEmergency:
		g.actEmergency(ctx)
	}
}

// nextState computes the target state from f, applying hysteresis to
// transitions that reduce severity.
func (g *Guard) nextState(f float64) State {
	t := g.cfg.Thresholds
	raw := classify(f, t)
	if raw >= g.state {
		return raw
	}
	// Moving to a less-severe state: f must clear the threshold of the
	// state being left by Hysteresis.
	switch g.state {
	case StateEmergency:
		if f > t.Critical+Hysteresis {
			return classify(f, t)
		}
		return StateEmergency
	case StateCritical:
		if f > t.Hard+Hysteresis {
			return classify(f, t)
		}
		return StateCritical
	case StateWarning:
		if f > t.Soft+Hysteresis {
			return classify(f, t)
		}
		return StateWarning
	default:
		return raw
	}
}

func classify(f float64, t Thresholds) State {
	switch {
	case f <= t.Critical:
		return StateEmergency
	case f <= t.Hard:
		return StateCritical
	case f <= t.Soft:
		return StateWarning
	default:
		return StateNormal
	}
}

func (g *Guard) actWarning(ctx context.Context) {
	g.bus.Emit(ctx, events.Event{Name: events.ThresholdWarning, SessionID: g.sessionID})
	if g.usage != nil && g.compressor != nil && model.GreaterOrEqualWithEpsilon(g.usage.UsageFraction(), g.cfg.CompressionThreshold) {
		g.compressor.RequestCompression(ctx, g.sessionID)
	}
}

func (g *Guard) actCritical(ctx context.Context) {
	g.bus.Emit(ctx, events.Event{Name: events.ThresholdCritical, SessionID: g.sessionID})
	if g.compressor != nil {
		g.compressor.ForceCompression(ctx, g.sessionID)
	}
	if g.shrinker != nil {
		g.shrinker.Resize(ctx, g.shrinker.MinSize())
	}
}

func (g *Guard) actEmergency(ctx context.Context) {
	g.bus.Emit(ctx, events.Event{Name: events.ThresholdEmergency, SessionID: g.sessionID})
	if g.snapshotter != nil {
		g.snapshotter.CreateSnapshot(ctx, "emergency")
	}
	if g.trimmer != nil {
		g.trimmer.TrimToRecent(ctx, g.cfg.EmergencyKeepRecent)
	}
	if g.shrinker != nil {
		g.shrinker.Resize(ctx, g.shrinker.MinSize())
	}
}
