// Package contextpool implements the Context Pool (C4): it owns the
// active context-window size and its bounds, derives an optimal size
// from VRAM telemetry and model facts, and serializes resize requests
// so concurrent callers coalesce onto the latest one.
//
// Grounded on the source platform's internal/llm/token_budget.go budget
// arithmetic; resize coalescing is new code (the source has no async
// resize path) built with golang.org/x/sync/singleflight in the same
// spirit as the source's other single-flight-shaped guards.
package contextpool

import (
	"context"
	"strconv"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/ccme-project/ccme/internal/ccme/events"
	"github.com/ccme-project/ccme/internal/ccme/model"
)

// ResizeCallback is invoked after a resize commits so the LLM runtime can
// adjust its KV cache to match the new active size.
type ResizeCallback func(ctx context.Context, newSize int)

// Bounds are the pool's configured [min, target, max] window sizes, in
// tokens.
type Bounds struct {
	Min    int
	Target int
	Max    int
}

// Pool holds the active context size and bounds. All exported methods
// are safe for concurrent use.
type Pool struct {
	mu     sync.RWMutex
	bounds Bounds
	active int

	reserveBufferBytes uint64

	bus        *events.Bus
	sessionID  string
	onResize   ResizeCallback
	resizeFlow singleflight.Group
}

// Option configures a Pool at construction.
type Option func(*Pool)

// WithResizeCallback registers the callback invoked on every committed
// resize.
func WithResizeCallback(cb ResizeCallback) Option {
	return func(p *Pool) { p.onResize = cb }
}

// WithReserveBuffer sets the number of VRAM bytes withheld from sizing
// calculations (SPEC_FULL §6 context.vramBuffer).
func WithReserveBuffer(bytes uint64) Option {
	return func(p *Pool) { p.reserveBufferBytes = bytes }
}

// New constructs a Pool seeded at bounds.Target.
func New(bounds Bounds, bus *events.Bus, sessionID string, opts ...Option) *Pool {
	p := &Pool{bounds: bounds, active: bounds.Target, bus: bus, sessionID: sessionID}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ActiveSize returns the current active window size in tokens.
func (p *Pool) ActiveSize() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.active
}

// Bounds returns the pool's configured bounds.
func (p *Pool) Bounds() Bounds {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bounds
}

// MinSize returns the pool's configured minimum size, the target the
// Memory Guard shrinks toward under critical or emergency pressure.
func (p *Pool) MinSize() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.bounds.Min
}

// SetBounds updates the pool's bounds, e.g. from update_config structural
// changes (SPEC_FULL §4.9). It does not itself trigger a resize; callers
// decide whether to follow with CalculateOptimalSize + Resize.
func (p *Pool) SetBounds(b Bounds) {
	p.mu.Lock()
	p.bounds = b
	p.mu.Unlock()
}

// CalculateOptimalSize clamps a VRAM-derived budget into [min, max],
// honoring the configured reserve buffer and the model's KV-cache
// quantization factor. Pure: no field of p is read or mutated besides
// the (immutable for this call) bounds and reserve buffer.
func (p *Pool) CalculateOptimalSize(vramInfo model.VRAMInfo, modelInfo model.ModelInfo) int {
	p.mu.RLock()
	bounds := p.bounds
	reserve := p.reserveBufferBytes
	p.mu.RUnlock()

	if vramInfo.Degenerate {
		return bounds.Target
	}

	usable := int64(vramInfo.AvailableBytes) - int64(reserve) - int64(vramInfo.ModelLoadedBytes)
	if usable <= 0 {
		return bounds.Min
	}

	bytesPerToken := float64(modelInfo.BytesPerTokenF16) * modelInfo.KVQuantization.Factor()
	if bytesPerToken <= 0 {
		return bounds.Target
	}

	tokens := int(float64(usable) / bytesPerToken)
	if tokens < bounds.Min {
		return bounds.Min
	}
	if tokens > bounds.Max {
		return bounds.Max
	}
	return tokens
}

// Resize changes the active size, invokes the resize callback, and emits
// a resize event. Concurrent Resize calls that request the same size are
// coalesced by singleflight into one commit. Concurrent calls for
// different sizes are not coalesced: each commits on its own, and the
// active size ends at whichever commit runs last, which is not
// necessarily the most recently requested size.
func (p *Pool) Resize(ctx context.Context, newSize int) {
	p.mu.RLock()
	bounds := p.bounds
	p.mu.RUnlock()

	if newSize < bounds.Min {
		newSize = bounds.Min
	}
	if newSize > bounds.Max {
		newSize = bounds.Max
	}

	// singleflight keys on the target size: two callers requesting the
	// same size share one commit; a caller requesting a different size
	// while one is in flight runs its own commit.
	key := strconv.Itoa(newSize)
	_, _, _ = p.resizeFlow.Do(key, func() (interface{}, error) {
		p.mu.Lock()
		p.active = newSize
		p.mu.Unlock()

		if p.onResize != nil {
			p.onResize(ctx, newSize)
		}
		if p.bus != nil {
			p.bus.Emit(ctx, events.Event{
				Name:      events.Resize,
				SessionID: p.sessionID,
				Data:      map[string]any{"newSize": newSize},
			})
		}
		return nil, nil
	})
}

// SetCurrentTokens accepts a current-usage figure from external
// observers (Memory Guard) and discards it: it does not mutate pool
// state. The pool does not retain a current-token figure — that is the
// Message Store's responsibility — so this is a no-op.
func (p *Pool) SetCurrentTokens(int) {}
