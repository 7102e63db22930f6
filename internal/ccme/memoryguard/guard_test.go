package memoryguard

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccme-project/ccme/internal/ccme/events"
	"github.com/ccme-project/ccme/internal/ccme/model"
)

type fixedUsage struct{ f float64 }

func (u fixedUsage) UsageFraction() float64 { return u.f }

type fakeCompressor struct {
	requested, forced int
}

func (c *fakeCompressor) RequestCompression(ctx context.Context, sessionID string) { c.requested++ }
func (c *fakeCompressor) ForceCompression(ctx context.Context, sessionID string)   { c.forced++ }

type fakeSnapshotter struct{ tags []string }

func (s *fakeSnapshotter) CreateSnapshot(ctx context.Context, tag string) (string, error) {
	s.tags = append(s.tags, tag)
	return "snap-" + tag, nil
}

type fakePool struct {
	min     int
	resized []int
}

func (p *fakePool) Resize(ctx context.Context, newSize int) { p.resized = append(p.resized, newSize) }
func (p *fakePool) MinSize() int                             { return p.min }

type fakeTrimmer struct{ kept []int }

func (t *fakeTrimmer) TrimToRecent(ctx context.Context, keepRecent int) error {
	t.kept = append(t.kept, keepRecent)
	return nil
}

func newGuard(usage float64, compressionThreshold float64) (*Guard, *fakeCompressor, *fakeSnapshotter, *fakePool, *fakeTrimmer) {
	g, comp, snap, pool, trim, _ := newGuardWithBus(usage, compressionThreshold)
	return g, comp, snap, pool, trim
}

func newGuardWithBus(usage float64, compressionThreshold float64) (*Guard, *fakeCompressor, *fakeSnapshotter, *fakePool, *fakeTrimmer, *events.Bus) {
	comp := &fakeCompressor{}
	snap := &fakeSnapshotter{}
	pool := &fakePool{min: 512}
	trim := &fakeTrimmer{}
	bus := events.New()
	g := New("s1", Config{Thresholds: DefaultThresholds(), CompressionThreshold: compressionThreshold, EmergencyKeepRecent: 5},
		fixedUsage{usage}, comp, snap, pool, trim, bus)
	return g, comp, snap, pool, trim, bus
}

func TestNormalStateIsIdle(t *testing.T) {
	g, comp, snap, pool, _ := newGuard(0.5, 0.8)
	g.Observe(context.Background(), model.VRAMInfo{TotalBytes: 100, AvailableBytes: 90})
	assert.Equal(t, StateNormal, g.CurrentState())
	assert.Zero(t, comp.requested)
	assert.Empty(t, snap.tags)
	assert.Empty(t, pool.resized)
}

func TestWarningRequestsCompressionWhenUsageAtThreshold(t *testing.T) {
	g, comp, _, _, _ := newGuard(0.9, 0.8)
	g.Observe(context.Background(), model.VRAMInfo{TotalBytes: 100, AvailableBytes: 15})
	require.Equal(t, StateWarning, g.CurrentState())
	assert.Equal(t, 1, comp.requested)
}

func TestWarningSkipsCompressionBelowUsageThreshold(t *testing.T) {
	g, comp, _, _, _ := newGuard(0.1, 0.8)
	g.Observe(context.Background(), model.VRAMInfo{TotalBytes: 100, AvailableBytes: 15})
	require.Equal(t, StateWarning, g.CurrentState())
	assert.Zero(t, comp.requested)
}

func TestCriticalForcesCompressionAndShrinks(t *testing.T) {
	g, comp, _, pool, _ := newGuard(0.1, 0.8)
	g.Observe(context.Background(), model.VRAMInfo{TotalBytes: 100, AvailableBytes: 8})
	require.Equal(t, StateCritical, g.CurrentState())
	assert.Equal(t, 1, comp.forced)
	require.Len(t, pool.resized, 1)
	assert.Equal(t, 512, pool.resized[0])
}

func TestEmergencySnapshotsAndTrims(t *testing.T) {
	g, _, snap, pool, trim := newGuard(0.1, 0.8)
	g.Observe(context.Background(), model.VRAMInfo{TotalBytes: 100, AvailableBytes: 3})
	require.Equal(t, StateEmergency, g.CurrentState())
	require.Len(t, snap.tags, 1)
	assert.Equal(t, "emergency", snap.tags[0])
	require.Len(t, trim.kept, 1)
	assert.Equal(t, 5, trim.kept[0])
	require.Len(t, pool.resized, 1)
}

func TestMonotoneDecreaseNeverSkipsAStateOnTheWayDown(t *testing.T) {
	g, _, snap, _, _ := newGuard(0.1, 0.8)
	var seen []State
	for _, avail := range []uint64{50, 15, 8, 3} {
		g.Observe(context.Background(), model.VRAMInfo{TotalBytes: 100, AvailableBytes: avail})
		seen = append(seen, g.CurrentState())
	}
	assert.Equal(t, []State{StateNormal, StateWarning, StateCritical, StateEmergency}, seen)
	assert.Len(t, snap.tags, 1, "exactly one emergency snapshot for the whole descent")
}

func TestHysteresisPreventsFlappingOutOfEmergency(t *testing.T) {
	g, _, _, _, _ := newGuard(0.1, 0.8)
	g.Observe(context.Background(), model.VRAMInfo{TotalBytes: 100, AvailableBytes: 3})
	require.Equal(t, StateEmergency, g.CurrentState())

	// f now exceeds the emergency entry threshold (0.05) but not by the
	// hysteresis margin (0.02): should remain in emergency.
	g.Observe(context.Background(), model.VRAMInfo{TotalBytes: 100, AvailableBytes: 6})
	assert.Equal(t, StateEmergency, g.CurrentState())

	// Clears the hysteresis margin: should drop back toward critical.
	g.Observe(context.Background(), model.VRAMInfo{TotalBytes: 100, AvailableBytes: 8})
	assert.Equal(t, StateCritical, g.CurrentState())
}

func TestDegenerateVRAMIsAlwaysNormal(t *testing.T) {
	g, _, _, _, _ := newGuard(0.99, 0.8)
	g.Observe(context.Background(), model.VRAMInfo{Degenerate: true})
	assert.Equal(t, StateNormal, g.CurrentState())
}

func TestDescentEmitsWarningCriticalEmergencyInOrder(t *testing.T) {
	g, _, _, _, _, bus := newGuardWithBus(0.1, 0.8)
	var seen []events.Name
	bus.On(events.ThresholdWarning, func(ctx context.Context, ev events.Event) { seen = append(seen, ev.Name) })
	bus.On(events.ThresholdCritical, func(ctx context.Context, ev events.Event) { seen = append(seen, ev.Name) })
	bus.On(events.ThresholdEmergency, func(ctx context.Context, ev events.Event) { seen = append(seen, ev.Name) })

	for _, avail := range []uint64{15, 8, 3} {
		g.Observe(context.Background(), model.VRAMInfo{TotalBytes: 100, AvailableBytes: avail})
	}

	assert.Equal(t, []events.Name{events.ThresholdWarning, events.ThresholdCritical, events.ThresholdEmergency}, seen)
}
