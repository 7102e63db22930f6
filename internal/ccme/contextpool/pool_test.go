package contextpool

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccme-project/ccme/internal/ccme/events"
	"github.com/ccme-project/ccme/internal/ccme/model"
)

func TestCalculateOptimalSizeClampsToBounds(t *testing.T) {
	p := New(Bounds{Min: 1000, Target: 4000, Max: 8000}, events.New(), "s1",
		WithReserveBuffer(0))

	vram := model.VRAMInfo{AvailableBytes: 1_000_000_000}
	m := model.ModelInfo{KVQuantization: model.KVQuantF16, BytesPerTokenF16: 1000}

	size := p.CalculateOptimalSize(vram, m)
	assert.Equal(t, 8000, size, "should clamp to max")
}

func TestCalculateOptimalSizeHonorsQuantizationFactor(t *testing.T) {
	p := New(Bounds{Min: 100, Target: 4000, Max: 1_000_000}, events.New(), "s1")

	vram := model.VRAMInfo{AvailableBytes: 800_000}
	f16 := model.ModelInfo{KVQuantization: model.KVQuantF16, BytesPerTokenF16: 100}
	q4 := model.ModelInfo{KVQuantization: model.KVQuantQ4, BytesPerTokenF16: 100}

	f16Size := p.CalculateOptimalSize(vram, f16)
	q4Size := p.CalculateOptimalSize(vram, q4)
	assert.Greater(t, q4Size, f16Size, "q4_0 quantization should fit more tokens per byte")
}

func TestCalculateOptimalSizeDegenerateReturnsTarget(t *testing.T) {
	p := New(Bounds{Min: 100, Target: 4096, Max: 8192}, events.New(), "s1")
	size := p.CalculateOptimalSize(model.VRAMInfo{Degenerate: true}, model.ModelInfo{})
	assert.Equal(t, 4096, size)
}

func TestResizeEmitsEventAndInvokesCallback(t *testing.T) {
	bus := events.New()
	var gotEvent events.Event
	bus.On(events.Resize, func(ctx context.Context, ev events.Event) { gotEvent = ev })

	var callbackSize int
	p := New(Bounds{Min: 100, Target: 1000, Max: 4000}, bus, "s1",
		WithResizeCallback(func(ctx context.Context, n int) { callbackSize = n }))

	p.Resize(context.Background(), 2000)

	assert.Equal(t, 2000, p.ActiveSize())
	assert.Equal(t, 2000, callbackSize)
	assert.Equal(t, events.Resize, gotEvent.Name)
	assert.Equal(t, 2000, gotEvent.Data["newSize"])
}

func TestResizeClampsOutOfBoundRequests(t *testing.T) {
	p := New(Bounds{Min: 100, Target: 1000, Max: 2000}, events.New(), "s1")
	p.Resize(context.Background(), 50)
	assert.Equal(t, 100, p.ActiveSize())

	p.Resize(context.Background(), 9999)
	assert.Equal(t, 2000, p.ActiveSize())
}

func TestConcurrentResizesCoalesce(t *testing.T) {
	var callCount int
	var mu sync.Mutex
	p := New(Bounds{Min: 0, Target: 0, Max: 10000}, events.New(), "s1",
		WithResizeCallback(func(ctx context.Context, n int) {
			mu.Lock()
			callCount++
			mu.Unlock()
		}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Resize(context.Background(), 500)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, callCount, 1)
	assert.Equal(t, 500, p.ActiveSize())
}
