package vram

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ccme-project/ccme/internal/ccme/model"
)

type fakeSource struct {
	infos []model.VRAMInfo
	idx   int
}

func (f *fakeSource) Sample(ctx context.Context) (model.VRAMInfo, error) {
	i := f.idx
	if i >= len(f.infos) {
		i = len(f.infos) - 1
	}
	f.idx++
	return f.infos[i], nil
}

func TestNewTakesSynchronousFirstSample(t *testing.T) {
	src := &fakeSource{infos: []model.VRAMInfo{
		{TotalBytes: 1000, UsedBytes: 200, AvailableBytes: 800},
	}}
	m := New(src, time.Hour)
	info := m.GetInfo()
	assert.Equal(t, uint64(800), info.AvailableBytes)
}

func TestMonitorPollsAndFansOutToSubscribers(t *testing.T) {
	src := &fakeSource{infos: []model.VRAMInfo{
		{TotalBytes: 1000, UsedBytes: 200, AvailableBytes: 800},
		{TotalBytes: 1000, UsedBytes: 900, AvailableBytes: 100},
	}}
	m := New(src, 5*time.Millisecond)

	sampled := make(chan model.VRAMInfo, 4)
	m.OnSample(func(info model.VRAMInfo) { sampled <- info })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)
	defer m.Stop()

	select {
	case info := <-sampled:
		assert.Equal(t, uint64(100), info.AvailableBytes)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for background sample")
	}

	require.Eventually(t, func() bool {
		return m.GetInfo().AvailableBytes == 100
	}, time.Second, 5*time.Millisecond)
}

func TestPollIntervalMS(t *testing.T) {
	src := &fakeSource{infos: []model.VRAMInfo{{Degenerate: true}}}
	m := New(src, 250*time.Millisecond)
	assert.Equal(t, int64(250), m.PollIntervalMS())
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	src := &fakeSource{infos: []model.VRAMInfo{{Degenerate: true}}}
	m := New(src, time.Second)
	assert.NotPanics(t, func() { m.Stop() })
}
