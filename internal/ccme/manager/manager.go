// Package manager implements the Context Manager facade (C10): the
// lifecycle, event bus, configuration, and orchestration boundary over
// C4–C9, plus Hot-Swap (SPEC_FULL §4.10).
//
// Grounded on internal/llm/provider.go's ProviderManager (construction-
// time dependency wiring, single Close()-shaped teardown) and
// internal/event/bus.go's publish idiom; composed here over the
// session's Message Store, Context Pool, Checkpoint Manager,
// Compression Coordinator, Snapshot Coordinator, Memory Guard, VRAM
// Monitor, and Tool-Support Override Cache. The facade's own mutex is
// the session-wide linearization point SPEC_FULL §5 requires across
// those composed components; each component additionally guards its
// own bookkeeping so it remains independently safe when driven
// directly (as the unit tests for each do).
package manager

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ccme-project/ccme/internal/ccme/ccmeerr"
	"github.com/ccme-project/ccme/internal/ccme/checkpoint"
	"github.com/ccme-project/ccme/internal/ccme/compression"
	"github.com/ccme-project/ccme/internal/ccme/contextpool"
	"github.com/ccme-project/ccme/internal/ccme/events"
	"github.com/ccme-project/ccme/internal/ccme/memoryguard"
	"github.com/ccme-project/ccme/internal/ccme/messagestore"
	"github.com/ccme-project/ccme/internal/ccme/model"
	"github.com/ccme-project/ccme/internal/ccme/snapshotcoord"
	"github.com/ccme-project/ccme/internal/ccme/snapshotstore"
	"github.com/ccme-project/ccme/internal/ccme/tokencount"
	"github.com/ccme-project/ccme/internal/ccme/toolsupport"
	"github.com/ccme-project/ccme/internal/ccme/vram"
	"github.com/ccme-project/ccme/internal/logging"
)

const defaultTokenCacheSize = 4096

// Config is the engine configuration the facade reads and propagates to
// its components: SPEC_FULL §6's recognized options plus the Memory
// Guard's emergency keep-recent count and the VRAM poll interval.
type Config struct {
	ContextTargetSize    int
	ContextMinSize       int
	ContextMaxSize       int
	ContextAutoSize      bool
	ContextVRAMBuffer    uint64
	ContextKVQuantization model.KVQuantization

	Compression compression.Config

	SnapshotsEnabled       bool
	SnapshotsAutoCreate    bool
	SnapshotsAutoThreshold float64
	SnapshotsMaxCount      int

	MemoryGuardThresholds    memoryguard.Thresholds
	GuardEmergencyKeepRecent int

	ToolSupportSessionTTLSec     int
	ToolSupportPromptDebounceSec int

	VRAMPollInterval time.Duration
}

// Manager is the Context Manager facade for one session.
type Manager struct {
	mu sync.Mutex

	sessionID string
	cfg       Config
	started   bool

	convCtx    *model.ConversationContext
	counter    *tokencount.Counter
	pool       *contextpool.Pool
	messages   *messagestore.Store
	checkpoints *checkpoint.Manager
	compressor *compression.Coordinator
	snapshots  *snapshotcoord.Coordinator
	guard      *memoryguard.Guard
	vramMon    *vram.Monitor
	tools      *toolsupport.Cache
	summarizer compression.Summarizer

	bus *events.Bus
	log *logging.Logger
}

// New wires a complete Manager for one session. summarizer and
// snapshotStore are the external Provider Adapter and Snapshot Store
// capabilities SPEC_FULL §6 consumes; vramSource defaults to
// vram.NewNvidiaSMISource when nil. profile/prompter/detector wire the
// Tool-Support Override Cache's external collaborators and may be nil
// (a nil profile or prompter degrades to the safety-first default and
// to never prompting, respectively).
func New(
	sessionID string,
	modelInfo model.ModelInfo,
	cfg Config,
	summarizer compression.Summarizer,
	snapshotStore snapshotstore.Store,
	vramSource vram.Source,
	profile toolsupport.ProfileSource,
	prompter toolsupport.UserPrompter,
	detector toolsupport.AutoDetector,
) (*Manager, error) {
	if vramSource == nil {
		vramSource = vram.NewNvidiaSMISource()
	}

	bus := events.New()
	convCtx := model.NewConversationContext(sessionID, modelInfo.ID, cfg.ContextTargetSize)
	counter := tokencount.New(defaultTokenCacheSize)

	pool := contextpool.New(
		contextpool.Bounds{Min: cfg.ContextMinSize, Target: cfg.ContextTargetSize, Max: cfg.ContextMaxSize},
		bus, sessionID,
		contextpool.WithReserveBuffer(cfg.ContextVRAMBuffer),
	)

	messages := messagestore.New(sessionID, convCtx, counter, pool, bus, messagestore.Config{
		CompressionThreshold:  cfg.Compression.Threshold,
		SnapshotAutoCreate:    cfg.SnapshotsAutoCreate,
		SnapshotAutoThreshold: cfg.SnapshotsAutoThreshold,
	})

	ckptMgr := checkpoint.New(counter)

	compressor := compression.New(sessionID, cfg.Compression, counter, ckptMgr, summarizer, bus)
	compressor.BindStore(messages)
	messages.SetCompressionRequester(compressor)

	log := logging.NewLoggerWithName("manager")

	snapCoord := snapshotcoord.New(sessionID, snapshotStore, bus)
	snapCoord.BindContext(convCtx)
	snapCoord.SetEdgeResetter(messages)
	messages.SetSnapshotRequester(&autoSnapshotRequester{coord: snapCoord, log: log})

	vramMon := vram.New(vramSource, cfg.VRAMPollInterval)

	guard := memoryguard.New(sessionID, memoryguard.Config{
		Thresholds:           cfg.MemoryGuardThresholds,
		CompressionThreshold: cfg.Compression.Threshold,
		EmergencyKeepRecent:  cfg.GuardEmergencyKeepRecent,
	}, &usageSource{messages: messages, pool: pool}, compressor, snapCoord, pool, messages, bus)

	toolCache, err := toolsupport.New(toolsupport.Config{
		SessionTTL:     time.Duration(cfg.ToolSupportSessionTTLSec) * time.Second,
		PromptDebounce: time.Duration(cfg.ToolSupportPromptDebounceSec) * time.Second,
	}, profile, prompter, detector)
	if err != nil {
		return nil, err
	}

	return &Manager{
		sessionID:   sessionID,
		cfg:         cfg,
		convCtx:     convCtx,
		counter:     counter,
		pool:        pool,
		messages:    messages,
		checkpoints: ckptMgr,
		compressor:  compressor,
		snapshots:   snapCoord,
		guard:       guard,
		vramMon:     vramMon,
		tools:       toolCache,
		summarizer:  summarizer,
		bus:         bus,
		log:         log,
	}, nil
}

// autoSnapshotRequester adapts the Snapshot Coordinator's
// create-and-return-id call to the Message Store's fire-and-forget
// SnapshotRequester contract, mirroring compression.Coordinator's own
// RequestCompression background-goroutine shape.
type autoSnapshotRequester struct {
	coord *snapshotcoord.Coordinator
	log   *logging.Logger
}

func (r *autoSnapshotRequester) RequestSnapshot(ctx context.Context, sessionID string) {
	go func() {
		if _, err := r.coord.CreateSnapshot(ctx, "auto"); err != nil {
			r.log.Warn("auto snapshot failed for %s: %v", sessionID, err)
		}
	}()
}

// usageSource reports the session's compression-threshold usage
// fraction to the Memory Guard.
type usageSource struct {
	messages *messagestore.Store
	pool     *contextpool.Pool
}

func (u *usageSource) UsageFraction() float64 {
	current, reserved := u.messages.Usage()
	return model.NewContextBudget(u.pool.ActiveSize(), reserved, current).UsageFraction()
}

// Start wires the VRAM sampler's readings to the Memory Guard and
// begins background sampling. Calling Start twice is a no-op.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.vramMon.OnSample(func(info model.VRAMInfo) {
		m.bus.Emit(ctx, events.Event{
			Name:      events.VRAMChange,
			SessionID: m.sessionID,
			Data:      map[string]any{"availableFraction": info.AvailableFraction()},
		})
		m.mu.Lock()
		defer m.mu.Unlock()
		m.guard.Observe(ctx, info)
	})
	m.vramMon.Start(ctx)
	m.started = true
}

// Stop tears down background sampling. Calling Stop before Start, or
// twice, is a no-op.
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.started {
		return
	}
	m.vramMon.Stop()
	m.started = false
}

// AddMessage delegates to the Message Store.
func (m *Manager) AddMessage(ctx context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.messages.Append(ctx, msg)
}

// GetContext returns a consistent, independent copy of the live
// context (SPEC_FULL §4.9's copy-on-read contract).
func (m *Manager) GetContext() *model.ConversationContext {
	return m.messages.Snapshot()
}

// GetUsage returns currentTokens, maxTokens, percentage, and per-tier
// checkpoint token accounting.
func (m *Manager) GetUsage() model.ContextUsage {
	current, reserved := m.messages.Usage()
	maxTokens := m.pool.ActiveSize()
	budget := model.NewContextBudget(maxTokens, reserved, current)

	perTier := make(map[model.Tier]int)
	for _, ck := range m.messages.Snapshot().Checkpoints {
		perTier[ck.Tier] += ck.CurrentTokens
	}

	return model.ContextUsage{
		CurrentTokens: current,
		MaxTokens:     maxTokens,
		Percentage:    budget.UsageFraction() * 100,
		PerTier:       perTier,
	}
}

// CreateSnapshot delegates to the Snapshot Coordinator.
func (m *Manager) CreateSnapshot(ctx context.Context, tag string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots.CreateSnapshot(ctx, tag)
}

// ListSnapshots delegates to the Snapshot Coordinator.
func (m *Manager) ListSnapshots(ctx context.Context) ([]model.SnapshotMetadata, error) {
	return m.snapshots.ListSnapshots(ctx, m.sessionID)
}

// RestoreSnapshot delegates to the Snapshot Coordinator under the
// facade's lock, since it swaps the live context in place.
func (m *Manager) RestoreSnapshot(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshots.RestoreSnapshot(ctx, id)
}

// Clear drops all messages, keeps the system prompt, and emits
// `cleared`.
func (m *Manager) Clear(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages.Clear(ctx)
}

// On subscribes listener to name and returns a function that cancels
// exactly this subscription.
func (m *Manager) On(name events.Name, l events.Listener) events.Unsubscribe {
	return m.bus.On(name, l)
}

// UpdateConfig hot-reconfigures thresholds and tier policy. A changed
// min/max/target size triggers a Context Pool resize.
func (m *Manager) UpdateConfig(ctx context.Context, cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()

	resize := cfg.ContextMinSize != m.cfg.ContextMinSize ||
		cfg.ContextMaxSize != m.cfg.ContextMaxSize ||
		cfg.ContextTargetSize != m.cfg.ContextTargetSize

	m.cfg = cfg
	m.compressor.UpdateConfig(cfg.Compression)
	m.messages.UpdateConfig(messagestore.Config{
		CompressionThreshold:  cfg.Compression.Threshold,
		SnapshotAutoCreate:    cfg.SnapshotsAutoCreate,
		SnapshotAutoThreshold: cfg.SnapshotsAutoThreshold,
	})

	if resize {
		m.pool.SetBounds(contextpool.Bounds{Min: cfg.ContextMinSize, Target: cfg.ContextTargetSize, Max: cfg.ContextMaxSize})
		m.pool.Resize(ctx, cfg.ContextTargetSize)
	}
}

// SupportsTools answers the Tool-Support Override Cache's lookup for
// modelID.
func (m *Manager) SupportsTools(modelID string) bool {
	return m.tools.Supports(modelID)
}

// HandleToolError routes a provider error the caller has already
// classified as tool-capability-related to the Tool-Support Override
// Cache.
func (m *Manager) HandleToolError(ctx context.Context, modelID string) {
	m.tools.HandleToolError(ctx, modelID)
}

// AutoDetectToolSupport probes modelID for tool support.
func (m *Manager) AutoDetectToolSupport(ctx context.Context, modelID string) {
	m.tools.AutoDetect(ctx, modelID)
}

// HotSwap performs SPEC_FULL §4.10's mode transition: it snapshots the
// current context, summarizes it into a single system-prompt prefix,
// then atomically clears the message sequence and reseeds the system
// prompt and task definition. newTaskDefinition may be empty to leave
// the task definition unset. Returns the mode-transition snapshot id.
func (m *Manager) HotSwap(ctx context.Context, newTaskDefinition, modeLabel string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snapshotID, err := m.snapshots.CreateSnapshot(ctx, "mode-transition")
	if err != nil {
		return "", err
	}

	live := m.messages.Snapshot()
	summary := ""
	if m.summarizer != nil && len(live.Messages) > 0 {
		summary, err = m.summarizer.Summarize(ctx, live.Messages, m.cfg.Compression.SummaryMaxTokens)
		if err != nil {
			return "", ccmeerr.Wrap(ccmeerr.KindCompressionFailed, "hot-swap summarization failed", err)
		}
	}

	prompt := model.NewTextMessage(model.RoleSystem, summary, time.Now())
	m.counter.Refresh(prompt)

	var taskDef *model.NeverCompressedSection
	if newTaskDefinition != "" {
		taskDef = &model.NeverCompressedSection{
			ID:        uuid.NewString(),
			Kind:      "task_definition",
			Content:   newTaskDefinition,
			CreatedAt: time.Now(),
		}
		taskDef.TokenCount = m.counter.CountText(taskDef.Content)
	}

	m.messages.ClearAndReseed(ctx, prompt, taskDef)
	m.log.Info("hot-swap complete for session %s (mode=%s, snapshot=%s)", m.sessionID, modeLabel, snapshotID)
	return snapshotID, nil
}
