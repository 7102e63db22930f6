// Package messagestore implements the Message Store (C5): appends and
// replaces messages, keeps usage accounting current, and dispatches
// threshold-crossing callbacks for compression and snapshot triggers.
//
// Grounded on the source platform's internal/llm/compression.Compressor
// message-mutation bookkeeping and internal/llm/token_budget.go's
// windowed usage-check style; the threshold-dispatch edge tracking is
// new code built to SPEC_FULL §4.4's state-edge trigger contract, since
// the source checks usage on a timer rather than on crossing.
package messagestore

import (
	"context"
	"reflect"
	"sync"
	"time"

	"github.com/ccme-project/ccme/internal/ccme/ccmeerr"
	"github.com/ccme-project/ccme/internal/ccme/events"
	"github.com/ccme-project/ccme/internal/ccme/model"
	"github.com/ccme-project/ccme/internal/ccme/tokencount"
)

// BudgetSource supplies the active window size the store measures usage
// against; Context Pool implements this.
type BudgetSource interface {
	ActiveSize() int
}

// ThresholdListener is invoked on an upward crossing of a configured
// threshold fraction.
type ThresholdListener func(ctx context.Context, fraction float64)

// Config is the subset of engine configuration the Message Store reads
// on every append.
type Config struct {
	CompressionThreshold   float64
	SnapshotAutoCreate     bool
	SnapshotAutoThreshold  float64
	TestReplayMode         bool
}

// CompressionRequester schedules a compression pass; the Compression
// Coordinator implements this. Scheduling must not block the append.
type CompressionRequester interface {
	RequestCompression(ctx context.Context, sessionID string)
	IsRunning(sessionID string) bool
}

// SnapshotRequester schedules a snapshot; the Snapshot Coordinator
// implements this.
type SnapshotRequester interface {
	RequestSnapshot(ctx context.Context, sessionID string)
}

// Store is the Message Store component. One Store instance owns exactly
// one session's message sequence.
type Store struct {
	mu sync.Mutex

	sessionID string
	ctx       *model.ConversationContext

	counter *tokencount.Counter
	budget  BudgetSource
	bus     *events.Bus

	compressor CompressionRequester
	snapshots  SnapshotRequester

	cfg Config

	lastTimestamp time.Time
	lastSeq       int64

	// compressionThresholdCrossed / snapshotThresholdCrossed implement
	// the state-edge trigger: each is armed again only once usage drops
	// back below its threshold.
	compressionThresholdCrossed bool
	snapshotThresholdCrossed    bool

	// thresholdListeners are keyed by fraction and deduplicated by
	// listener identity (SPEC_FULL §9: callback sets keyed by identity).
	thresholdListeners map[float64]map[uintptr]ThresholdListener

	// genericThresholdCrossed implements the same armed/disarmed edge
	// for OnThreshold listeners, keyed by fraction, so a listener fires
	// exactly once per upward crossing rather than on every append that
	// still satisfies the threshold (P4).
	genericThresholdCrossed map[float64]bool
}

// New constructs a Store over an existing context.
func New(sessionID string, convCtx *model.ConversationContext, counter *tokencount.Counter, budget BudgetSource, bus *events.Bus, cfg Config) *Store {
	return &Store{
		sessionID:               sessionID,
		ctx:                     convCtx,
		counter:                 counter,
		budget:                  budget,
		bus:                     bus,
		cfg:                     cfg,
		thresholdListeners:      make(map[float64]map[uintptr]ThresholdListener),
		genericThresholdCrossed: make(map[float64]bool),
	}
}

// SetCompressionRequester wires the Compression Coordinator.
func (s *Store) SetCompressionRequester(r CompressionRequester) { s.compressor = r }

// SetSnapshotRequester wires the Snapshot Coordinator.
func (s *Store) SetSnapshotRequester(r SnapshotRequester) { s.snapshots = r }

// UpdateConfig hot-reconfigures the store's thresholds.
func (s *Store) UpdateConfig(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
}

// OnThreshold registers listener for fraction, deduplicated by the
// listener value's identity.
func (s *Store) OnThreshold(fraction float64, listener ThresholdListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket := s.thresholdListeners[fraction]
	if bucket == nil {
		bucket = make(map[uintptr]ThresholdListener)
		s.thresholdListeners[fraction] = bucket
	}
	bucket[listenerIdentity(listener)] = listener
}

// Append token-counts msg, assigns it a monotonic timestamp no earlier
// than the previous message's, and appends it atomically — readers
// never observe a torn state. It then runs threshold dispatch.
func (s *Store) Append(ctx context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.budget != nil && s.budget.ActiveSize() <= 0 {
		return ccmeerr.ErrContextFull
	}

	if !msg.Timestamp.After(s.lastTimestamp) {
		msg.Timestamp = s.lastTimestamp.Add(time.Nanosecond)
	}
	s.lastTimestamp = msg.Timestamp

	s.lastSeq++
	msg.Seq = s.lastSeq

	s.counter.Refresh(msg)

	maxTokens := 0
	if s.budget != nil {
		maxTokens = s.budget.ActiveSize()
	}
	projected := s.ctx.CurrentTokens() + msg.TokenCount
	if maxTokens > 0 && projected > maxTokens {
		if s.compressor == nil || s.compressor.IsRunning(s.sessionID) {
			return ccmeerr.ErrContextFull
		}
	}

	s.ctx.Messages = append(s.ctx.Messages, msg)

	if s.bus != nil {
		s.bus.Emit(ctx, events.Event{
			Name:      events.MessageAppended,
			SessionID: s.sessionID,
			Data:      map[string]any{"messageId": msg.ID},
		})
	}

	s.dispatch(ctx, maxTokens)
	return nil
}

// Edit replaces the message identified by id in place, recomputing its
// token count and re-running dispatch.
func (s *Store) Edit(ctx context.Context, id string, mutate func(*model.Message)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, idx := s.ctx.MessageByID(id)
	if idx < 0 {
		return ccmeerr.New(ccmeerr.KindInvalidConfig, "no such message: "+id)
	}
	replacement := s.ctx.Messages[idx].Clone()
	mutate(replacement)
	s.counter.Refresh(replacement)
	s.ctx.Messages[idx] = replacement

	maxTokens := 0
	if s.budget != nil {
		maxTokens = s.budget.ActiveSize()
	}
	s.dispatch(ctx, maxTokens)
	return nil
}

// TrimToRecent drops every live message except the last keepRecent,
// for the Memory Guard's emergency action (SPEC_FULL §4.8: "drop
// non-recent messages"). Never-compressed sections and checkpoints are
// untouched; dispatch re-runs so a drop below threshold re-arms edges.
func (s *Store) TrimToRecent(ctx context.Context, keepRecent int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if keepRecent < 0 {
		keepRecent = 0
	}
	if keepRecent >= len(s.ctx.Messages) {
		return nil
	}
	s.ctx.Messages = s.ctx.Messages[len(s.ctx.Messages)-keepRecent:]

	maxTokens := 0
	if s.budget != nil {
		maxTokens = s.budget.ActiveSize()
	}
	s.dispatch(ctx, maxTokens)
	return nil
}

// Snapshot returns a deep copy of the live context, safe for a
// concurrent reader (SPEC_FULL §4.9's "copy-on-read" contract for
// get_context()).
func (s *Store) Snapshot() *model.ConversationContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.Clone()
}

// Usage returns the live message token count and the reserved token
// count (system prompt, never-compressed sections, checkpoints) read
// under a single lock acquisition, for a consistent get_usage().
func (s *Store) Usage() (current, reserved int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx.CurrentTokens(), s.ctx.ReservedTokens()
}

// Clear drops every live message, keeping the system prompt, and
// re-arms both threshold edges (SPEC_FULL §4.9's "clear()").
func (s *Store) Clear(ctx context.Context) {
	s.mu.Lock()
	s.ctx.Messages = nil
	s.compressionThresholdCrossed = false
	s.snapshotThresholdCrossed = false
	s.rearmGenericThresholds()
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Emit(ctx, events.Event{Name: events.Cleared, SessionID: s.sessionID})
	}
}

// ClearAndReseed atomically drops every live message and replaces the
// system prompt and task definition in one lock acquisition, so a
// concurrent reader never observes messages cleared but the new system
// prompt not yet set (SPEC_FULL §4.10 Hot-Swap: "observers see either
// the old or new context, never an intermediate").
func (s *Store) ClearAndReseed(ctx context.Context, systemPrompt *model.Message, taskDefinition *model.NeverCompressedSection) {
	s.mu.Lock()
	s.ctx.Messages = nil
	s.ctx.SystemPrompt = systemPrompt
	s.ctx.TaskDefinition = taskDefinition
	s.compressionThresholdCrossed = false
	s.snapshotThresholdCrossed = false
	s.rearmGenericThresholds()
	s.mu.Unlock()

	if s.bus != nil {
		s.bus.Emit(ctx, events.Event{Name: events.Cleared, SessionID: s.sessionID, Data: map[string]any{"reason": "hot-swap"}})
	}
}

// dispatch implements threshold dispatch and the snapshot-trigger state
// edge. Caller must hold s.mu.
func (s *Store) dispatch(ctx context.Context, maxTokens int) {
	if maxTokens <= 0 {
		return
	}
	fraction := float64(s.ctx.CurrentTokens()) / float64(maxTokens)

	for listenerFraction, bucket := range s.thresholdListeners {
		crossed := model.GreaterOrEqualWithEpsilon(fraction, listenerFraction)
		if crossed && !s.genericThresholdCrossed[listenerFraction] {
			for _, l := range bucket {
				l(ctx, fraction)
			}
		}
		s.genericThresholdCrossed[listenerFraction] = crossed
	}

	crossedCompression := model.GreaterOrEqualWithEpsilon(fraction, s.cfg.CompressionThreshold)
	if crossedCompression && !s.compressionThresholdCrossed && !s.cfg.TestReplayMode {
		if s.compressor != nil && !s.compressor.IsRunning(s.sessionID) {
			s.compressor.RequestCompression(ctx, s.sessionID)
		}
	}
	s.compressionThresholdCrossed = crossedCompression

	if s.cfg.SnapshotAutoCreate {
		crossedSnapshot := model.GreaterOrEqualWithEpsilon(fraction, s.cfg.SnapshotAutoThreshold)
		if crossedSnapshot && !s.snapshotThresholdCrossed {
			if s.snapshots != nil {
				s.snapshots.RequestSnapshot(ctx, s.sessionID)
			}
		}
		s.snapshotThresholdCrossed = crossedSnapshot
	}
}

// ResetSnapshotEdge re-arms the snapshot-trigger edge, used by the
// Snapshot Coordinator after a restore (SPEC_FULL §4.7).
func (s *Store) ResetSnapshotEdge() {
	s.mu.Lock()
	s.snapshotThresholdCrossed = false
	s.mu.Unlock()
}

func listenerIdentity(l ThresholdListener) uintptr {
	return reflect.ValueOf(l).Pointer()
}

// rearmGenericThresholds resets every OnThreshold edge so the next
// append re-evaluates each fraction as a fresh crossing. Caller must
// hold s.mu.
func (s *Store) rearmGenericThresholds() {
	for k := range s.genericThresholdCrossed {
		s.genericThresholdCrossed[k] = false
	}
}

// CommitCompression atomically applies a finished compression pass into
// the live context, holding s.mu across the whole operation so it is
// linearized with Append/Edit/Clear (SPEC_FULL §5). compressedCount is
// the number of oldest live messages the pass compressed, and rangeEndID
// must still be the id of the message at that position — if it isn't,
// a concurrent mutation (an Append landing after the pass's snapshot
// shifted what "the oldest N messages" means, or a Clear/TrimToRecent)
// happened while the pass was computing, and the commit is discarded
// rather than silently dropping whatever changed. On success, apply
// receives the live context with the compressed prefix already removed
// so it can add the new checkpoint and update derived metadata; any
// messages appended during the pass remain, since they were never part
// of the removed prefix (SPEC_FULL §4.6).
func (s *Store) CommitCompression(ctx context.Context, compressedCount int, rangeEndID string, apply func(*model.ConversationContext)) (tokensAfter int, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if compressedCount <= 0 || compressedCount > len(s.ctx.Messages) {
		return 0, false
	}
	if s.ctx.Messages[compressedCount-1].ID != rangeEndID {
		return 0, false
	}

	s.ctx.Messages = append([]*model.Message(nil), s.ctx.Messages[compressedCount:]...)
	apply(s.ctx)

	maxTokens := 0
	if s.budget != nil {
		maxTokens = s.budget.ActiveSize()
	}
	s.dispatch(ctx, maxTokens)
	return s.ctx.CurrentTokens(), true
}
