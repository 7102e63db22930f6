// Package compression implements the Compression Coordinator (C7): the
// engine's information-reduction heart. It runs the nine-step pass from
// SPEC_FULL §4.6 under a per-session exclusion flag, honoring
// cancellation and never partially applying a pass.
//
// Grounded on the source platform's internal/llm/compression.CompressionCoordinator
// (compressInternal's snapshot-then-commit shape, shouldCompressInternal's
// threshold check) and internal/llm/compression/strategies.go's
// truncate/summarize strategy split, adapted to the spec's exact
// checkpoint-producing algorithm instead of the source's
// drop-older-messages-in-place behavior.
package compression

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ccme-project/ccme/internal/ccme/ccmeerr"
	"github.com/ccme-project/ccme/internal/ccme/checkpoint"
	"github.com/ccme-project/ccme/internal/ccme/events"
	"github.com/ccme-project/ccme/internal/ccme/model"
	"github.com/ccme-project/ccme/internal/ccme/tokencount"
	"github.com/ccme-project/ccme/internal/logging"
)

// Strategy selects how the compressible window is reduced.
type Strategy string

const (
	StrategyTruncate  Strategy = "truncate"
	StrategySummarize Strategy = "summarize"
	StrategyHybrid    Strategy = "hybrid"
)

// TierCap bounds how many checkpoints a tier policy retains.
type TierCap int

const (
	TierMinimal TierCap = 2
	TierBasic   TierCap = 4
	TierStandard TierCap = 8
	TierPremium  TierCap = 16
	TierUltra    TierCap = 32
)

// Config holds the coordinator's tunable parameters.
type Config struct {
	Strategy         Strategy
	Threshold        float64
	PreserveRecent   int
	SummaryMaxTokens int
	TierCap          TierCap
}

// Summarizer is the provider adapter's summarization capability: it
// asks the model for a fixed-format summary (task, key decisions, files
// modified, outstanding questions) over the given messages.
type Summarizer interface {
	Summarize(ctx context.Context, messages []*model.Message, maxTokens int) (string, error)
}

// Result reports the outcome of one compression pass.
type Result struct {
	Skipped           bool
	Reason            string
	TokensBefore      int
	TokensAfter       int
	CompressionNumber int64
}

// ContextSource supplies a point-in-time, independent copy of the live
// ConversationContext a pass computes against.
type ContextSource interface {
	Snapshot() *model.ConversationContext
}

// ContextCommitter applies a finished pass back into the live context
// under whatever lock serializes concurrent mutations (Append/Edit/
// Clear), so the commit is atomic with respect to messages appended
// while the pass was computing (SPEC_FULL §4.6, §5). The Message Store
// implements this.
type ContextCommitter interface {
	CommitCompression(ctx context.Context, compressedCount int, rangeEndID string, apply func(*model.ConversationContext)) (tokensAfter int, ok bool)
}

// ContextStore is the Message Store's view as seen by the coordinator.
type ContextStore interface {
	ContextSource
	ContextCommitter
}

// Coordinator runs compression passes for one session. RequestCompression
// and ForceCompression compute a pass against a snapshot of the bound
// Message Store and commit it back through the store's own lock, so a
// scheduled pass never races the store's Append/Edit/Clear calls. Run is
// for callers that already own and serialize access to a
// ConversationContext directly (tests, and any synchronous caller);
// the coordinator's own mutex only protects the running flag and
// configuration.
type Coordinator struct {
	mu sync.Mutex

	sessionID  string
	cfg        Config
	counter    *tokencount.Counter
	checkpoint *checkpoint.Manager
	summarizer Summarizer
	bus        *events.Bus
	log        *logging.Logger

	store ContextStore

	running           bool
	compressionNumber int64
}

// New constructs a Coordinator for one session.
func New(sessionID string, cfg Config, counter *tokencount.Counter, ckptMgr *checkpoint.Manager, summarizer Summarizer, bus *events.Bus) *Coordinator {
	return &Coordinator{
		sessionID:  sessionID,
		cfg:        cfg,
		counter:    counter,
		checkpoint: ckptMgr,
		summarizer: summarizer,
		bus:        bus,
		log:        logging.NewLoggerWithName("compression"),
	}
}

// BindStore wires the Message Store the coordinator computes passes
// against and commits into. The Context Manager facade calls this once
// at session start; RequestCompression/ForceCompression are no-ops
// until it is called.
func (c *Coordinator) BindStore(store ContextStore) {
	c.mu.Lock()
	c.store = store
	c.mu.Unlock()
}

// IsRunning reports whether a pass is currently in flight for sessionID.
// The coordinator only ever serves one session, so sessionID is not
// consulted; it is accepted to satisfy the Message Store's
// CompressionRequester interface.
func (c *Coordinator) IsRunning(sessionID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// UpdateConfig hot-reconfigures the coordinator.
func (c *Coordinator) UpdateConfig(cfg Config) {
	c.mu.Lock()
	c.cfg = cfg
	c.mu.Unlock()
}

// RequestCompression triggers a pass if one is not already running. A
// concurrent request while a pass is in flight is dropped, not queued,
// per SPEC_FULL §4.6's concurrency contract. The pass computes against
// a snapshot of the bound Message Store and commits through it, so it
// never races a concurrent Append.
func (c *Coordinator) RequestCompression(ctx context.Context, sessionID string) {
	go func() {
		_, err := c.runAndCommit(ctx, false)
		if err != nil {
			c.log.Warn("background compression pass failed: %v", err)
		}
	}()
}

// ForceCompression runs a pass regardless of the configured usage
// threshold, for the Memory Guard's critical state (SPEC_FULL §4.8:
// "force compression regardless of usage threshold").
func (c *Coordinator) ForceCompression(ctx context.Context, sessionID string) {
	go func() {
		_, err := c.runAndCommit(ctx, true)
		if err != nil {
			c.log.Warn("forced compression pass failed: %v", err)
		}
	}()
}

// Run executes one compression pass directly against convCtx, mutating
// it in place only on commit; a cancelled or failed pass leaves it
// untouched. It is for callers that already own and serialize access to
// convCtx themselves (the unit tests below). RequestCompression and
// ForceCompression do not use this path — they route through the bound
// Message Store's ContextCommitter instead, so a background pass commits
// atomically with concurrent Append/Edit/Clear calls.
func (c *Coordinator) Run(parent context.Context, convCtx *model.ConversationContext) (Result, error) {
	if !c.tryAcquire() {
		return Result{Skipped: true, Reason: "already running"}, nil
	}
	defer c.release()

	if convCtx == nil {
		return Result{Skipped: true, Reason: "no context bound to this request"}, nil
	}

	working := convCtx.Clone()
	pr, skipped, err := c.computePass(parent, working, false)
	if err != nil {
		return Result{}, err
	}
	if skipped {
		return pr.result, nil
	}

	working.Messages = working.Messages[pr.compressedCount:]
	working.Checkpoints = pr.checkpoints
	working.Metadata.CompressionHistory = append(working.Metadata.CompressionHistory, pr.historyEntry)
	*convCtx = *working

	pr.result.TokensAfter = convCtx.CurrentTokens()
	c.emitCompressed(parent, pr)
	return pr.result, nil
}

// runAndCommit computes a pass against a snapshot of the bound Message
// Store and commits it back through the store's own lock.
func (c *Coordinator) runAndCommit(parent context.Context, force bool) (Result, error) {
	if !c.tryAcquire() {
		return Result{Skipped: true, Reason: "already running"}, nil
	}
	defer c.release()

	c.mu.Lock()
	store := c.store
	c.mu.Unlock()
	if store == nil {
		return Result{Skipped: true, Reason: "no store bound to this request"}, nil
	}

	working := store.Snapshot()
	pr, skipped, err := c.computePass(parent, working, force)
	if err != nil {
		return Result{}, err
	}
	if skipped {
		return pr.result, nil
	}

	tokensAfter, ok := store.CommitCompression(parent, pr.compressedCount, pr.rangeEndID, func(live *model.ConversationContext) {
		live.Checkpoints = pr.checkpoints
		live.Metadata.CompressionHistory = append(live.Metadata.CompressionHistory, pr.historyEntry)
	})
	if !ok {
		return Result{Skipped: true, Reason: "stale pass: live context changed while compressing"}, nil
	}

	pr.result.TokensAfter = tokensAfter
	c.emitCompressed(parent, pr)
	return pr.result, nil
}

func (c *Coordinator) tryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return false
	}
	c.running = true
	return true
}

func (c *Coordinator) release() {
	c.mu.Lock()
	c.running = false
	c.mu.Unlock()
}

func (c *Coordinator) emitCompressed(parent context.Context, pr passOutcome) {
	if c.bus == nil {
		return
	}
	c.bus.Emit(parent, events.Event{
		Name:      events.Compressed,
		SessionID: c.sessionID,
		Data: map[string]any{
			"tokensBefore":      pr.result.TokensBefore,
			"tokensAfter":       pr.checkpoint.CurrentTokens,
			"compressionNumber": pr.result.CompressionNumber,
		},
	})
}

// passOutcome is the pure computation of one compression pass against a
// point-in-time snapshot, before it is committed into a live context —
// either directly (Run) or through the Message Store's lock
// (runAndCommit).
type passOutcome struct {
	result          Result
	compressedCount int
	rangeEndID      string
	checkpoint      *model.Checkpoint
	checkpoints     []*model.Checkpoint
	historyEntry    model.CompressionHistoryEntry
}

// computePass runs steps 1-8 of the pass against working, a snapshot
// already isolated from the live context, without committing anything.
// The boolean return is true when the pass was skipped (below
// threshold, nothing to compress); skipped passes carry no checkpoint.
func (c *Coordinator) computePass(parent context.Context, working *model.ConversationContext, force bool) (passOutcome, bool, error) {
	maxTokens := working.Metadata.ContextWindowTokens
	budget := model.NewContextBudget(maxTokens, working.ReservedTokens(), working.CurrentTokens())
	usage := budget.UsageFraction()

	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	// Step 2: proceed only once usage has reached the threshold fraction,
	// tolerating floating-point drift via the shared epsilon. A forced
	// pass (Memory Guard critical state) skips this check entirely.
	if !force && !model.GreaterOrEqualWithEpsilon(usage, cfg.Threshold) {
		return passOutcome{result: Result{Skipped: true, Reason: "below threshold"}}, true, nil
	}

	// Step 3: recent window.
	preserveN := cfg.PreserveRecent
	if preserveN > len(working.Messages) {
		preserveN = len(working.Messages)
	}
	splitIdx := len(working.Messages) - preserveN
	compressible := working.Messages[:splitIdx]

	// Step 4.
	if len(compressible) == 0 {
		return passOutcome{result: Result{Skipped: true, Reason: "empty compressible window"}}, true, nil
	}

	select {
	case <-parent.Done():
		return passOutcome{}, false, ccmeerr.Wrap(ccmeerr.KindCancelled, "compression cancelled", parent.Err())
	default:
	}

	rangeStart := compressible[0].ID
	rangeEnd := compressible[len(compressible)-1].ID
	originalTokens := 0
	for _, m := range compressible {
		originalTokens += m.TokenCount
	}

	// Step 5: apply strategy.
	var ck *model.Checkpoint
	var err error
	switch cfg.Strategy {
	case StrategyTruncate:
		ck = c.truncate(compressible, rangeStart, rangeEnd, originalTokens)
	case StrategySummarize:
		ck, err = c.summarize(parent, compressible, rangeStart, rangeEnd, originalTokens, cfg.SummaryMaxTokens, false)
	case StrategyHybrid:
		ck, err = c.summarize(parent, compressible, rangeStart, rangeEnd, originalTokens, cfg.SummaryMaxTokens, true)
	default:
		ck = c.truncate(compressible, rangeStart, rangeEnd, originalTokens)
	}

	if err != nil {
		if c.bus != nil {
			c.bus.Emit(parent, events.Event{
				Name:      events.CompressionFailed,
				SessionID: c.sessionID,
				Data:      map[string]any{"error": err.Error()},
			})
		}
		return passOutcome{}, false, ccmeerr.Wrap(ccmeerr.KindCompressionFailed, "compression pass failed", err)
	}

	c.mu.Lock()
	c.compressionNumber++
	ck.CompressionNumber = c.compressionNumber
	compressionNumber := c.compressionNumber
	c.mu.Unlock()

	ck.RangeStartSeq = compressible[0].Seq
	ck.RangeEndSeq = compressible[len(compressible)-1].Seq

	// Step 6: append the new checkpoint alongside the ones already
	// covering earlier ranges.
	newCheckpoints := append(append([]*model.Checkpoint{}, working.Checkpoints...), ck)

	// Step 7.
	if c.checkpoint != nil {
		c.checkpoint.CompressOldCheckpoints(newCheckpoints, compressionNumber)
	}

	// Step 8: tier cap.
	if c.checkpoint != nil && len(newCheckpoints) > int(cfg.TierCap) {
		checkpoint.SortCheckpointsByCreation(newCheckpoints)
		merged, mergeErr := c.mergeOldestContiguous(newCheckpoints)
		if mergeErr == nil {
			newCheckpoints = merged
		} else {
			c.log.Warn("tier cap exceeded but no contiguous pair to merge: %v", mergeErr)
		}
	}

	return passOutcome{
		result: Result{
			TokensBefore:      originalTokens,
			CompressionNumber: compressionNumber,
		},
		compressedCount: len(compressible),
		rangeEndID:      rangeEnd,
		checkpoint:      ck,
		checkpoints:     newCheckpoints,
		historyEntry: model.CompressionHistoryEntry{
			Timestamp:       timeNow(),
			RangeStartID:    rangeStart,
			RangeEndID:      rangeEnd,
			TokensReclaimed: originalTokens - ck.CurrentTokens,
		},
	}, false, nil
}

func (c *Coordinator) truncate(messages []*model.Message, rangeStart, rangeEnd string, originalTokens int) *model.Checkpoint {
	oneLine := "Dropped " + strconv.Itoa(len(messages)) + " messages (" + strconv.Itoa(originalTokens) + " tokens)."
	summary := model.NewTextMessage(model.RoleAssistant, oneLine, timeNow())
	if c.counter != nil {
		c.counter.Refresh(summary)
	}
	return &model.Checkpoint{
		ID:             uuid.NewString(),
		Tier:           model.TierCompact,
		RangeStartID:   rangeStart,
		RangeEndID:     rangeEnd,
		Summary:        summary,
		CreatedAt:      timeNow(),
		OriginalTokens: originalTokens,
		CurrentTokens:  summary.TokenCount,
	}
}

func (c *Coordinator) summarize(ctx context.Context, messages []*model.Message, rangeStart, rangeEnd string, originalTokens, maxTokens int, hybrid bool) (*model.Checkpoint, error) {
	if c.summarizer == nil {
		return nil, ccmeerr.New(ccmeerr.KindCompressionFailed, "no summarizer configured")
	}
	text, err := c.summarizer.Summarize(ctx, messages, maxTokens)
	if err != nil {
		return nil, err
	}

	tier := model.TierRich
	compressionCount := 0
	if hybrid && c.counter != nil && c.counter.CountText(text) > maxTokens {
		text = truncateToApproxTokens(text, maxTokens)
		compressionCount = 1
	}

	summary := model.NewTextMessage(model.RoleAssistant, text, timeNow())
	if c.counter != nil {
		c.counter.Refresh(summary)
	}

	return &model.Checkpoint{
		ID:               uuid.NewString(),
		Tier:             tier,
		RangeStartID:     rangeStart,
		RangeEndID:       rangeEnd,
		Summary:          summary,
		CreatedAt:        timeNow(),
		OriginalTokens:   originalTokens,
		CurrentTokens:    summary.TokenCount,
		CompressionCount: compressionCount,
	}, nil
}

// mergeOldestContiguous finds the oldest contiguous pair (by creation
// order, already sorted by the caller) and merges it via the Checkpoint
// Manager, returning the resulting slice with the pair replaced.
func (c *Coordinator) mergeOldestContiguous(checkpoints []*model.Checkpoint) ([]*model.Checkpoint, error) {
	for i := 0; i < len(checkpoints)-1; i++ {
		a, b := checkpoints[i], checkpoints[i+1]
		if a.RangeEndSeq != 0 && a.RangeEndSeq+1 == b.RangeStartSeq {
			merged, err := c.checkpoint.MergeCheckpoints([]*model.Checkpoint{a, b}, timeNow())
			if err != nil {
				continue
			}
			out := make([]*model.Checkpoint, 0, len(checkpoints)-1)
			out = append(out, checkpoints[:i]...)
			out = append(out, merged)
			out = append(out, checkpoints[i+2:]...)
			return out, nil
		}
	}
	return nil, ccmeerr.ErrNoContiguousPair
}

func truncateToApproxTokens(text string, maxTokens int) string {
	maxChars := maxTokens * 4
	if maxChars <= 0 || len(text) <= maxChars {
		return text
	}
	return strings.TrimSpace(text[:maxChars]) + " [...truncated]"
}

// timeNow is a thin indirection point so tests can't accidentally trip
// over wall-clock flakiness when asserting ordering; production uses the
// real clock.
var timeNow = time.Now
