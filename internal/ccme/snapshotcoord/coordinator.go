// Package snapshotcoord implements the Snapshot Coordinator (C8):
// create, list, restore, and garbage-collect snapshots against a
// snapshotstore.Store, atomically swapping a restored context back into
// the owning session.
//
// Grounded on the source platform's internal/llm/compression.Compressor
// snapshot-then-commit shape (read under a lock, mutate a clone, commit
// by pointer swap) for restore_snapshot, and on internal/persistence's
// directory-scan-then-sort listing style for list_snapshots and
// cleanup_old_snapshots.
package snapshotcoord

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ccme-project/ccme/internal/ccme/ccmeerr"
	"github.com/ccme-project/ccme/internal/ccme/events"
	"github.com/ccme-project/ccme/internal/ccme/model"
	"github.com/ccme-project/ccme/internal/ccme/snapshotstore"
)

// EdgeResetter re-arms the Message Store's snapshot-trigger edge after
// a restore so a still-high usage fraction can fire another snapshot.
type EdgeResetter interface {
	ResetSnapshotEdge()
}

// Coordinator owns snapshot lifecycle for one session's context.
type Coordinator struct {
	mu        sync.Mutex
	sessionID string
	store     snapshotstore.Store
	bus       *events.Bus
	edge      EdgeResetter
	convCtx   *model.ConversationContext
}

// New constructs a Coordinator. BindContext must be called before
// CreateSnapshot or RestoreSnapshot can act on a live context.
func New(sessionID string, store snapshotstore.Store, bus *events.Bus) *Coordinator {
	return &Coordinator{sessionID: sessionID, store: store, bus: bus}
}

// BindContext wires the live context this coordinator reads from and
// restores into.
func (c *Coordinator) BindContext(ctx *model.ConversationContext) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.convCtx = ctx
}

// SetEdgeResetter wires the Message Store so restore can reset its
// snapshot-trigger edge tracking.
func (c *Coordinator) SetEdgeResetter(r EdgeResetter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.edge = r
}

// CreateSnapshot serializes the current context and hands it to the
// store under the session id, returning the new snapshot id. tag marks
// provenance ("emergency" for Memory-Guard-created snapshots, "" for
// ordinary ones).
func (c *Coordinator) CreateSnapshot(ctx context.Context, tag string) (string, error) {
	c.mu.Lock()
	convCtx := c.convCtx
	c.mu.Unlock()

	if convCtx == nil {
		return "", ccmeerr.New(ccmeerr.KindSnapshotFailed, "no context bound to this coordinator")
	}

	id := uuid.NewString()
	blob := snapshotstore.Blob{
		ID:        id,
		SessionID: c.sessionID,
		CreatedAt: time.Now(),
		Tag:       tag,
		Context:   convCtx.Clone(),
	}
	if err := c.store.Put(ctx, c.sessionID, id, blob); err != nil {
		return "", err
	}

	c.bus.Emit(ctx, events.Event{
		Name:      events.SnapshotCreated,
		SessionID: c.sessionID,
		Data:      map[string]any{"snapshotId": id, "tag": tag},
	})
	return id, nil
}

// ListSnapshots returns sessionID's snapshots, newest first.
func (c *Coordinator) ListSnapshots(ctx context.Context, sessionID string) ([]model.SnapshotMetadata, error) {
	return c.store.List(ctx, sessionID)
}

// RestoreSnapshot reads the blob, rebuilds the Conversation Context,
// atomically swaps it into the bound context, resets the snapshot
// trigger's edge tracking, and emits restored.
func (c *Coordinator) RestoreSnapshot(ctx context.Context, id string) error {
	blob, err := c.store.Get(ctx, id)
	if err != nil {
		return err
	}

	c.mu.Lock()
	target := c.convCtx
	edge := c.edge
	c.mu.Unlock()

	if target == nil {
		return ccmeerr.New(ccmeerr.KindSnapshotFailed, "no context bound to this coordinator")
	}

	restored := blob.Context.Clone()
	*target = *restored

	if edge != nil {
		edge.ResetSnapshotEdge()
	}

	c.bus.Emit(ctx, events.Event{
		Name:      events.Restored,
		SessionID: c.sessionID,
		Data:      map[string]any{"snapshotId": id},
	})
	return nil
}

// CleanupOldSnapshots keeps at most keepN snapshots and deletes the
// rest. Snapshots tagged "emergency" take the kept slots first, newest
// first; any slots left over go to the newest ordinary snapshots.
func (c *Coordinator) CleanupOldSnapshots(ctx context.Context, keepN int) error {
	all, err := c.store.List(ctx, c.sessionID)
	if err != nil {
		return err
	}

	sort.Slice(all, func(i, j int) bool { return all[i].CreatedAt.After(all[j].CreatedAt) })

	var ordinary, emergency []model.SnapshotMetadata
	for _, m := range all {
		if m.Tag == "emergency" {
			emergency = append(emergency, m)
		} else {
			ordinary = append(ordinary, m)
		}
	}

	var toDelete []model.SnapshotMetadata
	if len(emergency) > keepN {
		toDelete = append(toDelete, emergency[keepN:]...)
	}
	remaining := keepN - len(emergency)
	if remaining < 0 {
		remaining = 0
	}
	if len(ordinary) > remaining {
		toDelete = append(toDelete, ordinary[remaining:]...)
	}

	for _, m := range toDelete {
		if err := c.store.Delete(ctx, m.ID); err != nil {
			return err
		}
	}
	return nil
}
