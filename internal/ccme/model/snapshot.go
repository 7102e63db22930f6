package model

import "time"

// Snapshot is an immutable, self-contained serialization of a
// ConversationContext plus the metadata needed to catalog and restore
// it. Restoring one copies the stored context rather than sharing a
// pointer. Snapshot ids are random UUIDs, not derived from content; the
// store keeps a blake2b-256 checksum of the serialized context to
// detect corruption.
type Snapshot struct {
	ID        string
	SessionID string
	CreatedAt time.Time
	// Tag marks provenance ("emergency" for Memory-Guard-created
	// snapshots, "" for ordinary ones); CleanupOldSnapshots keeps
	// "emergency"-tagged snapshots first (open question (b)).
	Tag     string
	Context *ConversationContext
}

// SnapshotMetadata is the lightweight listing shape returned by
// list_snapshots, without materializing the full context.
type SnapshotMetadata struct {
	ID        string
	SessionID string
	CreatedAt time.Time
	Tag       string
	SizeBytes int
}
