// Package snapshotstore implements the Snapshot Store (C3): persists
// and loads immutable snapshot blobs indexed by session, behind a
// Store interface with a filesystem-backed default and Redis/Postgres
// alternates.
//
// The filesystem backend is grounded on the source platform's
// internal/persistence/store.go writeAtomic (temp-file + os.Rename) and
// its on-disk layout conventions. The Redis backend is grounded on
// internal/redis/redis.go's Client wrapper. The Postgres backend is new
// code exercising the example pack's jackc/pgx/v5, grounded on that
// driver's documented pgxpool usage rather than on any single source
// file (the source platform has no SQL-backed persistence layer).
package snapshotstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/ccme-project/ccme/internal/ccme/ccmeerr"
	"github.com/ccme-project/ccme/internal/ccme/model"
)

// Blob is the self-describing, version-tagged serialization unit
// written to the store (SPEC_FULL §6).
type Blob struct {
	Version   int                  `json:"version"`
	ID        string               `json:"id"`
	SessionID string               `json:"sessionId"`
	CreatedAt time.Time            `json:"createdAt"`
	Tag       string               `json:"tag,omitempty"`
	Context   *model.ConversationContext `json:"context"`
	Checksum  string               `json:"checksum"`
}

const blobVersion = 1

// ContentHash returns the hex blake2b-256 digest of data, a serialized
// context, used as an integrity checksum on write and read.
func ContentHash(data []byte) string {
	sum := blake2b.Sum256(data)
	return fmt.Sprintf("%x", sum)
}

// Store is the persistence contract the Snapshot Coordinator consumes.
type Store interface {
	Put(ctx context.Context, sessionID, id string, blob Blob) error
	Get(ctx context.Context, id string) (Blob, error)
	List(ctx context.Context, sessionID string) ([]model.SnapshotMetadata, error)
	Delete(ctx context.Context, id string) error
	BasePath() string
}

// FileBlobStore persists snapshots under <base>/<sessionId>/<snapshotId>.snap
// using write-temp-then-rename semantics.
type FileBlobStore struct {
	mu   sync.Mutex
	base string
}

// NewFileBlobStore constructs a FileBlobStore rooted at base.
func NewFileBlobStore(base string) *FileBlobStore {
	return &FileBlobStore{base: base}
}

func (s *FileBlobStore) BasePath() string { return s.base }

func (s *FileBlobStore) path(sessionID, id string) string {
	return filepath.Join(s.base, sessionID, id+".snap")
}

// Put serializes blob to JSON, stamps its checksum, and writes it via
// write-temp-then-rename so a crash mid-write never leaves a corrupt
// file at the final path.
func (s *FileBlobStore) Put(ctx context.Context, sessionID, id string, blob Blob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob.Version = blobVersion
	payload, err := json.Marshal(blob.Context)
	if err != nil {
		return ccmeerr.Wrap(ccmeerr.KindSnapshotFailed, "encode snapshot", err)
	}
	blob.Checksum = ContentHash(payload)

	data, err := json.Marshal(blob)
	if err != nil {
		return ccmeerr.Wrap(ccmeerr.KindSnapshotFailed, "encode snapshot envelope", err)
	}

	dir := filepath.Join(s.base, sessionID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return ccmeerr.Wrap(ccmeerr.KindSnapshotFailed, "create session directory", err)
	}

	return writeAtomic(s.path(sessionID, id), data)
}

// Get reads and validates a blob by id. Corruption (checksum mismatch
// or malformed JSON) is surfaced as KindSnapshotCorrupt.
func (s *FileBlobStore) Get(ctx context.Context, id string) (Blob, error) {
	match, err := s.findByID(id)
	if err != nil {
		return Blob{}, err
	}

	data, err := os.ReadFile(match)
	if err != nil {
		return Blob{}, ccmeerr.Wrap(ccmeerr.KindSnapshotFailed, "read snapshot", err)
	}

	var blob Blob
	if err := json.Unmarshal(data, &blob); err != nil {
		return Blob{}, ccmeerr.Wrap(ccmeerr.KindSnapshotCorrupt, "decode snapshot envelope", err)
	}

	payload, err := json.Marshal(blob.Context)
	if err != nil {
		return Blob{}, ccmeerr.Wrap(ccmeerr.KindSnapshotCorrupt, "re-encode context for checksum", err)
	}
	if ContentHash(payload) != blob.Checksum {
		return Blob{}, ccmeerr.New(ccmeerr.KindSnapshotCorrupt, "checksum mismatch for snapshot "+id)
	}
	return blob, nil
}

func (s *FileBlobStore) findByID(id string) (string, error) {
	var found string
	err := filepath.Walk(s.base, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		if !info.IsDir() && filepath.Base(path) == id+".snap" {
			found = path
		}
		return nil
	})
	if err != nil {
		return "", ccmeerr.Wrap(ccmeerr.KindSnapshotFailed, "search for snapshot", err)
	}
	if found == "" {
		return "", ccmeerr.New(ccmeerr.KindSnapshotFailed, "no such snapshot: "+id)
	}
	return found, nil
}

// List returns metadata for every snapshot under sessionID, newest
// first.
func (s *FileBlobStore) List(ctx context.Context, sessionID string) ([]model.SnapshotMetadata, error) {
	dir := filepath.Join(s.base, sessionID)
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, ccmeerr.Wrap(ccmeerr.KindSnapshotFailed, "list snapshots", err)
	}

	out := make([]model.SnapshotMetadata, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var blob Blob
		if err := json.Unmarshal(data, &blob); err != nil {
			continue
		}
		out = append(out, model.SnapshotMetadata{
			ID:        blob.ID,
			SessionID: blob.SessionID,
			CreatedAt: blob.CreatedAt,
			Tag:       blob.Tag,
			SizeBytes: len(data),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Delete removes a snapshot by id.
func (s *FileBlobStore) Delete(ctx context.Context, id string) error {
	match, err := s.findByID(id)
	if err != nil {
		return err
	}
	if err := os.Remove(match); err != nil {
		return ccmeerr.Wrap(ccmeerr.KindSnapshotFailed, "delete snapshot", err)
	}
	return nil
}

func writeAtomic(filename string, data []byte) error {
	tempFile := filename + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return ccmeerr.Wrap(ccmeerr.KindSnapshotFailed, "write temp file", err)
	}
	if err := os.Rename(tempFile, filename); err != nil {
		return ccmeerr.Wrap(ccmeerr.KindSnapshotFailed, "rename into place", err)
	}
	return nil
}
