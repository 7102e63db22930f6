package snapshotstore

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ccme-project/ccme/internal/ccme/ccmeerr"
	"github.com/ccme-project/ccme/internal/ccme/model"
)

// PostgresBlobStore persists snapshot blobs in a table, exercising the
// example pack's jackc/pgx/v5 driver. There is no source-platform
// SQL-backed store to ground the query shapes on directly; the pool
// lifecycle and parameterized-query style follow pgx/v5's documented
// pgxpool usage.
//
// Expected schema:
//
//	CREATE TABLE ccme_snapshots (
//	    id          TEXT PRIMARY KEY,
//	    session_id  TEXT NOT NULL,
//	    created_at  TIMESTAMPTZ NOT NULL,
//	    tag         TEXT NOT NULL DEFAULT '',
//	    checksum    TEXT NOT NULL,
//	    payload     JSONB NOT NULL
//	);
//	CREATE INDEX ccme_snapshots_session_idx ON ccme_snapshots (session_id, created_at DESC);
type PostgresBlobStore struct {
	pool *pgxpool.Pool
}

// NewPostgresBlobStore wraps an already-connected pgxpool.Pool.
func NewPostgresBlobStore(pool *pgxpool.Pool) *PostgresBlobStore {
	return &PostgresBlobStore{pool: pool}
}

func (s *PostgresBlobStore) BasePath() string { return "postgres" }

// Put upserts blob by id.
func (s *PostgresBlobStore) Put(ctx context.Context, sessionID, id string, blob Blob) error {
	blob.Version = blobVersion
	payload, err := json.Marshal(blob.Context)
	if err != nil {
		return ccmeerr.Wrap(ccmeerr.KindSnapshotFailed, "encode snapshot", err)
	}
	blob.Checksum = ContentHash(payload)

	_, err = s.pool.Exec(ctx, `
		INSERT INTO ccme_snapshots (id, session_id, created_at, tag, checksum, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO UPDATE SET
			created_at = EXCLUDED.created_at,
			tag = EXCLUDED.tag,
			checksum = EXCLUDED.checksum,
			payload = EXCLUDED.payload
	`, id, sessionID, blob.CreatedAt, blob.Tag, blob.Checksum, payload)
	if err != nil {
		return ccmeerr.Wrap(ccmeerr.KindSnapshotFailed, "insert snapshot", err)
	}
	return nil
}

// Get reads and validates a blob by id.
func (s *PostgresBlobStore) Get(ctx context.Context, id string) (Blob, error) {
	var (
		sessionID, tag, checksum string
		createdAt                time.Time
		payload                  []byte
	)
	row := s.pool.QueryRow(ctx, `
		SELECT session_id, created_at, tag, checksum, payload
		FROM ccme_snapshots WHERE id = $1
	`, id)
	if err := row.Scan(&sessionID, &createdAt, &tag, &checksum, &payload); err != nil {
		return Blob{}, ccmeerr.Wrap(ccmeerr.KindSnapshotFailed, "query snapshot", err)
	}

	var cc model.ConversationContext
	if err := json.Unmarshal(payload, &cc); err != nil {
		return Blob{}, ccmeerr.Wrap(ccmeerr.KindSnapshotCorrupt, "decode snapshot payload", err)
	}
	// JSONB does not keep the stored bytes (key order and spacing are
	// normalized), so hash the re-encoded context, as the other backends do.
	reencoded, err := json.Marshal(&cc)
	if err != nil {
		return Blob{}, ccmeerr.Wrap(ccmeerr.KindSnapshotCorrupt, "re-encode context for checksum", err)
	}
	if ContentHash(reencoded) != checksum {
		return Blob{}, ccmeerr.New(ccmeerr.KindSnapshotCorrupt, "checksum mismatch for snapshot "+id)
	}

	return Blob{
		Version:   blobVersion,
		ID:        id,
		SessionID: sessionID,
		CreatedAt: createdAt,
		Tag:       tag,
		Checksum:  checksum,
		Context:   &cc,
	}, nil
}

// List returns metadata for sessionID's snapshots, newest first.
func (s *PostgresBlobStore) List(ctx context.Context, sessionID string) ([]model.SnapshotMetadata, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, session_id, created_at, tag, octet_length(payload)
		FROM ccme_snapshots WHERE session_id = $1
		ORDER BY created_at DESC
	`, sessionID)
	if err != nil {
		return nil, ccmeerr.Wrap(ccmeerr.KindSnapshotFailed, "query snapshot list", err)
	}
	defer rows.Close()

	var out []model.SnapshotMetadata
	for rows.Next() {
		var m model.SnapshotMetadata
		var createdAt time.Time
		if err := rows.Scan(&m.ID, &m.SessionID, &createdAt, &m.Tag, &m.SizeBytes); err != nil {
			return nil, ccmeerr.Wrap(ccmeerr.KindSnapshotFailed, "scan snapshot row", err)
		}
		m.CreatedAt = createdAt
		out = append(out, m)
	}
	return out, rows.Err()
}

// Delete removes a snapshot by id.
func (s *PostgresBlobStore) Delete(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM ccme_snapshots WHERE id = $1`, id)
	if err != nil {
		return ccmeerr.Wrap(ccmeerr.KindSnapshotFailed, "delete snapshot", err)
	}
	if tag.RowsAffected() == 0 {
		return ccmeerr.New(ccmeerr.KindSnapshotFailed, "no such snapshot: "+id)
	}
	return nil
}
