package snapshotstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/go-redis/redis/v8"

	"github.com/ccme-project/ccme/internal/ccme/ccmeerr"
	"github.com/ccme-project/ccme/internal/ccme/model"
)

// RedisBlobStore persists snapshot blobs in Redis, grounded on the
// source platform's internal/redis.Client wrapper: a hash per session
// (snapshotId -> JSON blob) plus a sorted set ordered by creation time
// for list_snapshots.
type RedisBlobStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisBlobStore wraps an already-connected redis.Client. keyPrefix
// namespaces keys (e.g. "ccme:snapshots").
func NewRedisBlobStore(client *redis.Client, keyPrefix string) *RedisBlobStore {
	if keyPrefix == "" {
		keyPrefix = "ccme:snapshots"
	}
	return &RedisBlobStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisBlobStore) hashKey(sessionID string) string {
	return fmt.Sprintf("%s:%s:blobs", s.keyPrefix, sessionID)
}

func (s *RedisBlobStore) indexKey(sessionID string) string {
	return fmt.Sprintf("%s:%s:index", s.keyPrefix, sessionID)
}

func (s *RedisBlobStore) BasePath() string { return s.keyPrefix }

// Put writes blob to the session hash and indexes it by creation time
// in the companion sorted set.
func (s *RedisBlobStore) Put(ctx context.Context, sessionID, id string, blob Blob) error {
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

	if err := s.client.HSet(ctx, s.hashKey(sessionID), id, data).Err(); err != nil {
		return ccmeerr.Wrap(ccmeerr.KindSnapshotFailed, "write snapshot to redis", err)
	}
	if err := s.client.ZAdd(ctx, s.indexKey(sessionID), &redis.Z{
		Score:  float64(blob.CreatedAt.UnixNano()),
		Member: id,
	}).Err(); err != nil {
		return ccmeerr.Wrap(ccmeerr.KindSnapshotFailed, "index snapshot in redis", err)
	}
	return nil
}

// Get scans every session hash for id. Redis has no cross-session
// secondary index here, so the coordinator is expected to know the
// session id in the common path; this fallback mirrors FileBlobStore's
// Get(id)-only contract from SPEC_FULL §4.7.
func (s *RedisBlobStore) Get(ctx context.Context, id string) (Blob, error) {
	keys, err := s.client.Keys(ctx, s.keyPrefix+":*:blobs").Result()
	if err != nil {
		return Blob{}, ccmeerr.Wrap(ccmeerr.KindSnapshotFailed, "list session hashes", err)
	}
	for _, key := range keys {
		data, err := s.client.HGet(ctx, key, id).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return Blob{}, ccmeerr.Wrap(ccmeerr.KindSnapshotFailed, "read snapshot from redis", err)
		}
		return decodeAndVerify([]byte(data))
	}
	return Blob{}, ccmeerr.New(ccmeerr.KindSnapshotFailed, "no such snapshot: "+id)
}

// List returns metadata for sessionID's snapshots, newest first.
func (s *RedisBlobStore) List(ctx context.Context, sessionID string) ([]model.SnapshotMetadata, error) {
	ids, err := s.client.ZRevRange(ctx, s.indexKey(sessionID), 0, -1).Result()
	if err != nil {
		return nil, ccmeerr.Wrap(ccmeerr.KindSnapshotFailed, "read snapshot index", err)
	}

	out := make([]model.SnapshotMetadata, 0, len(ids))
	for _, id := range ids {
		data, err := s.client.HGet(ctx, s.hashKey(sessionID), id).Result()
		if err != nil {
			continue
		}
		var blob Blob
		if err := json.Unmarshal([]byte(data), &blob); err != nil {
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
	return out, nil
}

// Delete removes id from every session hash and index it appears in.
func (s *RedisBlobStore) Delete(ctx context.Context, id string) error {
	keys, err := s.client.Keys(ctx, s.keyPrefix+":*:blobs").Result()
	if err != nil {
		return ccmeerr.Wrap(ccmeerr.KindSnapshotFailed, "list session hashes", err)
	}
	for _, key := range keys {
		if err := s.client.HDel(ctx, key, id).Err(); err != nil {
			return ccmeerr.Wrap(ccmeerr.KindSnapshotFailed, "delete snapshot from redis", err)
		}
		indexKey := strings.TrimSuffix(key, ":blobs") + ":index"
		if err := s.client.ZRem(ctx, indexKey, id).Err(); err != nil {
			return ccmeerr.Wrap(ccmeerr.KindSnapshotFailed, "unindex snapshot in redis", err)
		}
	}
	return nil
}

func decodeAndVerify(data []byte) (Blob, error) {
	var blob Blob
	if err := json.Unmarshal(data, &blob); err != nil {
		return Blob{}, ccmeerr.Wrap(ccmeerr.KindSnapshotCorrupt, "decode snapshot envelope", err)
	}
	payload, err := json.Marshal(blob.Context)
	if err != nil {
		return Blob{}, ccmeerr.Wrap(ccmeerr.KindSnapshotCorrupt, "re-encode context for checksum", err)
	}
	if ContentHash(payload) != blob.Checksum {
		return Blob{}, ccmeerr.New(ccmeerr.KindSnapshotCorrupt, "checksum mismatch for snapshot "+blob.ID)
	}
	return blob, nil
}
