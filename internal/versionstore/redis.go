package versionstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flexinfer/mentatlab/services/collab-go/internal/graph"
)

const maxWatchRetries = 5

// RedisStore implements Store using Redis. Room state lives in a hash;
// snapshots and the operation log are sorted sets scored by version.
// Mutations run under WATCH on the state hash.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	// URL is the Redis connection URL (redis://host:port/db)
	URL string

	// Password for Redis authentication
	Password string

	// DB is the database number
	DB int

	// Prefix for all keys (default: "workflow")
	Prefix string

	// Connection pool settings
	PoolSize     int
	MinIdleConns int

	// Timeouts
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultRedisConfig returns sensible defaults.
func DefaultRedisConfig() *RedisConfig {
	return &RedisConfig{
		URL:          "redis://localhost:6379/0",
		Prefix:       "workflow",
		PoolSize:     10,
		MinIdleConns: 2,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// NewRedisStore creates a new Redis-backed version store.
func NewRedisStore(cfg *RedisConfig) (*RedisStore, error) {
	if cfg == nil {
		cfg = DefaultRedisConfig()
	}

	opts := &redis.Options{
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		Password:     cfg.Password,
		DB:           cfg.DB,
	}

	if cfg.URL != "" {
		parsed, err := redis.ParseURL(cfg.URL)
		if err != nil {
			return nil, fmt.Errorf("parse redis url: %w", err)
		}
		opts.Addr = parsed.Addr
		if parsed.Password != "" && cfg.Password == "" {
			opts.Password = parsed.Password
		}
		if parsed.DB != 0 && cfg.DB == 0 {
			opts.DB = parsed.DB
		}
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.Prefix), nil
}

// NewRedisStoreWithClient creates a store using an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "workflow"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// Key helpers
func (s *RedisStore) keyState(room string) string     { return fmt.Sprintf("%s:%s:state", s.prefix, room) }
func (s *RedisStore) keySnapshots(room string) string { return fmt.Sprintf("%s:%s:snapshots", s.prefix, room) }
func (s *RedisStore) keyOps(room string) string       { return fmt.Sprintf("%s:%s:ops", s.prefix, room) }

// watch runs fn under WATCH on the room state, retrying when another
// writer touched the key first.
func (s *RedisStore) watch(ctx context.Context, room string, fn func(tx *redis.Tx) error) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, fn, s.keyState(room))
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return ErrVersionMismatch
}

// Ensure installs data as a new version of the room.
func (s *RedisStore) Ensure(ctx context.Context, room string, data graph.Graph, editor, description string) (*State, error) {
	payload, err := encodeGraph(data)
	if err != nil {
		return nil, err
	}

	var out *State
	err = s.watch(ctx, room, func(tx *redis.Tx) error {
		version, current, exists, err := readVersions(ctx, tx, s.keyState(room))
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		next := version + 1
		snap, err := json.Marshal(&Snapshot{
			Room: room, Version: next, Data: data, Description: description, CreatedBy: editor, CreatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if exists {
				pipe.ZRemRangeByScore(ctx, s.keySnapshots(room), "("+strconv.Itoa(current), "+inf")
			}
			pipe.HSet(ctx, s.keyState(room), stateFields(next, next, payload, editor, now))
			pipe.ZAdd(ctx, s.keySnapshots(room), redis.Z{Score: float64(next), Member: string(snap)})
			return nil
		})
		if err != nil {
			return err
		}

		out = &State{Room: room, Version: next, CurrentVersion: next, Data: data.Clone(), UpdatedBy: editor, UpdatedAt: now}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("ensure state: %w", err)
	}
	return out, nil
}

// Get retrieves the room state.
func (s *RedisStore) Get(ctx context.Context, room string) (*State, error) {
	fields, err := s.client.HGetAll(ctx, s.keyState(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("load state: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrStateNotFound
	}

	st, err := parseState(room, fields)
	if err != nil {
		return nil, err
	}

	cur := strconv.Itoa(st.CurrentVersion)
	n, err := s.client.ZCount(ctx, s.keySnapshots(room), cur, cur).Result()
	if err != nil {
		return nil, fmt.Errorf("check snapshot: %w", err)
	}
	if n == 0 {
		return nil, ErrInconsistentPointer
	}
	return st, nil
}

// Commit stores a resolved batch.
func (s *RedisStore) Commit(ctx context.Context, room string, req *CommitRequest) (*State, *OperationRecord, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}
	payload, err := encodeGraph(req.Data)
	if err != nil {
		return nil, nil, err
	}

	var (
		out *State
		rec *OperationRecord
	)
	err = s.client.Watch(ctx, func(tx *redis.Tx) error {
		version, current, exists, err := readVersions(ctx, tx, s.keyState(room))
		if err != nil {
			return err
		}
		if !exists {
			return ErrStateNotFound
		}
		if version != req.NewVersion-1 {
			return ErrVersionMismatch
		}

		now := time.Now().UTC()
		rec = &OperationRecord{
			ID:            uuid.New().String(),
			Room:          room,
			Editor:        req.Editor,
			VersionBefore: req.BaseVersion,
			VersionAfter:  req.NewVersion,
			OpType:        req.OpType,
			Operations:    append([]byte(nil), req.Operations...),
			Status:        req.Status,
			CreatedAt:     now,
		}
		recJSON, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshal operation: %w", err)
		}
		snap, err := json.Marshal(&Snapshot{
			Room: room, Version: req.NewVersion, Data: req.Data, Description: req.Description, CreatedBy: req.Editor, CreatedAt: now,
		})
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRemRangeByScore(ctx, s.keySnapshots(room), "("+strconv.Itoa(current), "+inf")
			pipe.HSet(ctx, s.keyState(room), stateFields(req.NewVersion, req.NewVersion, payload, req.Editor, now))
			pipe.ZAdd(ctx, s.keyOps(room), redis.Z{Score: float64(req.NewVersion), Member: string(recJSON)})
			pipe.ZAdd(ctx, s.keySnapshots(room), redis.Z{Score: float64(req.NewVersion), Member: string(snap)})
			return nil
		})
		if err != nil {
			return err
		}

		out = &State{
			Room: room, Version: req.NewVersion, CurrentVersion: req.NewVersion,
			Data: req.Data.Clone(), UpdatedBy: req.Editor, UpdatedAt: now,
		}
		return nil
	}, s.keyState(room))

	switch {
	case err == nil:
		return out, rec, nil
	case errors.Is(err, redis.TxFailedErr):
		return nil, nil, ErrVersionMismatch
	case errors.Is(err, ErrStateNotFound), errors.Is(err, ErrVersionMismatch):
		return nil, nil, err
	default:
		return nil, nil, fmt.Errorf("commit batch: %w", err)
	}
}

// Revert moves the current pointer to an existing snapshot.
func (s *RedisStore) Revert(ctx context.Context, room string, version int, editor string) (*State, error) {
	var out *State
	err := s.watch(ctx, room, func(tx *redis.Tx) error {
		maxVersion, _, exists, err := readVersions(ctx, tx, s.keyState(room))
		if err != nil {
			return err
		}
		if !exists {
			return ErrStateNotFound
		}
		snap, err := s.snapshotFrom(ctx, tx, room, version)
		if err != nil {
			return err
		}
		payload, err := encodeGraph(snap.Data)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.keyState(room), map[string]any{
				"current_version": version,
				"data":            payload,
				"updated_by":      editor,
				"updated_at":      now.Format(time.RFC3339Nano),
			})
			return nil
		})
		if err != nil {
			return err
		}

		out = &State{Room: room, Version: maxVersion, CurrentVersion: version, Data: snap.Data, UpdatedBy: editor, UpdatedAt: now}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrStateNotFound) || errors.Is(err, ErrSnapshotNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("revert state: %w", err)
	}
	return out, nil
}

// Timeline lists all snapshots of a room.
func (s *RedisStore) Timeline(ctx context.Context, room string) ([]*Snapshot, error) {
	members, err := s.client.ZRange(ctx, s.keySnapshots(room), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	if len(members) == 0 {
		if _, err := s.Get(ctx, room); err != nil {
			return nil, err
		}
	}

	out := make([]*Snapshot, 0, len(members))
	for _, m := range members {
		var snap Snapshot
		if err := json.Unmarshal([]byte(m), &snap); err != nil {
			return nil, fmt.Errorf("unmarshal snapshot: %w", err)
		}
		out = append(out, &snap)
	}
	return out, nil
}

// Snapshot returns one snapshot.
func (s *RedisStore) Snapshot(ctx context.Context, room string, version int) (*Snapshot, error) {
	return s.snapshotFrom(ctx, s.client, room, version)
}

func (s *RedisStore) snapshotFrom(ctx context.Context, c redis.Cmdable, room string, version int) (*Snapshot, error) {
	v := strconv.Itoa(version)
	members, err := c.ZRangeByScore(ctx, s.keySnapshots(room), &redis.ZRangeBy{Min: v, Max: v}).Result()
	if err != nil {
		return nil, fmt.Errorf("load snapshot: %w", err)
	}
	if len(members) == 0 {
		return nil, ErrSnapshotNotFound
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(members[0]), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// OperationsSince returns log records in (after, upto].
func (s *RedisStore) OperationsSince(ctx context.Context, room string, after, upto int) ([]*OperationRecord, error) {
	members, err := s.client.ZRangeByScore(ctx, s.keyOps(room), &redis.ZRangeBy{
		Min: "(" + strconv.Itoa(after),
		Max: strconv.Itoa(upto),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}

	out := make([]*OperationRecord, 0, len(members))
	for _, m := range members {
		var rec OperationRecord
		if err := json.Unmarshal([]byte(m), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal operation: %w", err)
		}
		out = append(out, &rec)
	}
	return out, nil
}

// Delete removes a room.
func (s *RedisStore) Delete(ctx context.Context, room string) error {
	n, err := s.client.Exists(ctx, s.keyState(room)).Result()
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}
	if n == 0 {
		return ErrStateNotFound
	}
	if err := s.client.Del(ctx, s.keyState(room), s.keySnapshots(room), s.keyOps(room)).Err(); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	return nil
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// AdapterInfo describes the backend.
func (s *RedisStore) AdapterInfo() AdapterInfo {
	return AdapterInfo{Type: "redis", Details: map[string]any{
		"addr":   s.client.Options().Addr,
		"prefix": s.prefix,
	}}
}

func stateFields(version, current int, payload, editor string, at time.Time) map[string]any {
	return map[string]any{
		"version":         version,
		"current_version": current,
		"data":            payload,
		"updated_by":      editor,
		"updated_at":      at.Format(time.RFC3339Nano),
	}
}

func readVersions(ctx context.Context, tx *redis.Tx, key string) (version, current int, exists bool, err error) {
	vals, err := tx.HMGet(ctx, key, "version", "current_version").Result()
	if err != nil {
		return 0, 0, false, fmt.Errorf("load state: %w", err)
	}
	if vals[0] == nil {
		return 0, 0, false, nil
	}
	version, err = strconv.Atoi(fmt.Sprint(vals[0]))
	if err != nil {
		return 0, 0, false, fmt.Errorf("parse version: %w", err)
	}
	current, err = strconv.Atoi(fmt.Sprint(vals[1]))
	if err != nil {
		return 0, 0, false, fmt.Errorf("parse current version: %w", err)
	}
	return version, current, true, nil
}

func parseState(room string, fields map[string]string) (*State, error) {
	version, err := strconv.Atoi(fields["version"])
	if err != nil {
		return nil, fmt.Errorf("parse version: %w", err)
	}
	current, err := strconv.Atoi(fields["current_version"])
	if err != nil {
		return nil, fmt.Errorf("parse current version: %w", err)
	}
	data, err := decodeGraph(fields["data"])
	if err != nil {
		return nil, err
	}
	return &State{
		Room:           room,
		Version:        version,
		CurrentVersion: current,
		Data:           data,
		UpdatedBy:      fields["updated_by"],
		UpdatedAt:      parseStamp(fields["updated_at"]),
	}, nil
}
