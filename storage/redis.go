package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/songzhibin97/production-workflow/types"
)

const (
	entityPrefix       = "entity:"
	transitionPrefix   = "transitions:"
	deadlinePrefix     = "deadlines:"
	deadlineIndexKey   = "deadlines:index"
	deadlineOwnerKey   = "deadlines:owner"
	notificationPrefix = "notifications:"

	maxTxRetries = 5
)

// RedisStorage is a Redis-backed implementation of the Storage interface.
// Entity updates use optimistic WATCH/MULTI transactions on the entity key.
type RedisStorage struct {
	client *redis.Client
	prefix string
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
	// Prefix namespaces every key, e.g. "production:".
	Prefix string
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})
	return connectRedis(client, opts.Prefix)
}

// NewRedisStorageFromURL creates a RedisStorage from a redis:// URL.
func NewRedisStorageFromURL(rawURL, prefix string) (*RedisStorage, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return connectRedis(redis.NewClient(opts), prefix)
}

func connectRedis(client *redis.Client, prefix string) (*RedisStorage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %v", err)
	}
	return &RedisStorage{client: client, prefix: prefix}, nil
}

func (s *RedisStorage) refKey(prefix string, ref types.EntityRef) string {
	return s.prefix + prefix + string(ref.Type) + ":" + ref.ID
}

func (s *RedisStorage) key(parts ...string) string {
	k := s.prefix
	for _, p := range parts {
		k += p
	}
	return k
}

// getFromRedis retrieves and unmarshals a value from Redis.
func getFromRedis[T any](ctx context.Context, c redis.Cmdable, key string, errNotFound error) (T, error) {
	return withContext(ctx, func() (T, error) {
		var zero T
		data, err := c.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return zero, fmt.Errorf("%w: key=%s", errNotFound, key)
		} else if err != nil {
			return zero, fmt.Errorf("failed to get %s from Redis: %v", key, err)
		}

		var result T
		if err := json.Unmarshal(data, &result); err != nil {
			return zero, fmt.Errorf("failed to unmarshal %s: %v", key, err)
		}
		return result, nil
	})
}

// watch runs fn in a WATCH transaction, retrying when another client touched the keys.
func (s *RedisStorage) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("%w: keys=%v", ErrConflict, keys)
}

// CreateEntity stores a new entity if its key is free.
func (s *RedisStorage) CreateEntity(ctx context.Context, entity types.WorkflowEntity) error {
	return withContextError(ctx, func() error {
		normalizeEntity(&entity)
		data, err := json.Marshal(entity)
		if err != nil {
			return fmt.Errorf("failed to marshal entity %s: %v", entity.Ref(), err)
		}
		ok, err := s.client.SetNX(ctx, s.refKey(entityPrefix, entity.Ref()), data, 0).Result()
		if err != nil {
			return fmt.Errorf("failed to create entity %s: %v", entity.Ref(), err)
		}
		if !ok {
			return fmt.Errorf("%w: %s", ErrEntityExists, entity.Ref())
		}
		return nil
	})
}

// GetEntity retrieves an entity from Redis.
func (s *RedisStorage) GetEntity(ctx context.Context, ref types.EntityRef) (types.WorkflowEntity, error) {
	e, err := getFromRedis[types.WorkflowEntity](ctx, s.client, s.refKey(entityPrefix, ref), ErrEntityNotFound)
	if err != nil {
		return e, err
	}
	normalizeEntity(&e)
	return e, nil
}

// UpdateEntity writes the entity and appends the record in one MULTI block. The
// deadline list is watched too, so a deadline created meanwhile retries the update.
func (s *RedisStorage) UpdateEntity(ctx context.Context, ref types.EntityRef, fn UpdateFunc) error {
	entityKey := s.refKey(entityPrefix, ref)
	historyKey := s.refKey(transitionPrefix, ref)
	deadlineKey := s.refKey(deadlinePrefix, ref)
	return withContextError(ctx, func() error {
		return s.watch(ctx, func(tx *redis.Tx) error {
			current, err := getFromRedis[types.WorkflowEntity](ctx, tx, entityKey, ErrEntityNotFound)
			if err != nil {
				return err
			}
			normalizeEntity(&current)
			deadlines, err := s.loadDeadlines(ctx, tx, deadlineKey)
			if err != nil {
				return err
			}
			working := current.Clone()
			record, err := fn(&working, deadlines)
			if err != nil || record == nil {
				return err
			}
			working.Version = current.Version + 1
			entityData, err := json.Marshal(working)
			if err != nil {
				return fmt.Errorf("failed to marshal entity %s: %v", ref, err)
			}
			recordData, err := json.Marshal(record)
			if err != nil {
				return fmt.Errorf("failed to marshal transition for %s: %v", ref, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, entityKey, entityData, 0)
				pipe.RPush(ctx, historyKey, recordData)
				return nil
			})
			return err
		}, entityKey, deadlineKey)
	})
}

// SetFields merges fields into the stored entity.
func (s *RedisStorage) SetFields(ctx context.Context, ref types.EntityRef, fields map[string]any, at time.Time) (types.WorkflowEntity, error) {
	entityKey := s.refKey(entityPrefix, ref)
	var updated types.WorkflowEntity
	err := withContextError(ctx, func() error {
		return s.watch(ctx, func(tx *redis.Tx) error {
			current, err := getFromRedis[types.WorkflowEntity](ctx, tx, entityKey, ErrEntityNotFound)
			if err != nil {
				return err
			}
			normalizeEntity(&current)
			if err := applyFields(&current, fields, at); err != nil {
				return err
			}
			current.Version++
			data, err := json.Marshal(current)
			if err != nil {
				return fmt.Errorf("failed to marshal entity %s: %v", ref, err)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, entityKey, data, 0)
				return nil
			})
			updated = current
			return err
		}, entityKey)
	})
	return updated, err
}

// ListTransitions returns the entity's history in insertion order.
func (s *RedisStorage) ListTransitions(ctx context.Context, ref types.EntityRef) ([]types.TransitionRecord, error) {
	return withContext(ctx, func() ([]types.TransitionRecord, error) {
		n, err := s.client.Exists(ctx, s.refKey(entityPrefix, ref)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to check entity %s: %v", ref, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("%w: %s", ErrEntityNotFound, ref)
		}
		raw, err := s.client.LRange(ctx, s.refKey(transitionPrefix, ref), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read history of %s: %v", ref, err)
		}
		records := make([]types.TransitionRecord, 0, len(raw))
		for _, item := range raw {
			var rec types.TransitionRecord
			if err := json.Unmarshal([]byte(item), &rec); err != nil {
				return nil, fmt.Errorf("failed to unmarshal transition of %s: %v", ref, err)
			}
			records = append(records, rec)
		}
		return records, nil
	})
}

func (s *RedisStorage) loadDeadlines(ctx context.Context, c redis.Cmdable, key string) ([]types.Deadline, error) {
	ds, err := getFromRedis[[]types.Deadline](ctx, c, key, ErrDeadlineNotFound)
	if errors.Is(err, ErrDeadlineNotFound) {
		return nil, nil
	}
	return ds, err
}

// modifyDeadlines rewrites the deadline list of one entity under WATCH.
func (s *RedisStorage) modifyDeadlines(ctx context.Context, ref types.EntityRef, fn func([]types.Deadline) ([]types.Deadline, error)) error {
	key := s.refKey(deadlinePrefix, ref)
	return s.watch(ctx, func(tx *redis.Tx) error {
		ds, err := s.loadDeadlines(ctx, tx, key)
		if err != nil {
			return err
		}
		ds, err = fn(ds)
		if err != nil {
			return err
		}
		data, err := json.Marshal(ds)
		if err != nil {
			return fmt.Errorf("failed to marshal deadlines of %s: %v", ref, err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, s.key(deadlineIndexKey), key)
			for _, d := range ds {
				pipe.HSet(ctx, s.key(deadlineOwnerKey), strconv.FormatUint(d.ID, 10), key)
			}
			return nil
		})
		return err
	}, key)
}

// CreateDeadline appends a deadline to its entity's list.
func (s *RedisStorage) CreateDeadline(ctx context.Context, d types.Deadline) error {
	return withContextError(ctx, func() error {
		return s.modifyDeadlines(ctx, d.Ref(), func(ds []types.Deadline) ([]types.Deadline, error) {
			if hasOpenDeadline(ds, d.Role) {
				return nil, fmt.Errorf("%w: %s role=%s", ErrDeadlineOpen, d.Ref(), d.Role)
			}
			return append(ds, d), nil
		})
	})
}

// ListDeadlines returns an entity's deadlines.
func (s *RedisStorage) ListDeadlines(ctx context.Context, ref types.EntityRef) ([]types.Deadline, error) {
	return withContext(ctx, func() ([]types.Deadline, error) {
		return s.loadDeadlines(ctx, s.client, s.refKey(deadlinePrefix, ref))
	})
}

// ListOpenDeadlines walks the deadline index and returns uncompleted deadlines by due date.
func (s *RedisStorage) ListOpenDeadlines(ctx context.Context) ([]types.Deadline, error) {
	return withContext(ctx, func() ([]types.Deadline, error) {
		keys, err := s.client.SMembers(ctx, s.key(deadlineIndexKey)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read deadline index: %v", err)
		}
		var open []types.Deadline
		for _, key := range keys {
			ds, err := s.loadDeadlines(ctx, s.client, key)
			if err != nil {
				return nil, err
			}
			for _, d := range ds {
				if !d.Completed() {
					open = append(open, d)
				}
			}
		}
		sort.Slice(open, func(i, j int) bool {
			if open[i].DeadlineDate.Equal(open[j].DeadlineDate) {
				return open[i].ID < open[j].ID
			}
			return open[i].DeadlineDate.Before(open[j].DeadlineDate)
		})
		return open, nil
	})
}

// CompleteDeadline marks the open deadline of role completed.
func (s *RedisStorage) CompleteDeadline(ctx context.Context, ref types.EntityRef, role types.Role, at time.Time, by, notes string) (types.Deadline, error) {
	var done types.Deadline
	err := withContextError(ctx, func() error {
		return s.modifyDeadlines(ctx, ref, func(ds []types.Deadline) ([]types.Deadline, error) {
			i, err := pickOpenDeadline(ds, role)
			if err != nil {
				return nil, fmt.Errorf("%w: %s role=%s", err, ref, role)
			}
			completed := at
			ds[i].CompletedAt = &completed
			ds[i].CompletedBy = by
			if notes != "" {
				ds[i].Notes = notes
			}
			done = ds[i]
			return ds, nil
		})
	})
	return done, err
}

// MarkDeadlineReminded stamps reminded_at on a deadline located through the owner index.
func (s *RedisStorage) MarkDeadlineReminded(ctx context.Context, id uint64, at time.Time) error {
	return withContextError(ctx, func() error {
		key, err := s.client.HGet(ctx, s.key(deadlineOwnerKey), strconv.FormatUint(id, 10)).Result()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: id=%d", ErrDeadlineNotFound, id)
		} else if err != nil {
			return fmt.Errorf("failed to locate deadline %d: %v", id, err)
		}
		ds, err := s.loadDeadlines(ctx, s.client, key)
		if err != nil {
			return err
		}
		for _, d := range ds {
			if d.ID == id {
				return s.modifyDeadlines(ctx, d.Ref(), func(ds []types.Deadline) ([]types.Deadline, error) {
					for i := range ds {
						if ds[i].ID == id {
							reminded := at
							ds[i].RemindedAt = &reminded
						}
					}
					return ds, nil
				})
			}
		}
		return fmt.Errorf("%w: id=%d", ErrDeadlineNotFound, id)
	})
}

// SaveNotifications stores notifications using pipelining, one hash per recipient.
func (s *RedisStorage) SaveNotifications(ctx context.Context, ns []types.Notification) error {
	return withContextError(ctx, func() error {
		if len(ns) == 0 {
			return nil
		}
		pipe := s.client.Pipeline()
		for _, n := range ns {
			data, err := json.Marshal(n)
			if err != nil {
				return fmt.Errorf("failed to marshal notification %d: %v", n.ID, err)
			}
			pipe.HSet(ctx, s.key(notificationPrefix, n.RecipientUserID), strconv.FormatUint(n.ID, 10), data)
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for notifications: %v", err)
		}
		return nil
	})
}

// ListNotifications returns a user's notifications, newest first.
func (s *RedisStorage) ListNotifications(ctx context.Context, userID string, unreadOnly bool) ([]types.Notification, error) {
	return withContext(ctx, func() ([]types.Notification, error) {
		raw, err := s.client.HGetAll(ctx, s.key(notificationPrefix, userID)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read notifications of %s: %v", userID, err)
		}
		out := make([]types.Notification, 0, len(raw))
		for _, item := range raw {
			var n types.Notification
			if err := json.Unmarshal([]byte(item), &n); err != nil {
				return nil, fmt.Errorf("failed to unmarshal notification: %v", err)
			}
			if unreadOnly && n.IsRead {
				continue
			}
			out = append(out, n)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
		return out, nil
	})
}

// MarkNotificationRead flags a notification as read.
func (s *RedisStorage) MarkNotificationRead(ctx context.Context, userID string, id uint64) error {
	key := s.key(notificationPrefix, userID)
	field := strconv.FormatUint(id, 10)
	return withContextError(ctx, func() error {
		return s.watch(ctx, func(tx *redis.Tx) error {
			data, err := tx.HGet(ctx, key, field).Bytes()
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: id=%d", ErrNotificationMissing, id)
			} else if err != nil {
				return fmt.Errorf("failed to read notification %d: %v", id, err)
			}
			var n types.Notification
			if err := json.Unmarshal(data, &n); err != nil {
				return fmt.Errorf("failed to unmarshal notification %d: %v", id, err)
			}
			n.IsRead = true
			updated, err := json.Marshal(n)
			if err != nil {
				return err
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, field, updated)
				return nil
			})
			return err
		}, key)
	})
}

// Ping checks the Redis connection.
func (s *RedisStorage) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
