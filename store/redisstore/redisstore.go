// Package redisstore is the optional Redis-backed mirror for lesson
// snapshots and outcome history (§6 "Persisted state"), grounded on the
// teacher's Redis-backed discovery client: a namespaced key scheme, JSON
// payloads, and a context-scoped client handed in by the caller.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-redis/redis/v8"

	"github.com/itsneelabh/orchestra/playbook"
	"github.com/itsneelabh/orchestra/store"
)

// retryTransient retries op against a short exponential backoff, for the
// connection blips a mirror write can ride out without surfacing an error
// to the Playbook/Background Queue callers that expect these writes to be
// best-effort.
func retryTransient(ctx context.Context, op func() error) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, op()
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(3))
	return err
}

const (
	lessonsKeySuffix  = "lessons"
	outcomesKeySuffix = "outcomes"
)

// Store mirrors lesson snapshots and outcome history into Redis under a
// namespace, the same way the teacher's discovery client namespaces its
// agent/capability keys.
type Store struct {
	client    *redis.Client
	namespace string
	ctx       context.Context
}

// New wraps an already-configured *redis.Client. namespace defaults to
// "orchestra" when empty.
func New(client *redis.Client, namespace string) *Store {
	if namespace == "" {
		namespace = "orchestra"
	}
	return &Store{client: client, namespace: namespace, ctx: context.Background()}
}

var _ playbook.Mirror = (*Store)(nil)
var _ store.OutcomeLog = (*Store)(nil)

func (s *Store) lessonsKey() string {
	return fmt.Sprintf("%s:%s", s.namespace, lessonsKeySuffix)
}

func (s *Store) outcomesKey() string {
	return fmt.Sprintf("%s:%s", s.namespace, outcomesKeySuffix)
}

// SaveLessons overwrites the namespaced lesson snapshot with the current
// live set, JSON-encoded as a single value (the live set is small, at most
// MaxLessons entries, so one key is cheaper than one hash field per lesson).
func (s *Store) SaveLessons(lessons []playbook.Lesson) error {
	data, err := json.Marshal(lessons)
	if err != nil {
		return fmt.Errorf("redisstore: marshal lessons: %w", err)
	}
	if err := retryTransient(s.ctx, func() error {
		return s.client.Set(s.ctx, s.lessonsKey(), data, 0).Err()
	}); err != nil {
		return fmt.Errorf("redisstore: save lessons: %w", err)
	}
	return nil
}

// LoadLessons returns the last snapshot saved, or nil if the key is unset.
func (s *Store) LoadLessons() ([]playbook.Lesson, error) {
	data, err := s.client.Get(s.ctx, s.lessonsKey()).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redisstore: load lessons: %w", err)
	}
	var lessons []playbook.Lesson
	if err := json.Unmarshal([]byte(data), &lessons); err != nil {
		return nil, fmt.Errorf("redisstore: unmarshal lessons: %w", err)
	}
	return lessons, nil
}

// AppendOutcome pushes one outcome onto a capped Redis list, trimming to
// MaxOutcomeRecords in the same round trip.
func (s *Store) AppendOutcome(rec store.OutcomeRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("redisstore: marshal outcome: %w", err)
	}
	if err := retryTransient(s.ctx, func() error {
		pipe := s.client.TxPipeline()
		pipe.RPush(s.ctx, s.outcomesKey(), data)
		pipe.LTrim(s.ctx, s.outcomesKey(), int64(-store.MaxOutcomeRecords), -1)
		_, err := pipe.Exec(s.ctx)
		return err
	}); err != nil {
		return fmt.Errorf("redisstore: append outcome: %w", err)
	}
	return nil
}

// RecentOutcomes returns up to limit of the most recently appended
// outcomes, newest last.
func (s *Store) RecentOutcomes(limit int) ([]store.OutcomeRecord, error) {
	length, err := s.client.LLen(s.ctx, s.outcomesKey()).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redisstore: outcome list length: %w", err)
	}
	if limit <= 0 || int64(limit) > length {
		limit = int(length)
	}
	start := length - int64(limit)
	if start < 0 {
		start = 0
	}
	raw, err := s.client.LRange(s.ctx, s.outcomesKey(), start, -1).Result()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("redisstore: outcome list range: %w", err)
	}
	out := make([]store.OutcomeRecord, 0, len(raw))
	for _, item := range raw {
		var rec store.OutcomeRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("redisstore: unmarshal outcome: %w", err)
		}
		out = append(out, rec)
	}
	return out, nil
}
