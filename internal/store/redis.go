package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/skovert/arbiter/internal/apperr"
)

// DefaultChannel is the pub/sub channel carrying document change events.
const DefaultChannel = "arbiter_docs"

// putAttempts bounds the optimistic retry loop for plain writes. Plain puts
// target single-writer documents, so contention here is a bug elsewhere.
const putAttempts = 3

// Redis is a Store backed by a Redis server. Documents are stored as JSON
// envelopes carrying a version counter; transactions use WATCH/MULTI and
// change events ride a pub/sub channel.
type Redis struct {
	rdb     *redis.Client
	channel string
}

// NewRedis wraps an already-connected client.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb, channel: DefaultChannel}
}

// ConnectRedis dials addr and verifies the connection with a ping.
func ConnectRedis(ctx context.Context, addr string, db int) (*Redis, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return NewRedis(rdb), nil
}

// envelope is the stored value format.
type envelope struct {
	Version int64           `json:"version"`
	Data    json.RawMessage `json:"data"`
}

// wireEvent is the pub/sub payload format.
type wireEvent struct {
	Key     string          `json:"key"`
	Version int64           `json:"version"`
	Deleted bool            `json:"deleted,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func decodeEnvelope(key, raw string) (Doc, error) {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil {
		return Doc{}, fmt.Errorf("corrupt envelope at %q: %w", key, err)
	}
	return Doc{Key: key, Version: env.Version, Data: env.Data}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (Doc, error) {
	raw, err := r.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Doc{}, apperr.NotFoundf("doc %q", key)
	}
	if err != nil {
		return Doc{}, err
	}
	return decodeEnvelope(key, raw)
}

func (r *Redis) List(ctx context.Context, prefix string) ([]Doc, error) {
	var keys []string
	iter := r.rdb.Scan(ctx, 0, prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	if len(keys) == 0 {
		return nil, nil
	}
	vals, err := r.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	var out []Doc
	for i, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue // deleted between SCAN and MGET
		}
		doc, err := decodeEnvelope(keys[i], raw)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (r *Redis) Put(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	for attempt := 0; attempt < putAttempts; attempt++ {
		err = r.rdb.Watch(ctx, func(rtx *redis.Tx) error {
			ver, err := watchedVersion(ctx, rtx, key)
			if err != nil {
				return err
			}
			return r.commit(ctx, rtx, []stagedWrite{{key: key, version: ver + 1, data: data}}, nil)
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return apperr.Conflictf("put %q kept losing races", key)
}

func (r *Redis) CreateIfAbsent(ctx context.Context, key string, v interface{}) (bool, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return false, err
	}
	for attempt := 0; attempt < putAttempts; attempt++ {
		created := false
		err = r.rdb.Watch(ctx, func(rtx *redis.Tx) error {
			ver, err := watchedVersion(ctx, rtx, key)
			if err != nil {
				return err
			}
			if ver > 0 {
				return nil // already exists, nothing to write
			}
			created = true
			return r.commit(ctx, rtx, []stagedWrite{{key: key, version: 1, data: data}}, nil)
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return created, err
	}
	return false, apperr.Conflictf("create %q kept losing races", key)
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	for attempt := 0; attempt < putAttempts; attempt++ {
		err := r.rdb.Watch(ctx, func(rtx *redis.Tx) error {
			ver, err := watchedVersion(ctx, rtx, key)
			if err != nil {
				return err
			}
			if ver == 0 {
				return nil
			}
			return r.commit(ctx, rtx, nil, []stagedDelete{{key: key, version: ver}})
		}, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return apperr.Conflictf("delete %q kept losing races", key)
}

type stagedWrite struct {
	key     string
	version int64
	data    json.RawMessage
}

type stagedDelete struct {
	key     string
	version int64
}

// commit applies staged mutations in one MULTI/EXEC alongside their change
// events.
func (r *Redis) commit(ctx context.Context, rtx *redis.Tx, writes []stagedWrite, deletes []stagedDelete) error {
	_, err := rtx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, w := range writes {
			env, err := json.Marshal(envelope{Version: w.version, Data: w.data})
			if err != nil {
				return err
			}
			ev, err := json.Marshal(wireEvent{Key: w.key, Version: w.version, Data: w.data})
			if err != nil {
				return err
			}
			pipe.Set(ctx, w.key, env, 0)
			pipe.Publish(ctx, r.channel, ev)
		}
		for _, d := range deletes {
			ev, err := json.Marshal(wireEvent{Key: d.key, Version: d.version, Deleted: true})
			if err != nil {
				return err
			}
			pipe.Del(ctx, d.key)
			pipe.Publish(ctx, r.channel, ev)
		}
		return nil
	})
	return err
}

// watchedVersion WATCHes key and returns its current version, 0 if absent.
func watchedVersion(ctx context.Context, rtx *redis.Tx, key string) (int64, error) {
	if err := rtx.Watch(ctx, key).Err(); err != nil {
		return 0, err
	}
	raw, err := rtx.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	doc, err := decodeEnvelope(key, raw)
	if err != nil {
		return 0, err
	}
	return doc.Version, nil
}

// redisTx implements Tx over a WATCHed connection. Every key touched is
// WATCHed, so EXEC fails if any of them changed.
type redisTx struct {
	ctx     context.Context
	rtx     *redis.Tx
	writes  []stagedWrite
	deletes []stagedDelete
}

func (t *redisTx) Get(key string) (Doc, error) {
	if err := t.rtx.Watch(t.ctx, key).Err(); err != nil {
		return Doc{}, err
	}
	raw, err := t.rtx.Get(t.ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return Doc{}, apperr.NotFoundf("doc %q", key)
	}
	if err != nil {
		return Doc{}, err
	}
	return decodeEnvelope(key, raw)
}

func (t *redisTx) stage(key string, v interface{}, mustBeAbsent bool) error {
	ver, err := watchedVersion(t.ctx, t.rtx, key)
	if err != nil {
		return err
	}
	if mustBeAbsent && ver > 0 {
		return apperr.Conflictf("doc %q already exists", key)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	t.writes = append(t.writes, stagedWrite{key: key, version: ver + 1, data: data})
	return nil
}

func (t *redisTx) Put(key string, v interface{}) error {
	return t.stage(key, v, false)
}

func (t *redisTx) Create(key string, v interface{}) error {
	return t.stage(key, v, true)
}

func (t *redisTx) Delete(key string) {
	ver, err := watchedVersion(t.ctx, t.rtx, key)
	if err != nil || ver == 0 {
		return
	}
	t.deletes = append(t.deletes, stagedDelete{key: key, version: ver})
}

// Update runs fn once. A lost WATCH race surfaces as apperr.ErrConflict with
// no partial effect; the caller chooses the fallback path.
func (r *Redis) Update(ctx context.Context, fn func(tx Tx) error) error {
	// The initial watch set is empty; keys are added as the transaction
	// touches them.
	err := r.rdb.Watch(ctx, func(rtx *redis.Tx) error {
		t := &redisTx{ctx: ctx, rtx: rtx}
		if err := fn(t); err != nil {
			return err
		}
		return r.commit(ctx, rtx, t.writes, t.deletes)
	})
	if errors.Is(err, redis.TxFailedErr) {
		return apperr.Conflictf("transaction lost a race")
	}
	return err
}

func (r *Redis) Subscribe(ctx context.Context, prefix string) (<-chan Event, func()) {
	subCtx, cancel := context.WithCancel(ctx)
	ps := r.rdb.Subscribe(subCtx, r.channel)
	out := make(chan Event, subBuffer)

	go func() {
		defer close(out)

		// Seed with current state so subscribers attached after a write still
		// observe it. Events racing the seed may duplicate; consumers are
		// snapshot-idempotent by contract.
		if docs, err := r.List(subCtx, prefix); err == nil {
			for _, doc := range docs {
				forward(subCtx, out, Event{Doc: doc})
			}
		}

		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ps.Channel():
				if !ok {
					return
				}
				var ev wireEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					continue
				}
				if !strings.HasPrefix(ev.Key, prefix) {
					continue
				}
				forward(subCtx, out, Event{
					Doc:     Doc{Key: ev.Key, Version: ev.Version, Data: ev.Data},
					Deleted: ev.Deleted,
				})
			}
		}
	}()

	return out, func() {
		cancel()
		_ = ps.Close()
	}
}

// forward delivers without stalling the pub/sub reader; a full buffer sheds
// its oldest event first since every event is a full snapshot.
func forward(ctx context.Context, out chan Event, ev Event) {
	select {
	case out <- ev:
		return
	case <-ctx.Done():
		return
	default:
	}
	select {
	case <-out:
	default:
	}
	select {
	case out <- ev:
	case <-ctx.Done():
	}
}
