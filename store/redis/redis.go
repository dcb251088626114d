package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smallnest/stateflow/graph"
	"github.com/smallnest/stateflow/node"
	"github.com/smallnest/stateflow/state"
	"github.com/smallnest/stateflow/store"
)

// RedisStore implements store.Store using Redis. Dispatch runs inside Lua
// scripts; every other multi-key write is a WATCH/MULTI transaction.
//
// Key layout (after the prefix):
//
//	node:{ns}                  hash  runtime:name -> definition
//	template:{ns}              hash  name -> template
//	run:{ns}                   hash  run id -> run
//	state:{id}                 hash  doc, status, outputs, error, lease, updated, created, namespace
//	run-states:{ns}:{run}      set   state ids of a run
//	status:{ns}:{status}       set   state ids per status
//	ready:{ns}:{node}          zset  CREATED state ids scored by enqueue_after
//	leases                     zset  QUEUED state ids scored by lease expiry
//
// claimScript derives state and status keys from ids inside Lua, so the keys
// it touches are not all declared in KEYS. The store therefore targets a
// single Redis node or a primary with replicas, not Redis Cluster.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ store.Store = (*RedisStore)(nil)

// RedisOptions configuration for Redis connection
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // Key prefix, default "stateflow:"
}

const maxWatchRetries = 16

// NewRedisStore creates a new Redis store
func NewRedisStore(opts RedisOptions) *RedisStore {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	prefix := opts.Prefix
	if prefix == "" {
		prefix = "stateflow:"
	}

	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

// Secrets returns a secret store sharing the connection and prefix.
func (s *RedisStore) Secrets() *RedisSecretStore {
	return &RedisSecretStore{client: s.client, prefix: s.prefix}
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) nodeKey(ns string) string     { return s.prefix + "node:" + ns }
func (s *RedisStore) templateKey(ns string) string { return s.prefix + "template:" + ns }
func (s *RedisStore) runKey(ns string) string      { return s.prefix + "run:" + ns }
func (s *RedisStore) stateKey(id string) string    { return s.prefix + "state:" + id }
func (s *RedisStore) leasesKey() string            { return s.prefix + "leases" }

func (s *RedisStore) runStatesKey(ns, runID string) string {
	return fmt.Sprintf("%srun-states:%s:%s", s.prefix, ns, runID)
}

func (s *RedisStore) statusKey(ns string, st state.Status) string {
	return fmt.Sprintf("%sstatus:%s:%s", s.prefix, ns, st)
}

func (s *RedisStore) readyKey(ns, nodeName string) string {
	return fmt.Sprintf("%sready:%s:%s", s.prefix, ns, nodeName)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	for i := 0; i < maxWatchRetries; i++ {
		err := s.client.Watch(ctx, fn, keys...)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("failed to commit after %d attempts: %w", maxWatchRetries, redis.TxFailedErr)
}

// PutNodes upserts definitions in one transaction
func (s *RedisStore) PutNodes(ctx context.Context, defs []*node.Definition) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, d := range defs {
			data, err := json.Marshal(d)
			if err != nil {
				return fmt.Errorf("failed to marshal node: %w", err)
			}
			pipe.HSet(ctx, s.nodeKey(d.Namespace), d.RuntimeName+":"+d.Name, data)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save nodes to redis: %w", err)
	}
	return nil
}

// GetNode retrieves one definition
func (s *RedisStore) GetNode(ctx context.Context, namespace, runtime, name string) (*node.Definition, error) {
	data, err := s.client.HGet(ctx, s.nodeKey(namespace), runtime+":"+name).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("node %s/%s/%s: %w", namespace, runtime, name, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load node from redis: %w", err)
	}

	var d node.Definition
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal node: %w", err)
	}
	return &d, nil
}

// ListNodes returns the definitions of a namespace
func (s *RedisStore) ListNodes(ctx context.Context, namespace string) ([]*node.Definition, error) {
	all, err := s.client.HGetAll(ctx, s.nodeKey(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}

	defs := make([]*node.Definition, 0, len(all))
	for _, data := range all {
		var d node.Definition
		if err := json.Unmarshal([]byte(data), &d); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node: %w", err)
		}
		defs = append(defs, &d)
	}
	sort.Slice(defs, func(i, j int) bool {
		if defs[i].RuntimeName != defs[j].RuntimeName {
			return defs[i].RuntimeName < defs[j].RuntimeName
		}
		return defs[i].Name < defs[j].Name
	})
	return defs, nil
}

// PutTemplate inserts or replaces a template
func (s *RedisStore) PutTemplate(ctx context.Context, t *graph.Template) error {
	data, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal template: %w", err)
	}
	if err := s.client.HSet(ctx, s.templateKey(t.Namespace), t.Name, data).Err(); err != nil {
		return fmt.Errorf("failed to save template to redis: %w", err)
	}
	return nil
}

// GetTemplate retrieves one template
func (s *RedisStore) GetTemplate(ctx context.Context, namespace, name string) (*graph.Template, error) {
	data, err := s.client.HGet(ctx, s.templateKey(namespace), name).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("template %s/%s: %w", namespace, name, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load template from redis: %w", err)
	}

	var t graph.Template
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal template: %w", err)
	}
	return &t, nil
}

// ListTemplates returns the templates of a namespace
func (s *RedisStore) ListTemplates(ctx context.Context, namespace string) ([]*graph.Template, error) {
	all, err := s.client.HGetAll(ctx, s.templateKey(namespace)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list templates: %w", err)
	}

	templates := make([]*graph.Template, 0, len(all))
	for _, data := range all {
		var t graph.Template
		if err := json.Unmarshal([]byte(data), &t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal template: %w", err)
		}
		templates = append(templates, &t)
	}
	sort.Slice(templates, func(i, j int) bool { return templates[i].Name < templates[j].Name })
	return templates, nil
}

// GetRun retrieves one run
func (s *RedisStore) GetRun(ctx context.Context, namespace, runID string) (*graph.Run, error) {
	data, err := s.client.HGet(ctx, s.runKey(namespace), runID).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, fmt.Errorf("run %s/%s: %w", namespace, runID, store.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load run from redis: %w", err)
	}

	var r graph.Run
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal run: %w", err)
	}
	return &r, nil
}

// ListRuns returns the known runs among runIDs
func (s *RedisStore) ListRuns(ctx context.Context, namespace string, runIDs []string) ([]*graph.Run, error) {
	if len(runIDs) == 0 {
		return []*graph.Run{}, nil
	}
	results, err := s.client.HMGet(ctx, s.runKey(namespace), runIDs...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	runs := []*graph.Run{}
	for _, result := range results {
		data, ok := result.(string)
		if !ok {
			continue
		}
		var r graph.Run
		if err := json.Unmarshal([]byte(data), &r); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run: %w", err)
		}
		runs = append(runs, &r)
	}
	return runs, nil
}

func (s *RedisStore) writeState(ctx context.Context, pipe redis.Pipeliner, st *state.State) error {
	c := st.Clone()
	doc, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}
	outputs, err := json.Marshal(state.CloneDocument(c.Outputs))
	if err != nil {
		return fmt.Errorf("failed to marshal outputs: %w", err)
	}
	lease := ""
	if c.LeaseExpiresAt != nil {
		lease = formatTime(*c.LeaseExpiresAt)
	}

	pipe.HSet(ctx, s.stateKey(c.ID),
		"doc", doc,
		"status", string(c.Status),
		"outputs", outputs,
		"error", c.Error,
		"lease", lease,
		"updated", formatTime(c.UpdatedAt),
		"created", c.CreatedAt.UnixMicro(),
		"namespace", c.Namespace,
	)
	pipe.SAdd(ctx, s.runStatesKey(c.Namespace, c.RunID), c.ID)
	pipe.SAdd(ctx, s.statusKey(c.Namespace, c.Status), c.ID)
	switch {
	case c.Status == state.Created:
		pipe.ZAdd(ctx, s.readyKey(c.Namespace, c.NodeName), redis.Z{Score: float64(c.EnqueueAfter.UnixMicro()), Member: c.ID})
	case c.Status == state.Queued && c.LeaseExpiresAt != nil:
		pipe.ZAdd(ctx, s.leasesKey(), redis.Z{Score: float64(c.LeaseExpiresAt.UnixMicro()), Member: c.ID})
	}
	return nil
}

func decodeState(fields map[string]string) (*state.State, error) {
	var st state.State
	if err := json.Unmarshal([]byte(fields["doc"]), &st); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	st.Status = state.Status(fields["status"])
	st.Error = fields["error"]
	if raw := fields["outputs"]; raw != "" {
		st.Outputs = nil
		if err := json.Unmarshal([]byte(raw), &st.Outputs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal outputs: %w", err)
		}
	}
	st.LeaseExpiresAt = nil
	if raw := fields["lease"]; raw != "" {
		lease, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse lease: %w", err)
		}
		st.LeaseExpiresAt = &lease
	}
	if raw := fields["updated"]; raw != "" {
		updated, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			return nil, fmt.Errorf("failed to parse updated_at: %w", err)
		}
		st.UpdatedAt = updated
	}
	return &st, nil
}

type hashReader interface {
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
}

func (s *RedisStore) loadState(ctx context.Context, c hashReader, id string) (*state.State, error) {
	fields, err := c.HGetAll(ctx, s.stateKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load state from redis: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("state %s: %w", id, store.ErrNotFound)
	}
	return decodeState(fields)
}

func (s *RedisStore) loadStates(ctx context.Context, ids []string) ([]*state.State, error) {
	if len(ids) == 0 {
		return []*state.State{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.stateKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to fetch states: %w", err)
	}

	states := make([]*state.State, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			continue
		}
		st, err := decodeState(fields)
		if err != nil {
			return nil, err
		}
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool { return store.Less(states[i], states[j]) })
	return states, nil
}

// CreateStates inserts the run if needed and all states in one transaction
func (s *RedisStore) CreateStates(ctx context.Context, run *graph.Run, states []*state.State) error {
	keys := make([]string, 0, len(states))
	seen := make(map[string]bool, len(states))
	for _, st := range states {
		if seen[st.ID] {
			return fmt.Errorf("state %s: %w", st.ID, store.ErrDuplicateState)
		}
		seen[st.ID] = true
		keys = append(keys, s.stateKey(st.ID))
	}

	var runJSON []byte
	if run != nil {
		data, err := json.Marshal(run)
		if err != nil {
			return fmt.Errorf("failed to marshal run: %w", err)
		}
		runJSON = data
	}

	return s.watch(ctx, func(tx *redis.Tx) error {
		if len(keys) > 0 {
			n, err := tx.Exists(ctx, keys...).Result()
			if err != nil {
				return fmt.Errorf("failed to check states: %w", err)
			}
			if n > 0 {
				return fmt.Errorf("%d of %d states: %w", n, len(keys), store.ErrDuplicateState)
			}
		}

		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			if run != nil {
				pipe.HSetNX(ctx, s.runKey(run.Namespace), run.ID, runJSON)
			}
			for _, st := range states {
				if err := s.writeState(ctx, pipe, st); err != nil {
					return err
				}
			}
			return nil
		})
		return err
	}, keys...)
}

// GetState retrieves one state
func (s *RedisStore) GetState(ctx context.Context, stateID string) (*state.State, error) {
	return s.loadState(ctx, s.client, stateID)
}

// ListStatesByRun returns the states of a run ordered by creation
func (s *RedisStore) ListStatesByRun(ctx context.Context, namespace, runID string) ([]*state.State, error) {
	ids, err := s.client.SMembers(ctx, s.runStatesKey(namespace, runID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list states for run %s: %w", runID, err)
	}
	return s.loadStates(ctx, ids)
}

// ListStatesByStatus returns the states of a namespace in any of statuses
func (s *RedisStore) ListStatesByStatus(ctx context.Context, namespace string, statuses []state.Status) ([]*state.State, error) {
	if len(statuses) == 0 {
		return []*state.State{}, nil
	}
	keys := make([]string, len(statuses))
	for i, st := range statuses {
		keys[i] = s.statusKey(namespace, st)
	}
	ids, err := s.client.SUnion(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list states by status: %w", err)
	}
	return s.loadStates(ctx, ids)
}

// claimScript moves the oldest ready states of the given nodes to QUEUED.
//
// KEYS: leases, status CREATED set, status QUEUED set, ready zsets...
// ARGV: now (micros), limit, lease (micros), lease, state key prefix, now
var claimScript = redis.NewScript(`
local limit = tonumber(ARGV[2])
local candidates = {}
for i = 4, #KEYS do
	local ids = redis.call('ZRANGEBYSCORE', KEYS[i], '-inf', ARGV[1])
	for _, id in ipairs(ids) do
		local created = tonumber(redis.call('HGET', ARGV[5] .. id, 'created'))
		table.insert(candidates, {id = id, created = created, ready = KEYS[i]})
	end
end
table.sort(candidates, function(a, b)
	if a.created ~= b.created then
		return a.created < b.created
	end
	return a.id < b.id
end)
local claimed = {}
for i = 1, math.min(limit, #candidates) do
	local c = candidates[i]
	redis.call('ZREM', c.ready, c.id)
	redis.call('HSET', ARGV[5] .. c.id, 'status', 'QUEUED', 'lease', ARGV[4], 'updated', ARGV[6])
	redis.call('ZADD', KEYS[1], ARGV[3], c.id)
	redis.call('SREM', KEYS[2], c.id)
	redis.call('SADD', KEYS[3], c.id)
	table.insert(claimed, c.id)
end
return claimed
`)

// Claim moves the oldest eligible CREATED states to QUEUED
func (s *RedisStore) Claim(ctx context.Context, q store.ClaimQuery) ([]*state.State, error) {
	if len(q.NodeNames) == 0 || q.Limit <= 0 {
		return []*state.State{}, nil
	}

	keys := []string{
		s.leasesKey(),
		s.statusKey(q.Namespace, state.Created),
		s.statusKey(q.Namespace, state.Queued),
	}
	for _, n := range q.NodeNames {
		keys = append(keys, s.readyKey(q.Namespace, n))
	}

	ids, err := claimScript.Run(ctx, s.client, keys,
		q.Now.UnixMicro(),
		q.Limit,
		q.LeaseUntil.UnixMicro(),
		formatTime(q.LeaseUntil),
		s.stateKey(""),
		formatTime(q.Now),
	).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to claim states: %w", err)
	}
	return s.loadStates(ctx, ids)
}

// ListExpired returns QUEUED states whose lease has passed, earliest expiry
// first
func (s *RedisStore) ListExpired(ctx context.Context, now time.Time, limit int) ([]*state.State, error) {
	if limit <= 0 {
		return []*state.State{}, nil
	}

	ids, err := s.client.ZRangeByScore(ctx, s.leasesKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMicro(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list expired states: %w", err)
	}
	states, err := s.loadStates(ctx, ids)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(states, func(i, j int) bool {
		a, b := states[i].LeaseExpiresAt, states[j].LeaseExpiresAt
		return a != nil && b != nil && a.Before(*b)
	})
	return states, nil
}

// Transition applies a compare-and-set status change and inserts spawned
// states in the same transaction
func (s *RedisStore) Transition(ctx context.Context, t store.Transition) (*state.State, error) {
	if err := store.CheckTransition(t); err != nil {
		return nil, err
	}

	keys := []string{s.stateKey(t.StateID)}
	for _, child := range t.Spawn {
		keys = append(keys, s.stateKey(child.ID))
	}

	var result *state.State
	var conflict bool
	err := s.watch(ctx, func(tx *redis.Tx) error {
		result, conflict = nil, false

		st, err := s.loadState(ctx, tx, t.StateID)
		if err != nil {
			return err
		}
		if st.Status != t.From {
			result, conflict = st, true
			return fmt.Errorf("state %s is %s, expected %s: %w", t.StateID, st.Status, t.From, store.ErrStatusConflict)
		}
		if len(keys) > 1 {
			n, err := tx.Exists(ctx, keys[1:]...).Result()
			if err != nil {
				return fmt.Errorf("failed to check states: %w", err)
			}
			if n > 0 {
				return fmt.Errorf("spawned state: %w", store.ErrDuplicateState)
			}
		}

		store.Apply(st, t)
		outputs, err := json.Marshal(state.CloneDocument(st.Outputs))
		if err != nil {
			return fmt.Errorf("failed to marshal outputs: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, s.stateKey(st.ID),
				"status", string(st.Status),
				"outputs", outputs,
				"error", st.Error,
				"lease", "",
				"updated", formatTime(st.UpdatedAt),
			)
			pipe.ZRem(ctx, s.leasesKey(), st.ID)
			if t.From == state.Created {
				pipe.ZRem(ctx, s.readyKey(st.Namespace, st.NodeName), st.ID)
			}
			pipe.SRem(ctx, s.statusKey(st.Namespace, t.From), st.ID)
			pipe.SAdd(ctx, s.statusKey(st.Namespace, t.To), st.ID)
			for _, child := range t.Spawn {
				if err := s.writeState(ctx, pipe, child); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = st
		return nil
	}, keys...)
	if err != nil {
		if conflict {
			return result, err
		}
		return nil, err
	}
	return result, nil
}
