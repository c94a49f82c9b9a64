package session

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/princekumarofficial/uploads-service/internal/types"
)

// Key patterns
const (
	sessionKey     = "upload:session:%s" // hash of session fields
	chunksKey      = "upload:chunks:%s"  // set of received chunk indices
	expiryIndexKey = "upload:expiry"     // zset of OPEN sessions scored by expires_at ms
	terminalKey    = "upload:terminal"   // zset of COMMITTED/EXPIRED sessions scored by updated_at ms
	writesKey      = "upload:writes:%s"  // zset of chunk write leases scored by lease end ms
)

var createScript = redis.NewScript(`
	if redis.call('EXISTS', KEYS[1]) == 1 then
		return 0
	end
	redis.call('HSET', KEYS[1],
		'owner_id', ARGV[2], 'file_name', ARGV[3], 'total_size', ARGV[4],
		'total_chunks', ARGV[5], 'metadata', ARGV[6], 'created_at', ARGV[7],
		'expires_at', ARGV[8], 'updated_at', ARGV[7], 'state', 'OPEN')
	redis.call('ZADD', KEYS[2], ARGV[8], ARGV[1])
	return 1
`)

// addChunkScript returns {count} on success or {code, state} on failure:
// -1 not found, -2 expired, -3 wrong state, -4 index out of range.
var addChunkScript = redis.NewScript(`
	local state = redis.call('HGET', KEYS[1], 'state')
	if not state then
		return {-1}
	end
	local now = tonumber(ARGV[2])
	local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
	if state == 'EXPIRED' or now >= expires then
		return {-2}
	end
	if state ~= 'OPEN' and state ~= 'FAILED' then
		return {-3, state}
	end
	local idx = tonumber(ARGV[1])
	local total = tonumber(redis.call('HGET', KEYS[1], 'total_chunks'))
	if idx < 0 or idx >= total then
		return {-4}
	end
	redis.call('SADD', KEYS[2], idx)
	redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
	return {redis.call('SCARD', KEYS[2])}
`)

// acquireWriteScript checks the session accepts chunk ARGV[1] and records a
// write lease. Failure codes match addChunkScript.
var acquireWriteScript = redis.NewScript(`
	local state = redis.call('HGET', KEYS[1], 'state')
	if not state then
		return {-1}
	end
	local now = tonumber(ARGV[2])
	local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
	if state == 'EXPIRED' or now >= expires then
		return {-2}
	end
	if state ~= 'OPEN' and state ~= 'FAILED' then
		return {-3, state}
	end
	local idx = tonumber(ARGV[1])
	local total = tonumber(redis.call('HGET', KEYS[1], 'total_chunks'))
	if idx < 0 or idx >= total then
		return {-4}
	end
	redis.call('ZADD', KEYS[2], ARGV[4], ARGV[3])
	return {1}
`)

// transitionScript is the compare-and-set on state. Entering COMMITTING
// also requires that no chunk write lease is live.
// ARGV: id, to, now, guard, result, failure_reason, metadata, failure_kind, from...
var transitionScript = redis.NewScript(`
	local state = redis.call('HGET', KEYS[1], 'state')
	if not state then
		return {'missing'}
	end
	local allowed = false
	for i = 9, #ARGV do
		if ARGV[i] == state then
			allowed = true
		end
	end
	if not allowed then
		return {'conflict', state}
	end
	local now = tonumber(ARGV[3])
	local expires = tonumber(redis.call('HGET', KEYS[1], 'expires_at'))
	if ARGV[4] == 'live' and now >= expires then
		return {'expired', state}
	end
	if ARGV[4] == 'past_deadline' and now < expires then
		return {'conflict', state}
	end
	if ARGV[2] == 'COMMITTING' then
		redis.call('ZREMRANGEBYSCORE', KEYS[4], '-inf', ARGV[3])
		if redis.call('ZCARD', KEYS[4]) > 0 then
			return {'busy', state}
		end
	end
	redis.call('HSET', KEYS[1], 'state', ARGV[2], 'updated_at', ARGV[3])
	if ARGV[5] ~= '' then
		redis.call('HSET', KEYS[1], 'result', ARGV[5])
	end
	if ARGV[6] ~= '' then
		redis.call('HSET', KEYS[1], 'failure_reason', ARGV[6])
	end
	if ARGV[7] ~= '' then
		redis.call('HSET', KEYS[1], 'metadata', ARGV[7])
	end
	if ARGV[8] ~= '' then
		redis.call('HSET', KEYS[1], 'failure_kind', ARGV[8])
	end
	if ARGV[2] ~= 'OPEN' then
		redis.call('ZREM', KEYS[2], ARGV[1])
	end
	if ARGV[2] == 'COMMITTED' or ARGV[2] == 'EXPIRED' then
		redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
	end
	return {'ok'}
`)

var deleteIfScript = redis.NewScript(`
	local state = redis.call('HGET', KEYS[1], 'state')
	if not state then
		redis.call('ZREM', KEYS[3], ARGV[1])
		redis.call('ZREM', KEYS[4], ARGV[1])
		return {'missing'}
	end
	for i = 2, #ARGV do
		if ARGV[i] == state then
			redis.call('DEL', KEYS[1], KEYS[2], KEYS[5])
			redis.call('ZREM', KEYS[3], ARGV[1])
			redis.call('ZREM', KEYS[4], ARGV[1])
			return {'ok'}
		end
	end
	return {'conflict', state}
`)

// RedisStore keeps sessions in Redis so any number of service replicas and
// the standalone sweeper share one view. Every state change is a Lua script,
// which makes it atomic on the server.
type RedisStore struct {
	redis *redis.Client
}

func NewRedisStore(redisClient *redis.Client) *RedisStore {
	return &RedisStore{redis: redisClient}
}

func millis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(s string) (time.Time, error) {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

func encodeJSON(v interface{}) (string, error) {
	if v == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (r *RedisStore) Create(ctx context.Context, s *Session) error {
	metadata, err := encodeJSON(s.Metadata)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	created, err := createScript.Run(ctx, r.redis,
		[]string{fmt.Sprintf(sessionKey, s.ID), expiryIndexKey},
		s.ID, s.OwnerID, s.FileName, s.TotalSize, s.TotalChunks, metadata,
		millis(s.CreatedAt), millis(s.ExpiresAt)).Int()
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if created == 0 {
		return fmt.Errorf("%w: session %s already exists", types.ErrInvalidState, s.ID)
	}

	return nil
}

func (r *RedisStore) Get(ctx context.Context, uploadID string) (*Session, error) {
	var fields *redis.StringStringMapCmd
	var members *redis.StringSliceCmd

	_, err := r.redis.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		fields = pipe.HGetAll(ctx, fmt.Sprintf(sessionKey, uploadID))
		members = pipe.SMembers(ctx, fmt.Sprintf(chunksKey, uploadID))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}

	values := fields.Val()
	if len(values) == 0 {
		return nil, types.ErrNotFound
	}

	s, err := decodeSession(uploadID, values)
	if err != nil {
		return nil, fmt.Errorf("decode session %s: %w", uploadID, err)
	}

	set := make(map[int]struct{}, len(members.Val()))
	for _, m := range members.Val() {
		idx, err := strconv.Atoi(m)
		if err != nil {
			return nil, fmt.Errorf("decode chunk index %q: %w", m, err)
		}
		set[idx] = struct{}{}
	}
	s.Uploaded = sortedIndices(set)

	return s, nil
}

func decodeSession(uploadID string, v map[string]string) (*Session, error) {
	s := &Session{
		ID:            uploadID,
		OwnerID:       v["owner_id"],
		FileName:      v["file_name"],
		State:         types.State(v["state"]),
		FailureReason: v["failure_reason"],
		FailureKind:   v["failure_kind"],
	}

	var err error
	if s.TotalSize, err = strconv.ParseInt(v["total_size"], 10, 64); err != nil {
		return nil, fmt.Errorf("total_size: %w", err)
	}
	if s.TotalChunks, err = strconv.Atoi(v["total_chunks"]); err != nil {
		return nil, fmt.Errorf("total_chunks: %w", err)
	}
	if s.CreatedAt, err = fromMillis(v["created_at"]); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if s.ExpiresAt, err = fromMillis(v["expires_at"]); err != nil {
		return nil, fmt.Errorf("expires_at: %w", err)
	}
	if s.UpdatedAt, err = fromMillis(v["updated_at"]); err != nil {
		return nil, fmt.Errorf("updated_at: %w", err)
	}
	if raw := v["metadata"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &s.Metadata); err != nil {
			return nil, fmt.Errorf("metadata: %w", err)
		}
	}
	if raw := v["result"]; raw != "" {
		var result types.CommitResult
		if err := json.Unmarshal([]byte(raw), &result); err != nil {
			return nil, fmt.Errorf("result: %w", err)
		}
		s.Result = &result
	}

	return s, nil
}

func (r *RedisStore) AddChunk(ctx context.Context, uploadID string, index int, now time.Time) (int, error) {
	res, err := addChunkScript.Run(ctx, r.redis,
		[]string{fmt.Sprintf(sessionKey, uploadID), fmt.Sprintf(chunksKey, uploadID)},
		index, millis(now)).Slice()
	if err != nil {
		return 0, fmt.Errorf("add chunk: %w", err)
	}
	return chunkScriptResult("add chunk", res)
}

func (r *RedisStore) AcquireWrite(ctx context.Context, uploadID string, index int, token string, until, now time.Time) error {
	res, err := acquireWriteScript.Run(ctx, r.redis,
		[]string{fmt.Sprintf(sessionKey, uploadID), fmt.Sprintf(writesKey, uploadID)},
		index, millis(now), token, millis(until)).Slice()
	if err != nil {
		return fmt.Errorf("acquire chunk write: %w", err)
	}
	_, err = chunkScriptResult("acquire chunk write", res)
	return err
}

func (r *RedisStore) ReleaseWrite(ctx context.Context, uploadID, token string) error {
	if err := r.redis.ZRem(ctx, fmt.Sprintf(writesKey, uploadID), token).Err(); err != nil {
		return fmt.Errorf("release chunk write: %w", err)
	}
	return nil
}

// chunkScriptResult decodes {count} or {code, state} from the chunk scripts
func chunkScriptResult(op string, res []interface{}) (int, error) {
	if len(res) == 0 {
		return 0, fmt.Errorf("%s: empty script result", op)
	}

	code, ok := res[0].(int64)
	if !ok {
		return 0, fmt.Errorf("%s: unexpected script result %v", op, res)
	}
	switch code {
	case -1:
		return 0, types.ErrNotFound
	case -2:
		return 0, types.ErrExpired
	case -3:
		return 0, fmt.Errorf("%w: session is %v", types.ErrInvalidState, res[1])
	case -4:
		return 0, types.ErrIndexOutOfRange
	}
	return int(code), nil
}

func guardArg(g Guard) string {
	switch g {
	case GuardLive:
		return "live"
	case GuardPastDeadline:
		return "past_deadline"
	default:
		return ""
	}
}

func (r *RedisStore) Transition(ctx context.Context, uploadID string, from []types.State, to types.State, guard Guard, patch Patch, now time.Time) (*Session, error) {
	result, err := encodeJSON(patch.Result)
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	var metadata string
	if patch.Metadata != nil {
		if metadata, err = encodeJSON(patch.Metadata); err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
	}
	if patch.Result == nil {
		result = ""
	}

	args := []interface{}{uploadID, string(to), millis(now), guardArg(guard), result, patch.FailureReason, metadata, patch.FailureKind}
	for _, s := range from {
		args = append(args, string(s))
	}

	res, err := transitionScript.Run(ctx, r.redis,
		[]string{fmt.Sprintf(sessionKey, uploadID), expiryIndexKey, terminalKey, fmt.Sprintf(writesKey, uploadID)},
		args...).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("transition session: %w", err)
	}

	switch res[0] {
	case "missing":
		return nil, types.ErrNotFound
	case "expired":
		current, getErr := r.Get(ctx, uploadID)
		if getErr != nil {
			return nil, getErr
		}
		return current, types.ErrExpired
	case "conflict":
		current, getErr := r.Get(ctx, uploadID)
		if getErr != nil {
			return nil, getErr
		}
		return current, fmt.Errorf("%w: session is %s", types.ErrInvalidState, res[1])
	case "busy":
		current, getErr := r.Get(ctx, uploadID)
		if getErr != nil {
			return nil, getErr
		}
		return current, types.ErrChunksInFlight
	}

	return r.Get(ctx, uploadID)
}

func (r *RedisStore) DeleteIf(ctx context.Context, uploadID string, from []types.State) error {
	args := []interface{}{uploadID}
	for _, s := range from {
		args = append(args, string(s))
	}

	res, err := deleteIfScript.Run(ctx, r.redis, []string{
		fmt.Sprintf(sessionKey, uploadID),
		fmt.Sprintf(chunksKey, uploadID),
		expiryIndexKey,
		terminalKey,
		fmt.Sprintf(writesKey, uploadID),
	}, args...).StringSlice()
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	switch res[0] {
	case "missing":
		return types.ErrNotFound
	case "conflict":
		return fmt.Errorf("%w: session is %s", types.ErrInvalidState, res[1])
	}
	return nil
}

func (r *RedisStore) ListExpirable(ctx context.Context, now time.Time, limit int) ([]string, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(millis(now), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}

	ids, err := r.redis.ZRangeByScore(ctx, expiryIndexKey, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("list expirable sessions: %w", err)
	}
	return ids, nil
}

func (r *RedisStore) ListTerminal(ctx context.Context, before time.Time, limit int) ([]string, error) {
	opt := &redis.ZRangeBy{
		Min: "-inf",
		Max: "(" + strconv.FormatInt(millis(before), 10),
	}
	if limit > 0 {
		opt.Count = int64(limit)
	}

	ids, err := r.redis.ZRangeByScore(ctx, terminalKey, opt).Result()
	if err != nil {
		return nil, fmt.Errorf("list terminal sessions: %w", err)
	}
	return ids, nil
}

var _ Store = (*RedisStore)(nil)
