// Package redis provides a Redis-backed AccountStore.
//
// Each account is a hash; a set indexes the user IDs for List. Writes that
// need an existence check run as Lua scripts so the check and the update are
// one atomic unit on the server.
//
// On Redis Cluster the account hash and the index set must share a slot: use
// a key prefix containing a hash tag, e.g. "{tokenquota}:".
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/ineyio/tokenquota"
)

// Store is a Redis-backed AccountStore.
type Store struct {
	client    goredis.Cmdable
	keyPrefix string
	now       func() time.Time
}

var _ tokenquota.AccountStore = (*Store)(nil)

// Option configures Store.
type Option func(*Store)

// WithKeyPrefix sets the Redis key prefix (default "tokenquota:").
func WithKeyPrefix(prefix string) Option {
	return func(s *Store) { s.keyPrefix = prefix }
}

// WithClock sets the time source used for last_updated.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new Redis-backed AccountStore.
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func New(client goredis.Cmdable, opts ...Option) *Store {
	s := &Store{
		client:    client,
		keyPrefix: "tokenquota:",
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) accountKey(userID string) string {
	return s.keyPrefix + "account:" + userID
}

func (s *Store) indexKey() string {
	return s.keyPrefix + "accounts"
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

// createScript inserts an account unless it exists.
// KEYS[1] = account hash key
// KEYS[2] = index set key
// ARGV[1] = user id
// ARGV[2] = token limit
// ARGV[3] = last_updated
//
// Returns the new hash, or nil if the account already exists.
var createScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
    return false
end
redis.call("HSET", KEYS[1],
    "user_id", ARGV[1],
    "token_limit", ARGV[2],
    "token_usage", "0",
    "total_cost", "0",
    "last_updated", ARGV[3])
redis.call("SADD", KEYS[2], ARGV[1])
return redis.call("HGETALL", KEYS[1])
`)

// updateLimitScript overwrites the limit of an existing account.
// KEYS[1] = account hash key
// ARGV[1] = token limit
// ARGV[2] = last_updated
//
// Returns the updated hash, or nil if the account is missing.
var updateLimitScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return false
end
redis.call("HSET", KEYS[1], "token_limit", ARGV[1], "last_updated", ARGV[2])
return redis.call("HGETALL", KEYS[1])
`)

// incrementScript adds a usage delta to an existing account.
// KEYS[1] = account hash key
// ARGV[1] = tokens
// ARGV[2] = cost
// ARGV[3] = last_updated
// ARGV[4] = largest token_usage that can take the delta
//
// Returns the updated hash, or nil if the account is missing. The EXISTS
// guard keeps HINCRBY from recreating a deleted account. Lua numbers are
// doubles, so the bound is compared as non-negative decimal strings.
var incrementScript = goredis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
    return false
end
local usage = redis.call("HGET", KEYS[1], "token_usage")
local ceiling = ARGV[4]
if #usage > #ceiling or (#usage == #ceiling and usage > ceiling) then
    return redis.error_reply("` + overflowReply + `")
end
redis.call("HINCRBY", KEYS[1], "token_usage", ARGV[1])
redis.call("HINCRBYFLOAT", KEYS[1], "total_cost", ARGV[2])
redis.call("HSET", KEYS[1], "last_updated", ARGV[3])
return redis.call("HGETALL", KEYS[1])
`)

const overflowReply = "OVERFLOW token_usage"

// Create inserts a new account.
func (s *Store) Create(ctx context.Context, userID string, tokenLimit int64) (tokenquota.Account, error) {
	fields, err := createScript.Run(ctx, s.client,
		[]string{s.accountKey(userID), s.indexKey()},
		userID, tokenLimit, s.timestamp(),
	).StringSlice()
	if errors.Is(err, goredis.Nil) {
		return tokenquota.Account{}, tokenquota.AlreadyExistsError("create", userID)
	}
	if err != nil {
		return tokenquota.Account{}, tokenquota.StorageError("create", userID, err)
	}
	return s.parsePairs("create", userID, fields)
}

// Get returns the account hash.
func (s *Store) Get(ctx context.Context, userID string) (tokenquota.Account, error) {
	vals, err := s.client.HGetAll(ctx, s.accountKey(userID)).Result()
	if err != nil {
		return tokenquota.Account{}, tokenquota.StorageError("get", userID, err)
	}
	if len(vals) == 0 {
		return tokenquota.Account{}, tokenquota.NotFoundError("get", userID)
	}
	return s.parseMap("get", userID, vals)
}

// UpdateLimit overwrites the token limit of an existing account.
func (s *Store) UpdateLimit(ctx context.Context, userID string, newLimit int64) (tokenquota.Account, error) {
	fields, err := updateLimitScript.Run(ctx, s.client,
		[]string{s.accountKey(userID)},
		newLimit, s.timestamp(),
	).StringSlice()
	if errors.Is(err, goredis.Nil) {
		return tokenquota.Account{}, tokenquota.NotFoundError("update_limit", userID)
	}
	if err != nil {
		return tokenquota.Account{}, tokenquota.StorageError("update_limit", userID, err)
	}
	return s.parsePairs("update_limit", userID, fields)
}

// IncrementUsage applies the delta server-side.
func (s *Store) IncrementUsage(ctx context.Context, userID string, tokens int64, cost float64) (tokenquota.Account, error) {
	if err := tokenquota.ValidateDelta(tokens, cost); err != nil {
		return tokenquota.Account{}, &tokenquota.AccountError{Op: "increment_usage", UserID: userID, Err: err}
	}
	fields, err := incrementScript.Run(ctx, s.client,
		[]string{s.accountKey(userID)},
		tokens, strconv.FormatFloat(cost, 'f', -1, 64), s.timestamp(), tokenquota.UsageCeiling(tokens),
	).StringSlice()
	if errors.Is(err, goredis.Nil) {
		return tokenquota.Account{}, tokenquota.NotFoundError("increment_usage", userID)
	}
	if err != nil && strings.HasPrefix(err.Error(), overflowReply) {
		return tokenquota.Account{}, tokenquota.UsageOverflowError("increment_usage", userID)
	}
	if err != nil {
		return tokenquota.Account{}, tokenquota.StorageError("increment_usage", userID, err)
	}
	return s.parsePairs("increment_usage", userID, fields)
}

// Delete removes the hash and its index entry.
func (s *Store) Delete(ctx context.Context, userID string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.Del(ctx, s.accountKey(userID))
		pipe.SRem(ctx, s.indexKey(), userID)
		return nil
	})
	if err != nil {
		return tokenquota.StorageError("delete", userID, err)
	}
	return nil
}

// List reads every indexed account in one pipeline. IDs whose hash vanished
// between the two round trips are skipped.
func (s *Store) List(ctx context.Context) ([]tokenquota.Account, error) {
	ids, err := s.client.SMembers(ctx, s.indexKey()).Result()
	if err != nil {
		return nil, tokenquota.StorageError("list", "", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*goredis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, s.accountKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, tokenquota.StorageError("list", "", err)
	}

	accounts := make([]tokenquota.Account, 0, len(ids))
	for i, cmd := range cmds {
		vals := cmd.Val()
		if len(vals) == 0 {
			continue
		}
		acc, err := s.parseMap("list", ids[i], vals)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, acc)
	}
	return accounts, nil
}

// parsePairs decodes a flat HGETALL reply returned from a script.
func (s *Store) parsePairs(op, userID string, fields []string) (tokenquota.Account, error) {
	if len(fields)%2 != 0 {
		return tokenquota.Account{}, tokenquota.StorageError(op, userID, fmt.Errorf("odd hash reply length %d", len(fields)))
	}
	vals := make(map[string]string, len(fields)/2)
	for i := 0; i < len(fields); i += 2 {
		vals[fields[i]] = fields[i+1]
	}
	return s.parseMap(op, userID, vals)
}

func (s *Store) parseMap(op, userID string, vals map[string]string) (tokenquota.Account, error) {
	acc, err := decodeAccount(vals)
	if err != nil {
		return tokenquota.Account{}, tokenquota.StorageError(op, userID, err)
	}
	return acc, nil
}

func decodeAccount(vals map[string]string) (tokenquota.Account, error) {
	var (
		acc tokenquota.Account
		err error
	)
	acc.UserID = vals["user_id"]
	if acc.TokenLimit, err = strconv.ParseInt(vals["token_limit"], 10, 64); err != nil {
		return acc, fmt.Errorf("parse token_limit: %w", err)
	}
	if acc.TokenUsage, err = strconv.ParseInt(vals["token_usage"], 10, 64); err != nil {
		return acc, fmt.Errorf("parse token_usage: %w", err)
	}
	if acc.TotalCost, err = strconv.ParseFloat(vals["total_cost"], 64); err != nil {
		return acc, fmt.Errorf("parse total_cost: %w", err)
	}
	if acc.LastUpdated, err = time.Parse(time.RFC3339Nano, vals["last_updated"]); err != nil {
		return acc, fmt.Errorf("parse last_updated: %w", err)
	}
	return acc, nil
}
