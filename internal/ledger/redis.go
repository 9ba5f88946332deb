package ledger

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript sets every key with its own PX only if none of them exists.
// Returns {0, 0} on success or {index, pttl} of the first blocking key.
var reserveScript = redis.NewScript(`
for i = 1, #KEYS do
	local ttl = redis.call('PTTL', KEYS[i])
	if ttl ~= -2 then
		return {i, ttl}
	end
end
for i = 1, #KEYS do
	redis.call('SET', KEYS[i], ARGV[1], 'PX', ARGV[i + 1])
end
return {0, 0}
`)

// releaseScript deletes the keys still holding the reservation token.
var releaseScript = redis.NewScript(`
local n = 0
for i = 1, #KEYS do
	if redis.call('GET', KEYS[i]) == ARGV[1] then
		n = n + redis.call('DEL', KEYS[i])
	end
end
return n
`)

// commitScript rewrites owned keys with the grant value and a fresh PX.
var commitScript = redis.NewScript(`
local n = 0
for i = 1, #KEYS do
	if redis.call('GET', KEYS[i]) == ARGV[1] then
		redis.call('SET', KEYS[i], ARGV[2], 'PX', ARGV[i + 2])
		n = n + 1
	end
end
return n
`)

// Redis is the shared ledger backend. Expiry is enforced by Redis TTLs.
type Redis struct {
	client redis.UniversalClient
	now    func() time.Time
}

// RedisConfig holds connection settings. URL takes the redis:// form.
type RedisConfig struct {
	URL string
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opt, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return NewRedisFromClient(client), nil
}

// NewRedisFromClient wraps an existing client.
func NewRedisFromClient(client redis.UniversalClient) *Redis {
	return &Redis{client: client, now: time.Now}
}

func (s *Redis) Close() error {
	return s.client.Close()
}

// Remaining reads the key's PTTL.
func (s *Redis) Remaining(ctx context.Context, key Key) (time.Duration, error) {
	ttl, err := s.client.PTTL(ctx, key.String()).Result()
	if err != nil {
		return 0, fmt.Errorf("pttl %s: %w", key, err)
	}
	switch {
	case ttl == -1:
		return 0, fmt.Errorf("%s has no expiry", key)
	case ttl <= 0:
		return 0, nil
	}
	return ttl, nil
}

// Reserve runs the reserve script, which SETs every key with NX semantics
// or none of them.
func (s *Redis) Reserve(ctx context.Context, claims []Claim) (*Reservation, error) {
	if len(claims) == 0 {
		return nil, ErrNoClaims
	}
	r := newReservation(claims)
	args := make([]interface{}, 0, len(claims)+1)
	args = append(args, r.Token)
	for _, c := range claims {
		args = append(args, strconv.FormatInt(windowMillis(c.Window), 10))
	}

	res, err := reserveScript.Run(ctx, s.client, r.keys(), args...).Slice()
	if err != nil {
		return nil, fmt.Errorf("reserve: %w", err)
	}
	if len(res) != 2 {
		return nil, fmt.Errorf("reserve: unexpected reply %v", res)
	}
	idx, _ := res[0].(int64)
	if idx == 0 {
		return r, nil
	}
	if idx < 1 || int(idx) > len(claims) {
		return nil, fmt.Errorf("reserve: unexpected key index %d", idx)
	}
	blocked := claims[idx-1]
	remaining := blocked.Window
	if pttl, _ := res[1].(int64); pttl > 0 {
		remaining = time.Duration(pttl) * time.Millisecond
	}
	return nil, &ReservedError{Key: blocked.Key, Remaining: remaining}
}

// Release deletes the keys whose value is still r.Token.
func (s *Redis) Release(ctx context.Context, r *Reservation) error {
	if err := releaseScript.Run(ctx, s.client, r.keys(), r.Token).Err(); err != nil {
		return fmt.Errorf("release: %w", err)
	}
	return nil
}

// Commit swaps the token for the grant value and resets the TTLs.
func (s *Redis) Commit(ctx context.Context, r *Reservation, txID string) error {
	args := make([]interface{}, 0, len(r.Claims)+2)
	args = append(args, r.Token, grantValue(txID, s.now()))
	for _, c := range r.Claims {
		args = append(args, strconv.FormatInt(windowMillis(c.Window), 10))
	}
	n, err := commitScript.Run(ctx, s.client, r.keys(), args...).Int64()
	if err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	if n == 0 {
		return ErrReservationLost
	}
	return nil
}
