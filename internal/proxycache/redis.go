package proxycache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/gomodule/redigo/redis"
)

const (
	keyPrefix          = "als:"
	dfspKeyPrefix      = keyPrefix + "dfsp:"
	pendingKeyPrefix   = keyPrefix + "req:"
	interSchemeIndex   = keyPrefix + "expiry:interscheme"
	getPartiesIndex    = keyPrefix + "expiry:getparties"
	pendingRetentionMs = int64(time.Hour / time.Millisecond)
)

// KEYS[1] pending set, KEYS[2] expiry index
// ARGV[1] expires-at ms, ARGV[2] member, ARGV[3] retention ms, ARGV[4..] proxies
var setProxiesScript = redis.NewScript(2, `
redis.call('DEL', KEYS[1])
for i = 4, #ARGV do
  redis.call('SADD', KEYS[1], ARGV[i])
end
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[3]))
redis.call('ZADD', KEYS[2], ARGV[1], ARGV[2])
return 1
`)

// KEYS[1] pending set, KEYS[2] expiry index; ARGV[1] member
var successScript = redis.NewScript(2, `
redis.call('ZREM', KEYS[2], ARGV[1])
return redis.call('DEL', KEYS[1])
`)

// KEYS[1] pending set, KEYS[2] expiry index; ARGV[1] proxy, ARGV[2] member
var errorScript = redis.NewScript(2, `
redis.call('SREM', KEYS[1], ARGV[1])
if redis.call('SCARD', KEYS[1]) == 0 then
  redis.call('DEL', KEYS[1])
  redis.call('ZREM', KEYS[2], ARGV[2])
  return 1
end
return 0
`)

// KEYS[1] expiry index, KEYS[2] pending set; ARGV[1] member
var claimScript = redis.NewScript(2, `
if redis.call('ZREM', KEYS[1], ARGV[1]) == 1 then
  redis.call('DEL', KEYS[2])
  return 1
end
return 0
`)

// RedisClient keeps proxy routing state in Redis. Expiry is tracked with
// sorted-set indexes scored by deadline so that any replica can claim an
// expired key exactly once.
type RedisClient struct {
	pool *redis.Pool
	opts Options
	now  func() time.Time
}

// NewRedisClient creates a client over pool.
func NewRedisClient(pool *redis.Pool, opts Options) *RedisClient {
	return &RedisClient{pool: pool, opts: opts.withDefaults(), now: time.Now}
}

// NewPool dials addrs round-robin, the first reachable one wins.
func NewPool(addrs []string, password string, dialTimeout time.Duration) *redis.Pool {
	var (
		mu sync.Mutex
		i  int
	)
	return &redis.Pool{
		MaxIdle:     16,
		MaxActive:   64,
		IdleTimeout: 5 * time.Minute,
		Wait:        true,
		Dial: func() (redis.Conn, error) {
			var lastErr error
			for n := 0; n < len(addrs); n++ {
				mu.Lock()
				addr := addrs[i%len(addrs)]
				i++
				mu.Unlock()

				c, err := redis.Dial("tcp", addr,
					redis.DialPassword(password),
					redis.DialConnectTimeout(dialTimeout),
					redis.DialReadTimeout(dialTimeout),
					redis.DialWriteTimeout(dialTimeout),
				)
				if err == nil {
					return c, nil
				}
				lastErr = err
			}
			if lastErr == nil {
				lastErr = errors.New("no redis addresses configured")
			}
			return nil, lastErr
		},
		TestOnBorrow: func(c redis.Conn, t time.Time) error {
			if time.Since(t) < time.Minute {
				return nil
			}
			_, err := c.Do("PING")
			return err
		},
	}
}

func (c *RedisClient) conn(ctx context.Context, op string) (redis.Conn, error) {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return nil, c.fail(op, err)
	}
	return conn, nil
}

func (c *RedisClient) fail(op string, err error) error {
	cacheErrors.WithLabelValues(op).Inc()
	return &UnavailableError{Op: op, Err: err}
}

func (c *RedisClient) LookupProxyByDfspID(ctx context.Context, fspID string) (string, error) {
	conn, err := c.conn(ctx, "lookup_proxy")
	if err != nil {
		return "", err
	}
	defer conn.Close()

	proxy, err := redis.String(redis.DoContext(conn, ctx, "GET", dfspKeyPrefix+fspID))
	if errors.Is(err, redis.ErrNil) {
		return "", nil
	}
	if err != nil {
		return "", c.fail("lookup_proxy", err)
	}
	return proxy, nil
}

func (c *RedisClient) AddDfspIDToProxyMapping(ctx context.Context, fspID, proxyID string) (bool, error) {
	conn, err := c.conn(ctx, "add_mapping")
	if err != nil {
		return false, err
	}
	defer conn.Close()

	prev, err := redis.String(redis.DoContext(conn, ctx, "SET", dfspKeyPrefix+fspID, proxyID, "GET"))
	if err != nil && !errors.Is(err, redis.ErrNil) {
		return false, c.fail("add_mapping", err)
	}
	return prev != proxyID, nil
}

func (c *RedisClient) RemoveDfspIDFromProxyMapping(ctx context.Context, fspID string) (bool, error) {
	conn, err := c.conn(ctx, "remove_mapping")
	if err != nil {
		return false, err
	}
	defer conn.Close()

	n, err := redis.Int(redis.DoContext(conn, ctx, "DEL", dfspKeyPrefix+fspID))
	if err != nil {
		return false, c.fail("remove_mapping", err)
	}
	return n == 1, nil
}

func (c *RedisClient) SetSendToProxiesList(ctx context.Context, req AlsRequest, proxies []string) (bool, error) {
	conn, err := c.conn(ctx, "set_proxies")
	if err != nil {
		return false, err
	}
	defer conn.Close()

	member := req.Key()
	expiresAt := c.now().Add(c.opts.DiscoveryTTL).UnixMilli()
	args := redis.Args{}.Add(pendingKeyPrefix+member, interSchemeIndex).
		Add(expiresAt, member, pendingRetentionMs+c.opts.DiscoveryTTL.Milliseconds()).
		AddFlat(proxies)
	if _, err := setProxiesScript.DoContext(ctx, conn, args...); err != nil {
		return false, c.fail("set_proxies", err)
	}
	return true, nil
}

func (c *RedisClient) ReceivedSuccessResponse(ctx context.Context, req AlsRequest) (bool, error) {
	conn, err := c.conn(ctx, "received_success")
	if err != nil {
		return false, err
	}
	defer conn.Close()

	member := req.Key()
	n, err := redis.Int(successScript.DoContext(ctx, conn, pendingKeyPrefix+member, interSchemeIndex, member))
	if err != nil {
		return false, c.fail("received_success", err)
	}
	return n == 1, nil
}

func (c *RedisClient) ReceivedErrorResponse(ctx context.Context, req AlsRequest, proxyID string) (bool, error) {
	conn, err := c.conn(ctx, "received_error")
	if err != nil {
		return false, err
	}
	defer conn.Close()

	member := req.Key()
	n, err := redis.Int(errorScript.DoContext(ctx, conn, pendingKeyPrefix+member, interSchemeIndex, proxyID, member))
	if err != nil {
		return false, c.fail("received_error", err)
	}
	return n == 1, nil
}

func (c *RedisClient) SetProxyGetPartiesTimeout(ctx context.Context, req AlsRequest, proxyID string) (bool, error) {
	conn, err := c.conn(ctx, "set_get_parties_timeout")
	if err != nil {
		return false, err
	}
	defer conn.Close()

	expiresAt := c.now().Add(c.opts.GetPartiesTTL).UnixMilli()
	if _, err := redis.DoContext(conn, ctx, "ZADD", getPartiesIndex, expiresAt, getPartiesMember(req, proxyID)); err != nil {
		return false, c.fail("set_get_parties_timeout", err)
	}
	return true, nil
}

func (c *RedisClient) RemoveProxyGetPartiesTimeout(ctx context.Context, req AlsRequest, proxyID string) (bool, error) {
	conn, err := c.conn(ctx, "remove_get_parties_timeout")
	if err != nil {
		return false, err
	}
	defer conn.Close()

	n, err := redis.Int(redis.DoContext(conn, ctx, "ZREM", getPartiesIndex, getPartiesMember(req, proxyID)))
	if err != nil {
		return false, c.fail("remove_get_parties_timeout", err)
	}
	return n == 1, nil
}

func (c *RedisClient) ProcessExpiredAlsKeys(ctx context.Context, handler Handler, batchSize int) error {
	return c.processExpired(ctx, VariantInterScheme, interSchemeIndex, handler, batchSize)
}

func (c *RedisClient) ProcessExpiredProxyGetPartiesKeys(ctx context.Context, handler Handler, batchSize int) error {
	return c.processExpired(ctx, VariantProxyGetParties, getPartiesIndex, handler, batchSize)
}

func (c *RedisClient) processExpired(ctx context.Context, v Variant, index string, handler Handler, batchSize int) error {
	if batchSize <= 0 {
		batchSize = 100
	}
	op := "process_expired_" + string(v)
	var errs []error

	for ctx.Err() == nil {
		members, err := c.expiredBatch(ctx, op, index, batchSize)
		if err != nil {
			return errors.Join(append(errs, err)...)
		}

		for _, member := range members {
			claimed, err := c.claim(ctx, op, index, v, member)
			if err != nil {
				return errors.Join(append(errs, err)...)
			}
			if !claimed {
				continue
			}
			expiredKeys.WithLabelValues(string(v)).Inc()
			key, err := expiredFromMember(v, member)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if err := handler(ctx, key); err != nil {
				errs = append(errs, err)
			}
		}
		if len(members) < batchSize {
			break
		}
	}
	return errors.Join(errs...)
}

func (c *RedisClient) expiredBatch(ctx context.Context, op, index string, batchSize int) ([]string, error) {
	conn, err := c.conn(ctx, op)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	now := strconv.FormatInt(c.now().UnixMilli(), 10)
	members, err := redis.Strings(redis.DoContext(conn, ctx, "ZRANGEBYSCORE", index, "-inf", now, "LIMIT", 0, batchSize))
	if err != nil {
		return nil, c.fail(op, err)
	}
	return members, nil
}

func (c *RedisClient) claim(ctx context.Context, op, index string, v Variant, member string) (bool, error) {
	conn, err := c.conn(ctx, op)
	if err != nil {
		return false, err
	}
	defer conn.Close()

	var n int
	if v == VariantProxyGetParties {
		n, err = redis.Int(redis.DoContext(conn, ctx, "ZREM", index, member))
	} else {
		n, err = redis.Int(claimScript.DoContext(ctx, conn, index, pendingKeyPrefix+member, member))
	}
	if err != nil {
		return false, c.fail(op, err)
	}
	return n == 1, nil
}

func (c *RedisClient) HealthCheck(ctx context.Context) bool {
	conn, err := c.pool.GetContext(ctx)
	if err != nil {
		return false
	}
	defer conn.Close()
	_, err = redis.DoContext(conn, ctx, "PING")
	return err == nil
}
