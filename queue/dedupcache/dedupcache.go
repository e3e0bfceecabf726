// Package dedupcache is a redis-backed recipient cache: a RCPT TO that
// hasn't been seen recently is treated as unknown and can be rejected
// by the session layer's recipient hook (session.DefaultHooks.Dedup).
package dedupcache

import (
	"time"

	"github.com/gomodule/redigo/redis"
)

// Cache is a redis-backed sliding-window recipient cache implementing
// session.RecipientChecker.
type Cache struct {
	pool *redis.Pool
	ttl  time.Duration
}

// Open lazily connects to redis at addr (host:port). ttl is how long a
// seen recipient stays "known"; zero means entries never expire.
func Open(addr string, ttl time.Duration) *Cache {
	return &Cache{
		pool: &redis.Pool{
			MaxIdle:     3,
			IdleTimeout: 240 * time.Second,
			Dial:        func() (redis.Conn, error) { return redis.Dial("tcp", addr) },
		},
		ttl: ttl,
	}
}

// Close releases the connection pool.
func (c *Cache) Close() error { return c.pool.Close() }

// KnownRecipient reports whether email has been seen before, and marks
// it seen for future calls.
func (c *Cache) KnownRecipient(email string) (bool, error) {
	conn := c.pool.Get()
	defer conn.Close()

	known, err := redis.Bool(conn.Do("EXISTS", key(email)))
	if err != nil {
		return false, err
	}
	if c.ttl > 0 {
		if _, err := conn.Do("SET", key(email), 1, "EX", int(c.ttl.Seconds())); err != nil {
			return known, err
		}
	} else if _, err := conn.Do("SET", key(email), 1); err != nil {
		return known, err
	}
	return known, nil
}

func key(email string) string { return "vellum:rcpt:" + email }
