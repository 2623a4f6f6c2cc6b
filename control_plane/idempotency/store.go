// Package idempotency caches webhook report responses by client-supplied key
// so agent retries observe the original outcome instead of re-applying the
// write.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	keyPrefix  = "vcc:idempotency:"
	defaultTTL = 24 * time.Hour
)

// Response is the cached outcome of a processed request.
type Response struct {
	StatusCode int             `json:"status_code"`
	Body       json.RawMessage `json:"body"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Store caches responses in Redis when a client is provided, falling back to
// an in-process map otherwise. The memory fallback is ephemeral and only
// suitable for single-node dev mode.
type Store struct {
	client *redis.Client
	mem    sync.Map // key -> memEntry
	ttl    time.Duration
}

type memEntry struct {
	resp      Response
	timestamp time.Time
}

// NewStore creates a Store. client may be nil for the memory fallback.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client, ttl: defaultTTL}
}

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return client, nil
}

// Get returns the cached response for key, if any.
func (s *Store) Get(ctx context.Context, key string) (Response, bool) {
	if s.client == nil {
		return s.memGet(key)
	}

	data, err := s.client.Get(ctx, keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return Response{}, false
	}
	if err != nil {
		// A cache miss is the safe degradation; the handler re-executes.
		log.Printf("idempotency: redis get failed for %s: %v", key, err)
		return Response{}, false
	}

	var resp Response
	if err := json.Unmarshal([]byte(data), &resp); err != nil {
		log.Printf("idempotency: corrupt cache entry for %s: %v", key, err)
		return Response{}, false
	}
	return resp, true
}

// Set stores the response for key. Errors are logged, not propagated: the
// request already succeeded and a failed cache write must not undo that.
func (s *Store) Set(ctx context.Context, key string, resp Response) {
	resp.CreatedAt = time.Now()

	if s.client == nil {
		s.mem.Store(key, memEntry{resp: resp, timestamp: resp.CreatedAt})
		return
	}

	data, err := json.Marshal(resp)
	if err != nil {
		log.Printf("idempotency: marshal failed for %s: %v", key, err)
		return
	}
	if err := s.client.Set(ctx, keyPrefix+key, data, s.ttl).Err(); err != nil {
		log.Printf("idempotency: redis set failed for %s: %v", key, err)
	}
}

func (s *Store) memGet(key string) (Response, bool) {
	val, ok := s.mem.Load(key)
	if !ok {
		return Response{}, false
	}
	e := val.(memEntry)
	if time.Since(e.timestamp) > s.ttl {
		s.mem.Delete(key)
		return Response{}, false
	}
	return e.resp, true
}
