package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps tokens in Redis and relies on key expiry for cleanup.
type RedisStore struct {
	client    redis.Cmdable
	keyPrefix string
}

// NewRedisStore constructs a RedisStore. An empty prefix selects "idem:".
func NewRedisStore(client redis.Cmdable, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "idem:"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix}
}

func (s *RedisStore) tokenKey(tenantID, key string) string {
	return s.keyPrefix + "token:" + tenantID + ":" + key
}

func (s *RedisStore) processingKey(tenantID, userID, hash string) string {
	return s.keyPrefix + "processing:" + tenantID + ":" + userID + ":" + hash
}

func (s *RedisStore) Create(ctx context.Context, tok Token) (bool, error) {
	payload, err := json.Marshal(tok)
	if err != nil {
		return false, err
	}
	ttl := positiveTTL(tok.TTL())

	ok, err := s.client.SetNX(ctx, s.tokenKey(tok.TenantID, tok.Key), payload, ttl).Result()
	if err != nil || !ok {
		return false, err
	}
	if tok.Status != StatusProcessing {
		return true, nil
	}

	indexed, err := s.client.SetNX(ctx, s.processingKey(tok.TenantID, tok.UserID, tok.RequestHash), tok.Key, ttl).Result()
	if err == nil && indexed {
		return true, nil
	}
	if delErr := s.client.Del(ctx, s.tokenKey(tok.TenantID, tok.Key)).Err(); delErr != nil {
		return false, errors.Join(err, delErr)
	}
	return false, err
}

func (s *RedisStore) Get(ctx context.Context, tenantID, key string) (Token, bool, error) {
	raw, err := s.client.Get(ctx, s.tokenKey(tenantID, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, err
	}
	var tok Token
	if err := json.Unmarshal(raw, &tok); err != nil {
		return Token{}, false, err
	}
	return tok, true, nil
}

func (s *RedisStore) FindProcessing(ctx context.Context, tenantID, userID, requestHash string) (Token, bool, error) {
	key, err := s.client.Get(ctx, s.processingKey(tenantID, userID, requestHash)).Result()
	if errors.Is(err, redis.Nil) {
		return Token{}, false, nil
	}
	if err != nil {
		return Token{}, false, err
	}
	tok, found, err := s.Get(ctx, tenantID, key)
	if err != nil || !found || tok.Status != StatusProcessing {
		return Token{}, false, err
	}
	return tok, true, nil
}

func (s *RedisStore) Complete(ctx context.Context, tok Token) error {
	payload, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.tokenKey(tok.TenantID, tok.Key), payload, positiveTTL(tok.TTL()))
		pipe.Del(ctx, s.processingKey(tok.TenantID, tok.UserID, tok.RequestHash))
		return nil
	})
	return err
}

func (s *RedisStore) Delete(ctx context.Context, tenantID, key string) error {
	tok, found, err := s.Get(ctx, tenantID, key)
	if err != nil {
		return err
	}
	keys := []string{s.tokenKey(tenantID, key)}
	if found {
		index := s.processingKey(tok.TenantID, tok.UserID, tok.RequestHash)
		owner, err := s.client.Get(ctx, index).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return err
		}
		if owner == key {
			keys = append(keys, index)
		}
	}
	return s.client.Del(ctx, keys...).Err()
}

func positiveTTL(ttl time.Duration) time.Duration {
	if ttl < time.Second {
		return time.Second
	}
	return ttl
}
