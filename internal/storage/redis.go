package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	redisSessionPrefix = "paywall:session:"
	redisAddressPrefix = "paywall:addr:"
	redisRefPrefix     = "paywall:ref:"
	redisTxRefPrefix   = "paywall:txref:"
	redisSessionSet    = "paywall:sessions"
)

// Redis is a Store shared between several service instances
type Redis struct {
	client *redis.Client
}

// NewRedis connects to redis and verifies connectivity
func NewRedis(addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Redis{client: client}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Get(ctx context.Context, id string) (*Session, error) {
	return r.load(ctx, r.client, id)
}

type redisGetter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (r *Redis) load(ctx context.Context, c redisGetter, id string) (*Session, error) {
	data, err := c.Get(ctx, redisSessionPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var sess Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

func (r *Redis) findByIndex(ctx context.Context, key string) (*Session, error) {
	id, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, id)
}

func (r *Redis) FindByAddress(ctx context.Context, addressRaw string) (*Session, error) {
	return r.findByIndex(ctx, redisAddressPrefix+addressRaw)
}

func (r *Redis) FindByReference(ctx context.Context, referenceID string) (*Session, error) {
	return r.findByIndex(ctx, redisRefPrefix+referenceID)
}

func (r *Redis) FindByPaymentRef(ctx context.Context, txRef string) (*Session, error) {
	if txRef == "" {
		return nil, ErrNotFound
	}
	return r.findByIndex(ctx, redisTxRefPrefix+txRef)
}

func (r *Redis) Create(ctx context.Context, sess *Session) error {
	sessionKey := redisSessionPrefix + sess.ID
	addrKey := redisAddressPrefix + sess.CustodialAddress
	refKey := redisRefPrefix + sess.ReferenceID

	record := sess.Clone()
	record.Version = 1
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, sessionKey, addrKey, refKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return ErrAlreadyExists
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey, data, 0)
			pipe.Set(ctx, addrKey, sess.ID, 0)
			pipe.Set(ctx, refKey, sess.ID, 0)
			pipe.SAdd(ctx, redisSessionSet, sess.ID)
			return nil
		})
		return err
	}, sessionKey, addrKey, refKey)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrAlreadyExists
	}
	if err != nil {
		return err
	}

	sess.Version = 1
	return nil
}

func (r *Redis) List(ctx context.Context) ([]*Session, error) {
	ids, err := r.client.SMembers(ctx, redisSessionSet).Result()
	if err != nil {
		return nil, err
	}

	sessions := make([]*Session, 0, len(ids))
	for _, id := range ids {
		sess, err := r.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.Before(sessions[j].CreatedAt)
	})
	return sessions, nil
}

func (r *Redis) UpdateIfUnchanged(ctx context.Context, sess *Session) error {
	sessionKey := redisSessionPrefix + sess.ID
	keys := []string{sessionKey}

	var txRefKey string
	if sess.PaymentTxRef != "" {
		txRefKey = redisTxRefPrefix + sess.PaymentTxRef
		keys = append(keys, txRefKey)
	}

	next := sess.Clone()
	next.Version = sess.Version + 1
	data, err := json.Marshal(next)
	if err != nil {
		return err
	}

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		current, err := r.load(ctx, tx, sess.ID)
		if err != nil {
			return err
		}
		if current.Version != sess.Version {
			return ErrConflict
		}

		if txRefKey != "" {
			owner, err := tx.Get(ctx, txRefKey).Result()
			switch {
			case errors.Is(err, redis.Nil):
			case err != nil:
				return err
			case owner != sess.ID:
				return ErrPaymentRefTaken
			}
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, sessionKey, data, 0)
			if txRefKey != "" {
				pipe.SetNX(ctx, txRefKey, sess.ID, 0)
			}
			return nil
		})
		return err
	}, keys...)
	if errors.Is(err, redis.TxFailedErr) {
		return ErrConflict
	}
	if err != nil {
		return err
	}

	sess.Version = next.Version
	return nil
}

func (r *Redis) Delete(ctx context.Context, id string) error {
	sess, err := r.Get(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	keys := []string{
		redisSessionPrefix + id,
		redisAddressPrefix + sess.CustodialAddress,
		redisRefPrefix + sess.ReferenceID,
	}
	if sess.PaymentTxRef != "" {
		keys = append(keys, redisTxRefPrefix+sess.PaymentTxRef)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, keys...)
		pipe.SRem(ctx, redisSessionSet, id)
		return nil
	})
	return err
}
