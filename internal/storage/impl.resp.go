package storage

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/meidoworks/nekoq-replicator/internal/iface"
)

var _ iface.KVStorage = new(RespStorage)

// RespStorage is a KVStorage served by a remote node over the redis protocol, either
// another replicator's RESP endpoint or a plain redis server.
type RespStorage struct {
	addr    string
	timeout time.Duration

	client *redis.Client
}

func NewRespStorage(addr string) *RespStorage {
	return &RespStorage{
		addr:    addr,
		timeout: 5 * time.Second,
		client: redis.NewClient(&redis.Options{
			Addr: addr,
		}),
	}
}

func (r *RespStorage) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

func (r *RespStorage) Put(k, v []byte) error {
	if !validateKeyFormat(string(k)) {
		return ErrKeyFormatInvalid
	}
	ctx, cancel := r.ctx()
	defer cancel()
	return r.client.Set(ctx, string(k), v, 0).Err()
}

func (r *RespStorage) Get(k []byte) ([]byte, bool, error) {
	if !validateKeyFormat(string(k)) {
		return nil, false, ErrKeyFormatInvalid
	}
	ctx, cancel := r.ctx()
	defer cancel()
	dat, err := r.client.Get(ctx, string(k)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return dat, true, nil
}

func (r *RespStorage) Delete(k []byte) error {
	if !validateKeyFormat(string(k)) {
		return ErrKeyFormatInvalid
	}
	ctx, cancel := r.ctx()
	defer cancel()
	return r.client.Del(ctx, string(k)).Err()
}

func (r *RespStorage) Keys(prefix string) ([]string, error) {
	if !validateKeyFormat(prefix) {
		return nil, ErrKeyFormatInvalid
	}
	ctx, cancel := r.ctx()
	defer cancel()
	keys, err := r.client.Keys(ctx, prefix+"*").Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)
	return keys, nil
}

func (r *RespStorage) Close() error {
	return r.client.Close()
}
