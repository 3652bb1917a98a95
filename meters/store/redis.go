package store

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/alepar/meters/meters"
)

// DefaultRedisKey is the hash holding one JSON encoded reading per location field.
const DefaultRedisKey = "meters:readings"

// Redis is a persistent meters.Store. Each location is one field of a single hash,
// so a replace is a single HSET.
type Redis struct {
	client *redis.Client
	key    string
}

func NewRedis(client *redis.Client, key string) *Redis {
	if key == "" {
		key = DefaultRedisKey
	}
	return &Redis{client: client, key: key}
}

// OpenRedis connects to addr and checks the server answers.
func OpenRedis(ctx context.Context, addr string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "redis at %s not reachable", addr)
	}
	return NewRedis(client, DefaultRedisKey), nil
}

func (store *Redis) Upsert(ctx context.Context, reading meters.Reading) error {
	data, err := json.Marshal(reading)
	if err != nil {
		return errors.Wrap(err, "marshal reading")
	}
	err = store.client.HSet(ctx, store.key, reading.Location, data).Err()
	return errors.Wrapf(err, "upsert reading for %q", reading.Location)
}

func (store *Redis) Get(ctx context.Context, location string) (meters.Reading, error) {
	data, err := store.client.HGet(ctx, store.key, location).Bytes()
	if err == redis.Nil {
		return meters.Reading{}, meters.ErrNotFound
	}
	if err != nil {
		return meters.Reading{}, errors.Wrapf(err, "get reading for %q", location)
	}

	var reading meters.Reading
	if err := json.Unmarshal(data, &reading); err != nil {
		return meters.Reading{}, errors.Wrapf(err, "decode reading for %q", location)
	}
	return reading, nil
}

func (store *Redis) All(ctx context.Context) ([]meters.Reading, error) {
	fields, err := store.client.HGetAll(ctx, store.key).Result()
	if err != nil {
		return nil, errors.Wrap(err, "get readings")
	}

	all := make([]meters.Reading, 0, len(fields))
	for location, data := range fields {
		var reading meters.Reading
		if err := json.Unmarshal([]byte(data), &reading); err != nil {
			return nil, errors.Wrapf(err, "decode reading for %q", location)
		}
		all = append(all, reading)
	}
	meters.SortByLocation(all)
	return all, nil
}

func (store *Redis) Clear(ctx context.Context) error {
	return errors.Wrap(store.client.Del(ctx, store.key).Err(), "clear readings")
}

func (store *Redis) Close() error {
	return store.client.Close()
}
