// Package store is the redis-backed function package store. Packages are kept
// as base64-encoded zip archives keyed by namespace and name, written by the
// upload tier and fetched here at instance bootstrap.
package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/spf13/viper"
	"github.com/streamfn/orchestrator/pkg/env"
)

var (
	once sync.Once
	cli  *redis.Client
)

func client() *redis.Client {
	once.Do(func() {
		cli = redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%s", viper.GetString(env.RedisIP), viper.GetString(env.RedisPort)),
			Password: viper.GetString(env.RedisPassword),
			DB:       viper.GetInt(env.DefaultDb),
		})
	})
	return cli
}

func key(namespace, name string) string {
	return fmt.Sprintf("code/%s/%s", namespace, name)
}

// Get fetches the base64 package payload for namespace/name. Package-level
// var so tests swap the store out.
var Get = func(namespace, name string) (string, error) {
	return client().Get(context.Background(), key(namespace, name)).Result()
}

// Set uploads a base64 package payload for namespace/name.
var Set = func(namespace, name, payload string) error {
	return client().Set(context.Background(), key(namespace, name), payload, 0).Err()
}
