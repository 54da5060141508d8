package cluster

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Options locates the redis server shared by relay instances.
type Options struct {
	Address  string
	Password string
	DB       int
}

// Connect dials redis and verifies the connection with a ping.
func Connect(ctx context.Context, options Options) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     options.Address,
		Password: options.Password,
		DB:       options.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cluster: ping %s: %w", options.Address, err)
	}
	return client, nil
}
