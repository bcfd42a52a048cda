package redis_db

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRedisURL(t *testing.T) {
	tests := []struct {
		name     string
		url      string
		addr     string
		password string
		wantErr  bool
	}{
		{name: "docker style", url: "redis:6379", addr: "redis:6379"},
		{name: "url with password", url: "redis://:password123@localhost:6379", addr: "localhost:6379", password: "password123"},
		{name: "password without colon", url: "redis://secret@localhost:6379", addr: "localhost:6379", password: "secret"},
		{name: "empty", url: "  ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseRedisURL(tt.url, false)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.addr, got.Addr)
			assert.Equal(t, tt.password, got.Password)
		})
	}
}

func TestNewRedisClientEmpty(t *testing.T) {
	_, err := NewRedisClient(nil, false)
	assert.Error(t, err)
}

func TestNewFromDNS(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	client, err := NewFromDNS(" "+mr.Addr()+" ,", false)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, client.Client().Set(ctx, "tick", "ok", time.Minute).Err())
	got, err := client.Client().Get(ctx, "tick").Result()
	require.NoError(t, err)
	assert.Equal(t, "ok", got)

	require.NoError(t, client.Client().Del(ctx, "tick").Err())
	_, err = client.Client().Get(ctx, "tick").Result()
	assert.Equal(t, redis.Nil, err)
}
