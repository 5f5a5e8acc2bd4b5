package redislock

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	require.Equal(t, "corpcms:lock:reconcile:WIKI_FOLDER", Key("reconcile:WIKI_FOLDER"))
}

func TestNewFromURL_Invalid(t *testing.T) {
	_, err := NewFromURL("http://nope")
	require.Error(t, err)
}

func TestTryLock_UnreachableServer(t *testing.T) {
	l := New(redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 200 * time.Millisecond,
		MaxRetries:  -1,
	}))
	defer func() { _ = l.Close() }()

	release, ok, err := l.TryLock(context.Background(), "reconcile:WIKI_FOLDER", time.Minute)
	require.Error(t, err)
	require.False(t, ok)
	require.Nil(t, release)
}
