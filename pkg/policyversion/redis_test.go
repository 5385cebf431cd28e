package policyversion

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestNewRedisBroadcaster_DefaultsChannel(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	b := NewRedisBroadcaster(client, "", nil)
	assert.Equal(t, "acgs2:policyversion:changed", b.channel)
}

func TestNewRedisBroadcaster_CustomChannel(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "127.0.0.1:0"})
	defer client.Close()

	b := NewRedisBroadcaster(client, "tenant-a:policy", nil)
	assert.Equal(t, "tenant-a:policy", b.channel)
}
