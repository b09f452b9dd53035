package redisfeed

import (
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestChannelName(t *testing.T) {
	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()

	assert.Equal(t, "labdb:changes:grows", NewFeed(client, "", nil).ChannelName("grows"))
	assert.Equal(t, "lab:grows", NewFeed(client, "lab:", nil).ChannelName("grows"))
}
