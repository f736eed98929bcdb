package fabric

import (
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
)

func TestRedisSubscriptionForward_DeliversAndStops(t *testing.T) {
	in := make(chan *redis.Message, 1)
	s := &redisSubscription{out: make(chan Message, 64), quit: make(chan struct{})}
	go s.forward(in)

	in <- &redis.Message{Channel: "progress:task-1", Payload: `{"status":"queued"}`}
	select {
	case msg := <-s.out:
		assert.Equal(t, "progress:task-1", msg.Channel)
		assert.JSONEq(t, `{"status":"queued"}`, string(msg.Payload))
	case <-time.After(time.Second):
		t.Fatal("message not forwarded")
	}

	close(s.quit)
	select {
	case _, open := <-s.out:
		assert.False(t, open, "out closes once the forwarder stops")
	case <-time.After(time.Second):
		t.Fatal("forwarder did not stop")
	}
}

func TestRedisSubscriptionForward_QuitUnblocksFullBuffer(t *testing.T) {
	in := make(chan *redis.Message)
	s := &redisSubscription{out: make(chan Message, 1), quit: make(chan struct{})}
	done := make(chan struct{})
	go func() {
		s.forward(in)
		close(done)
	}()

	// Fill the one-slot buffer, then hand over a second message so the
	// forwarder blocks on the undrained consumer.
	in <- &redis.Message{Channel: "c", Payload: "1"}
	in <- &redis.Message{Channel: "c", Payload: "2"}

	close(s.quit)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("forwarder leaked on a full buffer")
	}
}
