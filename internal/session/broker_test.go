package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	b := NewBroker()
	ch, cancel := b.Subscribe("s1")
	defer cancel()

	b.Publish("s1", 7, PhaseEvent{Phase: "testing"})

	env := <-ch
	assert.Equal(t, int64(7), env.Seq)
	phase, ok := env.Event.(PhaseEvent)
	require.True(t, ok)
	assert.Equal(t, "testing", phase.Phase)
}

func TestBrokerIsolatesSessions(t *testing.T) {
	b := NewBroker()
	ch1, cancel1 := b.Subscribe("s1")
	defer cancel1()
	_, cancel2 := b.Subscribe("s2")
	defer cancel2()

	b.Publish("s2", 1, ErrorEvent{Message: "boom"})

	select {
	case e := <-ch1:
		t.Fatalf("unexpected event on s1: %v", e)
	default:
	}
}

func TestBrokerSlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroker()
	_, cancel := b.Subscribe("s1")
	defer cancel()

	// Publish past the buffer without draining. Must not block.
	for i := 0; i < subscriberBuffer*2; i++ {
		b.Publish("s1", int64(i+1), StrategyEvent{Strategy: "fix-lint", Iteration: i})
	}
}

func TestBrokerCancelIdempotent(t *testing.T) {
	b := NewBroker()
	_, cancel := b.Subscribe("s1")

	cancel()
	cancel() // second call must not panic
	assert.Equal(t, 0, b.SubscriberCount("s1"))
}

func TestBrokerPublishAfterCancel(t *testing.T) {
	b := NewBroker()
	_, cancel := b.Subscribe("s1")
	cancel()

	b.Publish("s1", 1, PhaseEvent{Phase: "review"})
}
