package server

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/stepflow/workflow"
)

func TestBrokerPublishSubscribe(t *testing.T) {
	t.Parallel()

	b := NewBroker(zaptest.NewLogger(t))
	events, cancel := b.Subscribe("")
	defer cancel()

	b.Publish(workflow.ProgressEvent{Kind: workflow.EventStepStarted, RunID: "r1", StepID: "w"})

	select {
	case ev := <-events:
		assert.Equal(t, workflow.EventStepStarted, ev.Kind)
		assert.Equal(t, "w", ev.StepID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestBrokerRunIDFilter(t *testing.T) {
	t.Parallel()

	b := NewBroker(zaptest.NewLogger(t))
	filtered, cancelFiltered := b.Subscribe("r1")
	defer cancelFiltered()
	all, cancelAll := b.Subscribe("")
	defer cancelAll()

	b.Publish(workflow.ProgressEvent{Kind: workflow.EventStepStarted, RunID: "r2"})
	b.Publish(workflow.ProgressEvent{Kind: workflow.EventStepStarted, RunID: "r1"})

	// The filtered subscriber sees only r1.
	select {
	case ev := <-filtered:
		assert.Equal(t, "r1", ev.RunID)
	case <-time.After(time.Second):
		t.Fatal("filtered event not delivered")
	}
	select {
	case ev := <-filtered:
		t.Fatalf("unexpected event for run %s", ev.RunID)
	default:
	}

	// The unfiltered subscriber sees both.
	assert.Equal(t, "r2", (<-all).RunID)
	assert.Equal(t, "r1", (<-all).RunID)
}

func TestBrokerCancelReleasesSubscription(t *testing.T) {
	t.Parallel()

	b := NewBroker(zaptest.NewLogger(t))
	events, cancel := b.Subscribe("")
	require.Equal(t, 1, b.SubscriberCount())

	cancel()
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-events
	assert.False(t, open, "channel closes on cancel")

	// A second cancel is a no-op.
	cancel()
}

func TestBrokerSlowSubscriberDropsEvents(t *testing.T) {
	t.Parallel()

	b := NewBroker(zaptest.NewLogger(t))
	_, cancel := b.Subscribe("")
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		b.Publish(workflow.ProgressEvent{Kind: workflow.EventStepStarted, RunID: "r1"})
	}
	assert.Equal(t, int64(10), b.Dropped())
}

func TestBrokerSinkFeedsRunner(t *testing.T) {
	t.Parallel()

	b := NewBroker(zaptest.NewLogger(t))
	events, cancel := b.Subscribe("")
	defer cancel()

	sink := b.Sink()
	sink(workflow.ProgressEvent{Kind: workflow.EventWorkflowDone, RunID: "r1"})
	assert.Equal(t, workflow.EventWorkflowDone, (<-events).Kind)
}
