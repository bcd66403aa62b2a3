package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"supplydesk-backend/internal/config"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var at = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func TestBusFanOutAndDrop(t *testing.T) {
	bus := NewBus(zap.NewNop())
	a := bus.Subscribe("a", 4)
	b := bus.Subscribe("b", 1)

	bus.Emit(context.Background(), New(RequestCreated, at), New(StatusChanged, at))

	assert.Len(t, a, 2)
	assert.Len(t, b, 1, "second event dropped for the full subscriber")
	assert.Equal(t, RequestCreated, (<-b).Type)

	bus.Close()
	_, open := <-b
	assert.False(t, open)
	bus.Emit(context.Background(), New(StockLow, at))
}

func TestBufferFlushesOnce(t *testing.T) {
	bus := NewBus(zap.NewNop())
	ch := bus.Subscribe("t", 8)

	var buf Buffer
	buf.Add(New(RequestCreated, at))
	buf.Reset()
	buf.Add(New(StatusChanged, at))
	buf.Flush(context.Background(), bus)
	buf.Flush(context.Background(), bus)

	require.Len(t, ch, 1)
	assert.Equal(t, StatusChanged, (<-ch).Type)
}

func TestEventKey(t *testing.T) {
	ev := New(StatusChanged, at)
	ev.RequestCode = "REQ-20250301090000-ABC"
	assert.Equal(t, "REQ-20250301090000-ABC", ev.Key())

	low := New(StockLow, at)
	low.BranchID, low.ItemTypeID = 2, 5
	assert.Equal(t, "stock/2/5", low.Key())
}

func TestOutboxAppendPendingAck(t *testing.T) {
	ob, err := OpenOutbox("")
	require.NoError(t, err)
	defer ob.Close()

	first, second := New(RequestCreated, at), New(SlaViolation, at)
	require.NoError(t, ob.Append(first, second))

	pending, err := ob.Pending(10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].Event.ID)
	assert.Equal(t, second.ID, pending[1].Event.ID)

	require.NoError(t, ob.Ack(pending[0].Key))
	pending, err = ob.Pending(10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, second.ID, pending[0].Event.ID)
}

type fakeProducer struct {
	mu      sync.Mutex
	msgs    []kafka.Message
	failFor int
}

func (p *fakeProducer) WriteMessage(_ context.Context, msg kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failFor > 0 {
		p.failFor--
		return errors.New("broker not available")
	}
	p.msgs = append(p.msgs, msg)
	return nil
}

func (p *fakeProducer) Close() error { return nil }

func TestRelayRetriesUntilPublished(t *testing.T) {
	ob, err := OpenOutbox("")
	require.NoError(t, err)
	defer ob.Close()

	prod := &fakeProducer{failFor: 1}
	relay := NewRelay(ob, prod, config.KafkaConfig{BatchSize: 10, FlushInterval: time.Hour}, zap.NewNop())

	ev := New(SlaViolation, at)
	ev.RequestCode = "REQ-1"
	require.NoError(t, ob.Append(ev))

	assert.Equal(t, 0, relay.Flush(context.Background()))
	assert.Equal(t, 1, relay.Flush(context.Background()))
	assert.Equal(t, 0, relay.Flush(context.Background()))

	require.Len(t, prod.msgs, 1)
	assert.Equal(t, "REQ-1", string(prod.msgs[0].Key))
	var decoded Event
	require.NoError(t, json.Unmarshal(prod.msgs[0].Value, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
}

func TestRelayRunDrainsSubscription(t *testing.T) {
	ob, err := OpenOutbox("")
	require.NoError(t, err)
	defer ob.Close()

	prod := &fakeProducer{}
	relay := NewRelay(ob, prod, config.KafkaConfig{BatchSize: 10, FlushInterval: time.Hour}, zap.NewNop())

	bus := NewBus(zap.NewNop())
	in := bus.Subscribe("kafka", 8)
	done := make(chan struct{})
	go func() {
		relay.Run(context.Background(), in)
		close(done)
	}()

	bus.Emit(context.Background(), New(RequestCreated, at), New(StockLow, at))
	bus.Close()
	<-done

	assert.Len(t, prod.msgs, 2)
	pending, err := ob.Pending(10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestHubBroadcastsToClients(t *testing.T) {
	hub := NewHub(zap.NewNop())
	in := make(chan Event)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hub.Run(ctx, in)

	client := &Client{UserID: 1, Send: make(chan Event, 1), hub: hub}
	hub.register <- client
	in <- New(StatusChanged, at)

	select {
	case ev := <-client.Send:
		assert.Equal(t, StatusChanged, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}

	// a client whose buffer is full is dropped
	in <- New(StatusChanged, at)
	in <- New(StatusChanged, at)
	hub.unregister <- &Client{}
	assert.Equal(t, 0, hub.ClientCount())
}
