package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sgerrors "github.com/c360/sensorgate/errors"
	"github.com/c360/sensorgate/reading"
	"github.com/c360/sensorgate/registry"
)

// fakeBroker records published messages and drives consumer handlers directly.
type fakeBroker struct {
	mu        sync.Mutex
	published []publishedMsg
	failAfter int // fail publishes once this many have succeeded; -1 never fails
	handler   func([]byte)
	stopped   bool
}

type publishedMsg struct {
	subject string
	data    []byte
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{failAfter: -1}
}

func (f *fakeBroker) PublishToStream(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failAfter >= 0 && len(f.published) >= f.failAfter {
		return errors.New("broker unavailable")
	}
	f.published = append(f.published, publishedMsg{subject: subject, data: data})
	return nil
}

func (f *fakeBroker) ConsumeStream(_ context.Context, _, _, _ string, handler func([]byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
	return nil
}

func (f *fakeBroker) StopConsumers() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeBroker) deliver(data []byte) {
	f.mu.Lock()
	handler := f.handler
	f.mu.Unlock()
	handler(data)
}

func (f *fakeBroker) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

// collectingEndpoint records every payload sent to it.
type collectingEndpoint struct {
	id string

	mu       sync.Mutex
	received [][]byte
}

func (e *collectingEndpoint) ID() string { return e.id }

func (e *collectingEndpoint) Send(_ context.Context, payload []byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.received = append(e.received, payload)
	return nil
}

func (e *collectingEndpoint) Close() error { return nil }

func (e *collectingEndpoint) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.received)
}

func TestProducer_Publish(t *testing.T) {
	broker := newFakeBroker()
	producer := NewProducer(broker, ProducerConfig{}, nil, nil)

	r := reading.Reading{SensorID: 42, Value: 21.5, Timestamp: time.Now()}
	err := producer.Publish(context.Background(), r)
	require.NoError(t, err)

	require.Equal(t, 1, broker.publishedCount())
	assert.Equal(t, "readings.42", broker.published[0].subject)

	decoded, err := reading.Unmarshal(broker.published[0].data)
	require.NoError(t, err)
	assert.Equal(t, int64(42), decoded.SensorID)
	assert.Equal(t, 21.5, decoded.Value)
}

func TestProducer_Publish_InvalidReading(t *testing.T) {
	broker := newFakeBroker()
	producer := NewProducer(broker, ProducerConfig{}, nil, nil)

	err := producer.Publish(context.Background(), reading.Reading{SensorID: 0})
	require.Error(t, err)
	assert.True(t, sgerrors.IsInvalid(err))
	assert.Equal(t, 0, broker.publishedCount())
}

func TestProducer_Publish_BrokerError(t *testing.T) {
	broker := newFakeBroker()
	broker.failAfter = 0
	producer := NewProducer(broker, ProducerConfig{}, nil, nil)

	r := reading.Reading{SensorID: 1, Value: 1, Timestamp: time.Now()}
	err := producer.Publish(context.Background(), r)
	require.Error(t, err)
	assert.True(t, sgerrors.IsTransient(err))
}

func TestProducer_PublishBatch(t *testing.T) {
	broker := newFakeBroker()
	producer := NewProducer(broker, ProducerConfig{}, nil, nil)

	batch := make(reading.Batch, 5)
	for i := range batch {
		batch[i] = reading.Reading{SensorID: int64(i + 1), Value: float64(i), Timestamp: time.Now()}
	}

	require.NoError(t, producer.PublishBatch(context.Background(), batch))
	assert.Equal(t, 5, broker.publishedCount())
	for i, msg := range broker.published {
		assert.Equal(t, fmt.Sprintf("readings.%d", i+1), msg.subject)
	}
}

func TestProducer_PublishBatch_TooLarge(t *testing.T) {
	broker := newFakeBroker()
	producer := NewProducer(broker, ProducerConfig{MaxBatchSize: 3}, nil, nil)

	batch := make(reading.Batch, 4)
	for i := range batch {
		batch[i] = reading.Reading{SensorID: int64(i + 1), Value: 1, Timestamp: time.Now()}
	}

	err := producer.PublishBatch(context.Background(), batch)
	require.Error(t, err)
	assert.True(t, sgerrors.IsInvalid(err))
	assert.Equal(t, 0, broker.publishedCount())
}

// One invalid reading rejects the whole batch before anything is published.
func TestProducer_PublishBatch_InvalidMember(t *testing.T) {
	broker := newFakeBroker()
	producer := NewProducer(broker, ProducerConfig{}, nil, nil)

	batch := reading.Batch{
		{SensorID: 1, Value: 1, Timestamp: time.Now()},
		{SensorID: 0},
		{SensorID: 3, Value: 3, Timestamp: time.Now()},
	}

	err := producer.PublishBatch(context.Background(), batch)
	require.Error(t, err)
	assert.True(t, sgerrors.IsInvalid(err))
	assert.Equal(t, 0, broker.publishedCount())
}

// A mid-batch broker failure aborts the rest of the batch.
func TestProducer_PublishBatch_AbortsOnBrokerFailure(t *testing.T) {
	broker := newFakeBroker()
	broker.failAfter = 2
	producer := NewProducer(broker, ProducerConfig{}, nil, nil)

	batch := make(reading.Batch, 5)
	for i := range batch {
		batch[i] = reading.Reading{SensorID: int64(i + 1), Value: 1, Timestamp: time.Now()}
	}

	err := producer.PublishBatch(context.Background(), batch)
	require.Error(t, err)
	assert.True(t, sgerrors.IsTransient(err))
	assert.Equal(t, 2, broker.publishedCount())
}

func TestConsumer_BroadcastsToSubscribers(t *testing.T) {
	broker := newFakeBroker()
	reg := registry.NewRegistry(nil, nil)
	consumer := NewConsumer(broker, reg, DefaultConsumerConfig(), nil, nil)

	subscriber := &collectingEndpoint{id: "ep-1"}
	bystander := &collectingEndpoint{id: "ep-2"}
	reg.Connect(subscriber, 7)
	reg.Connect(bystander, 9)

	require.NoError(t, consumer.Start(context.Background()))
	defer consumer.Stop() //nolint:errcheck

	r := reading.Reading{SensorID: 7, Value: 3.14, Timestamp: time.Now()}
	data, err := r.Marshal()
	require.NoError(t, err)

	broker.deliver(data)

	assert.Equal(t, 1, subscriber.count())
	assert.Equal(t, 0, bystander.count())
}

func TestConsumer_SkipsMalformedMessages(t *testing.T) {
	broker := newFakeBroker()
	reg := registry.NewRegistry(nil, nil)
	consumer := NewConsumer(broker, reg, DefaultConsumerConfig(), nil, nil)

	subscriber := &collectingEndpoint{id: "ep-1"}
	reg.Connect(subscriber, 7)

	require.NoError(t, consumer.Start(context.Background()))
	defer consumer.Stop() //nolint:errcheck

	broker.deliver([]byte("not json"))
	assert.Equal(t, 0, subscriber.count())

	// A good message after a bad one still flows.
	r := reading.Reading{SensorID: 7, Value: 1, Timestamp: time.Now()}
	data, err := r.Marshal()
	require.NoError(t, err)
	broker.deliver(data)
	assert.Equal(t, 1, subscriber.count())
}

func TestConsumer_LateDeliveryAfterStopIsDropped(t *testing.T) {
	broker := newFakeBroker()
	reg := registry.NewRegistry(nil, nil)
	consumer := NewConsumer(broker, reg, DefaultConsumerConfig(), nil, nil)

	subscriber := &collectingEndpoint{id: "ep-1"}
	reg.Connect(subscriber, 7)

	require.NoError(t, consumer.Start(context.Background()))
	require.NoError(t, consumer.Stop())

	// A callback the broker dispatched before StopConsumers took effect can
	// still fire after Stop returns; it must not reach any endpoint.
	r := reading.Reading{SensorID: 7, Value: 1, Timestamp: time.Now()}
	data, err := r.Marshal()
	require.NoError(t, err)
	broker.deliver(data)

	assert.Equal(t, 0, subscriber.count())
}

func TestConsumer_ConcurrentDeliveryAndStop(t *testing.T) {
	broker := newFakeBroker()
	reg := registry.NewRegistry(nil, nil)
	consumer := NewConsumer(broker, reg, DefaultConsumerConfig(), nil, nil)

	subscriber := &collectingEndpoint{id: "ep-1"}
	reg.Connect(subscriber, 7)

	require.NoError(t, consumer.Start(context.Background()))

	r := reading.Reading{SensorID: 7, Value: 1, Timestamp: time.Now()}
	data, err := r.Marshal()
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			broker.deliver(data)
		}()
	}
	require.NoError(t, consumer.Stop())
	afterStop := subscriber.count()
	wg.Wait()

	// Deliveries still in flight when Stop returned must have been dropped,
	// not broadcast late.
	assert.Equal(t, afterStop, subscriber.count())
}

func TestConsumer_StartTwice(t *testing.T) {
	broker := newFakeBroker()
	reg := registry.NewRegistry(nil, nil)
	consumer := NewConsumer(broker, reg, DefaultConsumerConfig(), nil, nil)

	require.NoError(t, consumer.Start(context.Background()))
	err := consumer.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, sgerrors.ErrAlreadyStarted)
}

func TestConsumer_StopIdempotent(t *testing.T) {
	broker := newFakeBroker()
	reg := registry.NewRegistry(nil, nil)
	consumer := NewConsumer(broker, reg, DefaultConsumerConfig(), nil, nil)

	// Stop before start is a no-op.
	require.NoError(t, consumer.Stop())

	require.NoError(t, consumer.Start(context.Background()))
	require.NoError(t, consumer.Stop())
	assert.True(t, broker.stopped)
	require.NoError(t, consumer.Stop())
}
