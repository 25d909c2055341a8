package jetstream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/dequeueflow/transport"
)

// fakeJetStream stores published messages per subject and hands them to
// fakeFetcher instances; acked and nak'ed messages are recorded.
type fakeJetStream struct {
	mu        sync.Mutex
	subjects  map[string][]*nats.Msg
	consumers map[string]*nats.ConsumerConfig
	acked     []*nats.Msg
	streams   []*nats.StreamConfig
	denied    map[string]bool
	seen      map[string]bool
}

func newFakeJetStream() *fakeJetStream {
	return &fakeJetStream{
		subjects:  make(map[string][]*nats.Msg),
		consumers: make(map[string]*nats.ConsumerConfig),
		denied:    make(map[string]bool),
		seen:      make(map[string]bool),
	}
}

func (f *fakeJetStream) AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.streams = append(f.streams, cfg)
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (f *fakeJetStream) UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error) {
	return &nats.StreamInfo{Config: *cfg}, nil
}

func (f *fakeJetStream) AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied[cfg.FilterSubject] {
		return nil, fmt.Errorf("nats: permissions violation for subscription to %q", cfg.FilterSubject)
	}
	f.consumers[cfg.Durable] = cfg
	return &nats.ConsumerInfo{Name: cfg.Durable}, nil
}

func (f *fakeJetStream) UpdateConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	return f.AddConsumer(stream, cfg, opts...)
}

func (f *fakeJetStream) ConsumerInfo(stream, name string, opts ...nats.JSOpt) (*nats.ConsumerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cfg, ok := f.consumers[name]
	if !ok {
		return nil, nats.ErrConsumerNotFound
	}
	return &nats.ConsumerInfo{Name: name, NumPending: uint64(len(f.subjects[cfg.FilterSubject]))}, nil
}

func (f *fakeJetStream) PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.denied[m.Subject] {
		return nil, errors.New("nats: permissions violation for publish to " + m.Subject)
	}
	id := m.Header.Get(nats.MsgIdHdr)
	if f.seen[id] {
		return &nats.PubAck{Duplicate: true}, nil
	}
	f.seen[id] = true
	f.subjects[m.Subject] = append(f.subjects[m.Subject], m)
	return &nats.PubAck{Stream: DefaultStreamName}, nil
}

func (f *fakeJetStream) pop(subject string) *nats.Msg {
	f.mu.Lock()
	defer f.mu.Unlock()
	msgs := f.subjects[subject]
	if len(msgs) == 0 {
		return nil
	}
	f.subjects[subject] = msgs[1:]
	return msgs[0]
}

func (f *fakeJetStream) requeue(m *nats.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subjects[m.Subject] = append([]*nats.Msg{m}, f.subjects[m.Subject]...)
	return nil
}

func (f *fakeJetStream) ack(m *nats.Msg) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acked = append(f.acked, m)
	return nil
}

type fakeFetcher struct {
	js           *fakeJetStream
	subject      string
	unsubscribed bool
}

func (f *fakeFetcher) Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error) {
	if m := f.js.pop(f.subject); m != nil {
		return []*nats.Msg{m}, nil
	}
	time.Sleep(time.Millisecond)
	return nil, nats.ErrTimeout
}

func (f *fakeFetcher) Unsubscribe() error {
	f.unsubscribed = true
	return nil
}

func newTestDriver(t *testing.T, js *fakeJetStream) *Driver {
	t.Helper()
	d := newDriver(js, Config{}, nil)
	d.subscribe = func(subject, durable string) (fetcher, error) {
		return &fakeFetcher{js: js, subject: subject}, nil
	}
	d.ack = js.ack
	d.nak = js.requeue
	require.NoError(t, d.ensureStream())
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func openQueue(t *testing.T, d *Driver, path string) transport.Queue {
	t.Helper()
	q, err := d.Open(context.Background(), path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func TestRegistered(t *testing.T) {
	assert.True(t, transport.DefaultRegistry.Has(TransportName))
	assert.True(t, transport.DefaultRegistry.Has("jetstream"))
	assert.Equal(t, transport.NATSJetStreamCapabilities, transport.GetCapabilities(TransportName))
	assert.Equal(t, transport.NATSJetStreamCapabilities, Capabilities())
}

func TestConfig_withDefaults(t *testing.T) {
	t.Run("empty config gets defaults", func(t *testing.T) {
		result := Config{}.withDefaults()

		assert.Equal(t, DefaultStreamName, result.StreamName)
		assert.Equal(t, DefaultAckWait, result.AckWait)
		assert.Equal(t, 1, result.Replicas)
	})

	t.Run("custom values preserved", func(t *testing.T) {
		cfg := Config{
			URL:             "nats://localhost:4222",
			StreamName:      "CUSTOM",
			AckWait:         time.Minute,
			Replicas:        3,
			RetentionPolicy: "limits",
		}
		result := cfg.withDefaults()

		assert.Equal(t, "nats://localhost:4222", result.URL)
		assert.Equal(t, "CUSTOM", result.StreamName)
		assert.Equal(t, time.Minute, result.AckWait)
		assert.Equal(t, 3, result.Replicas)
	})

	t.Run("negative values get defaults", func(t *testing.T) {
		result := Config{AckWait: -1, Replicas: -1}.withDefaults()

		assert.Equal(t, DefaultAckWait, result.AckWait)
		assert.Equal(t, 1, result.Replicas)
	})
}

func TestStreamConfig(t *testing.T) {
	cfg := Config{}.withDefaults().streamConfig()
	assert.Equal(t, DefaultStreamName, cfg.Name)
	assert.Equal(t, []string{"DEQUEUEFLOW.>"}, cfg.Subjects)
	assert.Equal(t, nats.WorkQueuePolicy, cfg.Retention)

	assert.Equal(t, nats.InterestPolicy, Config{RetentionPolicy: "interest"}.withDefaults().streamConfig().Retention)
	assert.Equal(t, nats.LimitsPolicy, Config{RetentionPolicy: "limits"}.withDefaults().streamConfig().Retention)
}

func TestDurableName(t *testing.T) {
	d := newDriver(newFakeJetStream(), Config{}, nil)
	assert.Equal(t, "consumer_orders_eu__", d.durable("orders.eu.*"))
	assert.Equal(t, "DEQUEUEFLOW.orders", d.subject("orders"))
}

func TestSendThenReceive(t *testing.T) {
	js := newFakeJetStream()
	d := newTestDriver(t, js)
	q := openQueue(t, d, "orders")

	msg := &transport.Message{Label: "order", CorrelationID: "c-1", Body: []byte("payload"), Recoverable: true}
	require.NoError(t, q.Send(context.Background(), msg, nil))

	got, err := q.Receive(context.Background(), time.Second, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, "order", got.Label)
	assert.Equal(t, "c-1", got.CorrelationID)
	assert.Equal(t, []byte("payload"), got.Body)
	assert.True(t, got.Recoverable)
	assert.Len(t, js.acked, 1)
	assert.Contains(t, js.consumers, "consumer_orders")
}

func TestReceiveTimeout(t *testing.T) {
	d := newTestDriver(t, newFakeJetStream())
	q := openQueue(t, d, "empty")

	_, err := q.Receive(context.Background(), 10*time.Millisecond, nil)
	assert.ErrorIs(t, err, transport.ErrTimeout)
}

func TestReceiveContextCancelled(t *testing.T) {
	d := newTestDriver(t, newFakeJetStream())
	q := openQueue(t, d, "empty")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Receive(ctx, time.Minute, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestTransactionCommit(t *testing.T) {
	js := newFakeJetStream()
	d := newTestDriver(t, js)
	q := openQueue(t, d, "orders")
	journal := openQueue(t, d, "journal")
	require.NoError(t, q.Send(context.Background(), &transport.Message{Label: "order"}, nil))

	tx, err := d.NewTransaction()
	require.NoError(t, err)
	require.NoError(t, tx.Begin(context.Background()))

	got, err := q.Receive(context.Background(), time.Second, tx)
	require.NoError(t, err)
	require.NoError(t, journal.Send(context.Background(), got, tx))
	assert.Empty(t, js.acked)
	assert.Empty(t, js.subjects["DEQUEUEFLOW.journal"])

	require.NoError(t, tx.Commit(context.Background()))
	require.NoError(t, tx.Close())

	assert.Len(t, js.acked, 1)
	require.Len(t, js.subjects["DEQUEUEFLOW.journal"], 1)
	assert.Equal(t, got.ID, fromNATS(js.subjects["DEQUEUEFLOW.journal"][0]).ID)
}

func TestTransactionRollbackRedelivers(t *testing.T) {
	js := newFakeJetStream()
	d := newTestDriver(t, js)
	q := openQueue(t, d, "orders")
	journal := openQueue(t, d, "journal")
	require.NoError(t, q.Send(context.Background(), &transport.Message{Label: "order"}, nil))

	tx, err := d.NewTransaction()
	require.NoError(t, err)
	require.NoError(t, tx.Begin(context.Background()))

	got, err := q.Receive(context.Background(), time.Second, tx)
	require.NoError(t, err)
	require.NoError(t, journal.Send(context.Background(), &transport.Message{Label: "copy"}, tx))
	require.NoError(t, tx.Close())
	require.NoError(t, tx.Close())

	assert.Empty(t, js.subjects["DEQUEUEFLOW.journal"])
	again, err := q.Receive(context.Background(), time.Second, nil)
	require.NoError(t, err)
	assert.Equal(t, got.ID, again.ID)
}

func TestTransactionState(t *testing.T) {
	d := newTestDriver(t, newFakeJetStream())
	q := openQueue(t, d, "orders")

	tx, err := d.NewTransaction()
	require.NoError(t, err)
	_, err = q.Receive(context.Background(), time.Millisecond, tx)
	assert.ErrorContains(t, err, "not active")
	assert.Error(t, tx.Commit(context.Background()))

	require.NoError(t, tx.Begin(context.Background()))
	assert.Error(t, tx.Begin(context.Background()))
}

func TestPermissionViolation(t *testing.T) {
	js := newFakeJetStream()
	d := newTestDriver(t, js)
	js.denied["DEQUEUEFLOW.secret"] = true
	q := openQueue(t, d, "secret")

	_, err := q.Receive(context.Background(), time.Millisecond, nil)
	assert.True(t, transport.IsAccessDenied(err))
	assert.True(t, transport.IsAccessDenied(q.Send(context.Background(), &transport.Message{}, nil)))
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("q", nil))
	assert.True(t, transport.IsAccessDenied(classify("q", nats.ErrAuthorization)))
	assert.True(t, transport.IsAccessDenied(classify("q", nats.ErrAuthExpired)))
	assert.True(t, transport.IsAccessDenied(classify("q", errors.New("nats: Permissions Violation for Publish"))))
	assert.True(t, transport.IsAccessDenied(classify("q", errors.New(`nats: permissions violation for subscription to "orders"`))))
	assert.False(t, transport.IsAccessDenied(classify("q", nats.ErrTimeout)))
}

func TestDepth(t *testing.T) {
	js := newFakeJetStream()
	d := newTestDriver(t, js)

	depth, err := d.Depth(context.Background(), "orders")
	require.NoError(t, err)
	assert.Zero(t, depth)

	q := openQueue(t, d, "orders")
	require.NoError(t, q.Send(context.Background(), &transport.Message{Label: "a"}, nil))
	_, err = d.subscription("orders")
	require.NoError(t, err)

	depth, err = d.Depth(context.Background(), "orders")
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestClose(t *testing.T) {
	js := newFakeJetStream()
	d := newDriver(js, Config{}, nil)
	var fetchers []*fakeFetcher
	d.subscribe = func(subject, durable string) (fetcher, error) {
		f := &fakeFetcher{js: js, subject: subject}
		fetchers = append(fetchers, f)
		return f, nil
	}
	closedConn := false
	d.closeConn = func() { closedConn = true }

	_, err := d.subscription("orders")
	require.NoError(t, err)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())
	assert.True(t, closedConn)
	require.Len(t, fetchers, 1)
	assert.True(t, fetchers[0].unsubscribed)

	_, err = d.Open(context.Background(), "orders")
	assert.ErrorIs(t, err, transport.ErrClosed)
}
