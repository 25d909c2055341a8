// Package channel provides an in-memory queue driver built on Watermill's Go
// channel Pub/Sub. It is useful for testing and local development.
package channel

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"

	"github.com/drblury/dequeueflow/internal/runtime/ids"
	"github.com/drblury/dequeueflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "channel"

// Metadata keys used to carry message fields through Watermill.
const (
	MetadataLabel         = "dequeueflow_label"
	MetadataCorrelationID = "dequeueflow_correlation_id"
	MetadataRecoverable   = "dequeueflow_recoverable"
)

// Factory allows overriding the Pub/Sub creation for testing.
var Factory = func(cfg gochannel.Config, logger watermill.LoggerAdapter) *gochannel.GoChannel {
	return gochannel.NewGoChannel(cfg, logger)
}

func init() {
	transport.Register(TransportName, Build, transport.ChannelCapabilities)
}

// Build creates a new in-memory driver.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Driver, error) {
	return New(logger), nil
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// Driver is an in-memory queue driver. Each path is a Watermill topic with a
// single long-lived subscription shared by every handle opened on it, so a
// message is delivered to exactly one receiver.
type Driver struct {
	pubSub *gochannel.GoChannel
	logger watermill.LoggerAdapter

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[string]<-chan *message.Message
	denied map[string]struct{}
	closed bool
}

// New creates an in-memory driver. Messages sent before the first receiver
// opens a path are retained until then.
func New(logger watermill.LoggerAdapter) *Driver {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Driver{
		pubSub: Factory(gochannel.Config{Persistent: true}, logger),
		logger: logger,
		ctx:    ctx,
		cancel: cancel,
		subs:   make(map[string]<-chan *message.Message),
		denied: make(map[string]struct{}),
	}
}

// Deny makes every later receive and send on path fail with an access-denied
// error, simulating a queue the current principal may not use.
func (d *Driver) Deny(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.denied[path] = struct{}{}
}

// Allow reverts Deny.
func (d *Driver) Allow(path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.denied, path)
}

func (d *Driver) checkAccess(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return transport.ErrClosed
	}
	if _, ok := d.denied[path]; ok {
		return &transport.AccessDeniedError{Path: path}
	}
	return nil
}

// Open returns a handle on path.
func (d *Driver) Open(ctx context.Context, path string) (transport.Queue, error) {
	if path == "" {
		return nil, fmt.Errorf("channel: queue path is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, transport.ErrClosed
	}
	return &queue{driver: d, path: path}, nil
}

// subscription lazily subscribes to path on the driver's lifetime context.
func (d *Driver) subscription(path string) (<-chan *message.Message, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, transport.ErrClosed
	}
	if sub, ok := d.subs[path]; ok {
		return sub, nil
	}
	sub, err := d.pubSub.Subscribe(d.ctx, path)
	if err != nil {
		return nil, fmt.Errorf("channel: subscribe %q: %w", path, err)
	}
	d.subs[path] = sub
	return sub, nil
}

// NewTransaction returns an emulated transaction. Received messages are acked
// on commit and nacked (redelivered) otherwise; sends are published on commit.
func (d *Driver) NewTransaction() (transport.Transaction, error) {
	return &Tx{driver: d}, nil
}

// Capabilities reports the driver capabilities.
func (d *Driver) Capabilities() transport.Capabilities {
	return transport.ChannelCapabilities
}

// Close stops all subscriptions and the underlying Pub/Sub.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	d.mu.Unlock()

	d.cancel()
	return d.pubSub.Close()
}

func (d *Driver) publish(path string, msg *transport.Message) error {
	return d.pubSub.Publish(path, toWatermill(msg))
}

type queue struct {
	driver *Driver
	path   string

	mu     sync.Mutex
	closed bool
}

func (q *queue) Path() string { return q.path }

func (q *queue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *queue) Receive(ctx context.Context, timeout time.Duration, tx transport.Transaction) (*transport.Message, error) {
	if q.isClosed() {
		return nil, transport.ErrClosed
	}
	if err := q.driver.checkAccess(q.path); err != nil {
		return nil, err
	}
	channelTx, err := asTx(tx)
	if err != nil {
		return nil, err
	}

	sub, err := q.driver.subscription(q.path)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case wm, ok := <-sub:
		if !ok {
			return nil, transport.ErrClosed
		}
		if channelTx != nil {
			channelTx.track(wm)
		} else {
			wm.Ack()
		}
		return fromWatermill(wm), nil
	case <-timer.C:
		return nil, transport.ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *queue) Send(ctx context.Context, msg *transport.Message, tx transport.Transaction) error {
	if q.isClosed() {
		return transport.ErrClosed
	}
	if msg == nil {
		return fmt.Errorf("channel: message is required")
	}
	if err := q.driver.checkAccess(q.path); err != nil {
		return err
	}
	channelTx, err := asTx(tx)
	if err != nil {
		return err
	}
	if channelTx != nil {
		return channelTx.buffer(q.path, msg.Clone())
	}
	return q.driver.publish(q.path, msg)
}

func (q *queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func asTx(tx transport.Transaction) (*Tx, error) {
	if tx == nil {
		return nil, nil
	}
	channelTx, ok := tx.(*Tx)
	if !ok {
		return nil, fmt.Errorf("channel: foreign transaction type %T", tx)
	}
	if !channelTx.isActive() {
		return nil, fmt.Errorf("channel: transaction is not active")
	}
	return channelTx, nil
}

type pendingSend struct {
	path string
	msg  *transport.Message
}

// Tx is the emulated transaction of the in-memory driver.
type Tx struct {
	driver *Driver

	mu       sync.Mutex
	active   bool
	done     bool
	received []*message.Message
	sends    []pendingSend
}

func (t *Tx) isActive() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *Tx) track(wm *message.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.received = append(t.received, wm)
}

func (t *Tx) buffer(path string, msg *transport.Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sends = append(t.sends, pendingSend{path: path, msg: msg})
	return nil
}

// Begin starts the transaction.
func (t *Tx) Begin(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active || t.done {
		return fmt.Errorf("channel: transaction already started")
	}
	t.active = true
	return nil
}

// Commit publishes buffered sends and acknowledges received messages.
func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return fmt.Errorf("channel: transaction is not active")
	}
	for _, s := range t.sends {
		if err := t.driver.publish(s.path, s.msg); err != nil {
			return fmt.Errorf("channel: commit send to %q: %w", s.path, err)
		}
	}
	for _, wm := range t.received {
		wm.Ack()
	}
	t.sends = nil
	t.received = nil
	t.active = false
	t.done = true
	return nil
}

// Close rolls back an uncommitted transaction: received messages are nacked
// and buffered sends are dropped.
func (t *Tx) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, wm := range t.received {
		wm.Nack()
	}
	t.received = nil
	t.sends = nil
	t.active = false
	t.done = true
	return nil
}

func toWatermill(msg *transport.Message) *message.Message {
	id := msg.ID
	if id == "" {
		id = ids.NewMessageID()
	}
	body := make([]byte, len(msg.Body))
	copy(body, msg.Body)

	wm := message.NewMessage(id, body)
	wm.Metadata.Set(MetadataLabel, msg.Label)
	wm.Metadata.Set(MetadataCorrelationID, msg.CorrelationID)
	wm.Metadata.Set(MetadataRecoverable, strconv.FormatBool(msg.Recoverable))
	return wm
}

func fromWatermill(wm *message.Message) *transport.Message {
	recoverable, _ := strconv.ParseBool(wm.Metadata.Get(MetadataRecoverable))
	body := make([]byte, len(wm.Payload))
	copy(body, wm.Payload)
	return &transport.Message{
		ID:            wm.UUID,
		Label:         wm.Metadata.Get(MetadataLabel),
		CorrelationID: wm.Metadata.Get(MetadataCorrelationID),
		Body:          body,
		Recoverable:   recoverable,
	}
}
