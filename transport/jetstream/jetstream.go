// Package jetstream provides a NATS JetStream queue driver for dequeueflow.
// Each queue path is a subject of one work-queue stream, consumed through a
// durable pull consumer.
package jetstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/nats-io/nats.go"

	"github.com/drblury/dequeueflow/internal/runtime/ids"
	"github.com/drblury/dequeueflow/transport"
)

// TransportName is the name used to register this transport.
const TransportName = "nats-jetstream"

const (
	// DefaultStreamName is the stream holding every queue subject.
	DefaultStreamName = "DEQUEUEFLOW"

	// DefaultAckWait is the default ack wait timeout.
	DefaultAckWait = 30 * time.Second

	// DefaultMaxAge bounds how long unconsumed messages are retained.
	DefaultMaxAge = 7 * 24 * time.Hour
)

// Header keys carrying message fields through JetStream.
const (
	HeaderID            = "Dequeueflow-Id"
	HeaderLabel         = "Dequeueflow-Label"
	HeaderCorrelationID = "Dequeueflow-Correlation-Id"
	HeaderRecoverable   = "Dequeueflow-Recoverable"
)

func init() {
	transport.Register(TransportName, Build, transport.NATSJetStreamCapabilities)
	transport.Register("jetstream", Build, transport.NATSJetStreamCapabilities)
}

// Build creates a new NATS JetStream driver.
func Build(ctx context.Context, cfg transport.Config, logger watermill.LoggerAdapter) (transport.Driver, error) {
	return New(Config{URL: cfg.GetNATSURL()}, logger)
}

// Capabilities returns the capabilities of this transport.
func Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Config holds NATS JetStream-specific configuration.
type Config struct {
	// URL is the NATS server URL.
	URL string

	// StreamName is the name of the JetStream stream to use.
	// If empty, defaults to "DEQUEUEFLOW".
	StreamName string

	// AckWait is how long a fetched message stays reserved before the server
	// redelivers it.
	AckWait time.Duration

	// Replicas is the number of stream replicas (for clustering).
	Replicas int

	// RetentionPolicy: "workqueue" (default), "limits", or "interest"
	RetentionPolicy string
}

func (c Config) withDefaults() Config {
	if c.StreamName == "" {
		c.StreamName = DefaultStreamName
	}
	if c.AckWait <= 0 {
		c.AckWait = DefaultAckWait
	}
	if c.Replicas <= 0 {
		c.Replicas = 1
	}
	return c
}

func (c Config) streamConfig() *nats.StreamConfig {
	streamCfg := &nats.StreamConfig{
		Name:     c.StreamName,
		Subjects: []string{c.StreamName + ".>"},
		MaxAge:   DefaultMaxAge,
		Replicas: c.Replicas,
		Storage:  nats.FileStorage,
	}
	switch c.RetentionPolicy {
	case "interest":
		streamCfg.Retention = nats.InterestPolicy
	case "limits":
		streamCfg.Retention = nats.LimitsPolicy
	default:
		streamCfg.Retention = nats.WorkQueuePolicy
	}
	return streamCfg
}

// jetStream is the subset of nats.JetStreamContext used by the driver.
type jetStream interface {
	AddStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	UpdateStream(cfg *nats.StreamConfig, opts ...nats.JSOpt) (*nats.StreamInfo, error)
	AddConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	UpdateConsumer(stream string, cfg *nats.ConsumerConfig, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	ConsumerInfo(stream, name string, opts ...nats.JSOpt) (*nats.ConsumerInfo, error)
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

// fetcher is implemented by *nats.Subscription for pull consumers.
type fetcher interface {
	Fetch(batch int, opts ...nats.PullOpt) ([]*nats.Msg, error)
	Unsubscribe() error
}

// Driver is a NATS JetStream queue driver.
type Driver struct {
	js     jetStream
	config Config
	logger watermill.LoggerAdapter

	subscribe func(subject, durable string) (fetcher, error)
	ack       func(*nats.Msg) error
	nak       func(*nats.Msg) error
	closeConn func()

	mu     sync.Mutex
	subs   map[string]fetcher
	closed bool
}

// New connects to NATS and ensures the stream exists.
func New(cfg Config, logger watermill.LoggerAdapter) (*Driver, error) {
	cfg = cfg.withDefaults()

	nc, err := nats.Connect(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", classify("", err))
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	d := newDriver(js, cfg, logger)
	d.closeConn = nc.Close
	d.subscribe = func(subject, durable string) (fetcher, error) {
		sub, err := js.PullSubscribe(subject, durable, nats.Bind(cfg.StreamName, durable))
		if err != nil {
			return nil, err
		}
		return sub, nil
	}

	if err := d.ensureStream(); err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to ensure stream: %w", err)
	}
	return d, nil
}

func newDriver(js jetStream, cfg Config, logger watermill.LoggerAdapter) *Driver {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &Driver{
		js:        js,
		config:    cfg.withDefaults(),
		logger:    logger,
		ack:       func(m *nats.Msg) error { return m.AckSync() },
		nak:       func(m *nats.Msg) error { return m.Nak() },
		closeConn: func() {},
		subs:      make(map[string]fetcher),
	}
}

func (d *Driver) ensureStream() error {
	streamCfg := d.config.streamConfig()
	if _, err := d.js.AddStream(streamCfg); err != nil {
		if _, err := d.js.UpdateStream(streamCfg); err != nil {
			d.logger.Info("JetStream stream exists", watermill.LogFields{
				"stream": d.config.StreamName,
				"err":    err.Error(),
			})
		}
	}
	return nil
}

func (d *Driver) subject(path string) string {
	return d.config.StreamName + "." + path
}

// durable derives a consumer name; durable names may not contain '.', '*'
// or '>'.
func (d *Driver) durable(path string) string {
	return "consumer_" + strings.NewReplacer(".", "_", "*", "_", ">", "_").Replace(path)
}

// subscription lazily creates the durable pull consumer of path.
func (d *Driver) subscription(path string) (fetcher, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, transport.ErrClosed
	}
	if sub, ok := d.subs[path]; ok {
		return sub, nil
	}

	durable := d.durable(path)
	consumerCfg := &nats.ConsumerConfig{
		Durable:       durable,
		FilterSubject: d.subject(path),
		AckPolicy:     nats.AckExplicitPolicy,
		AckWait:       d.config.AckWait,
		DeliverPolicy: nats.DeliverAllPolicy,
	}
	if _, err := d.js.AddConsumer(d.config.StreamName, consumerCfg); err != nil {
		if _, err := d.js.UpdateConsumer(d.config.StreamName, consumerCfg); err != nil {
			return nil, fmt.Errorf("failed to create consumer: %w", classify(path, err))
		}
	}

	sub, err := d.subscribe(d.subject(path), durable)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", classify(path, err))
	}
	d.subs[path] = sub
	return sub, nil
}

// Open returns a handle on path.
func (d *Driver) Open(ctx context.Context, path string) (transport.Queue, error) {
	if path == "" {
		return nil, fmt.Errorf("jetstream: queue path is required")
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, transport.ErrClosed
	}
	return &queue{driver: d, path: path}, nil
}

// NewTransaction returns an emulated transaction. Fetched messages are acked
// on commit and nak'ed (redelivered) otherwise; sends are published on commit.
func (d *Driver) NewTransaction() (transport.Transaction, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, transport.ErrClosed
	}
	return &Tx{driver: d}, nil
}

// Capabilities reports the driver capabilities.
func (d *Driver) Capabilities() transport.Capabilities {
	return transport.NATSJetStreamCapabilities
}

// Depth returns the messages of path not yet acknowledged.
func (d *Driver) Depth(ctx context.Context, path string) (int64, error) {
	info, err := d.js.ConsumerInfo(d.config.StreamName, d.durable(path))
	if err != nil {
		if errors.Is(err, nats.ErrConsumerNotFound) {
			return 0, nil
		}
		return 0, classify(path, err)
	}
	return int64(info.NumPending) + int64(info.NumAckPending), nil
}

// Close unsubscribes every consumer and closes the connection.
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	subs := d.subs
	d.subs = make(map[string]fetcher)
	d.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
	d.closeConn()
	return nil
}

func (d *Driver) publish(path string, msg *transport.Message) error {
	_, err := d.js.PublishMsg(d.toNATS(path, msg))
	if err != nil {
		return fmt.Errorf("failed to publish to JetStream: %w", classify(path, err))
	}
	return nil
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

// Receive fetches one message, waiting until the deadline.
func (q *queue) Receive(ctx context.Context, timeout time.Duration, tx transport.Transaction) (*transport.Message, error) {
	if q.isClosed() {
		return nil, transport.ErrClosed
	}
	jsTx, err := asTx(tx)
	if err != nil {
		return nil, err
	}
	sub, err := q.driver.subscription(q.path)
	if err != nil {
		return nil, err
	}

	deadline := transport.Deadline(ctx, timeout)
	for {
		if time.Until(deadline) <= 0 {
			return nil, transport.ErrTimeout
		}
		fetchCtx, cancel := context.WithDeadline(ctx, deadline)
		msgs, err := sub.Fetch(1, nats.Context(fetchCtx))
		cancel()

		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return nil, classify(q.path, err)
		}
		if len(msgs) == 0 {
			continue
		}

		natsMsg := msgs[0]
		if jsTx != nil {
			jsTx.track(natsMsg)
		} else if err := q.driver.ack(natsMsg); err != nil {
			return nil, fmt.Errorf("jetstream: ack: %w", err)
		}
		return fromNATS(natsMsg), nil
	}
}

func (q *queue) Send(ctx context.Context, msg *transport.Message, tx transport.Transaction) error {
	if q.isClosed() {
		return transport.ErrClosed
	}
	if msg == nil {
		return fmt.Errorf("jetstream: message is required")
	}
	jsTx, err := asTx(tx)
	if err != nil {
		return err
	}
	if jsTx != nil {
		jsTx.buffer(q.path, msg.Clone())
		return nil
	}
	return q.driver.publish(q.path, msg)
}

func (q *queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

type pendingSend struct {
	path string
	msg  *transport.Message
}

// Tx is the emulated transaction of the JetStream driver.
type Tx struct {
	driver *Driver

	mu       sync.Mutex
	active   bool
	done     bool
	received []*nats.Msg
	sends    []pendingSend
}

func asTx(tx transport.Transaction) (*Tx, error) {
	if tx == nil {
		return nil, nil
	}
	jsTx, ok := tx.(*Tx)
	if !ok {
		return nil, fmt.Errorf("jetstream: foreign transaction type %T", tx)
	}
	jsTx.mu.Lock()
	defer jsTx.mu.Unlock()
	if !jsTx.active {
		return nil, fmt.Errorf("jetstream: transaction is not active")
	}
	return jsTx, nil
}

func (t *Tx) track(msg *nats.Msg) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.received = append(t.received, msg)
}

func (t *Tx) buffer(path string, msg *transport.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sends = append(t.sends, pendingSend{path: path, msg: msg})
}

// Begin starts the transaction.
func (t *Tx) Begin(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.active || t.done {
		return fmt.Errorf("jetstream: transaction already started")
	}
	t.active = true
	return nil
}

// Commit publishes buffered sends, then acknowledges fetched messages.
// Sends carry a deduplication id, so a retried commit does not duplicate them.
func (t *Tx) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		return fmt.Errorf("jetstream: transaction is not active")
	}
	t.active = false
	t.done = true

	for _, s := range t.sends {
		if err := t.driver.publish(s.path, s.msg); err != nil {
			return fmt.Errorf("jetstream: commit send to %q: %w", s.path, err)
		}
	}
	t.sends = nil

	var errs []error
	for _, msg := range t.received {
		if err := t.driver.ack(msg); err != nil {
			errs = append(errs, fmt.Errorf("jetstream: commit ack: %w", err))
		}
	}
	t.received = nil
	return errors.Join(errs...)
}

// Close rolls back an uncommitted transaction: fetched messages are nak'ed
// and buffered sends are dropped.
func (t *Tx) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = false
	t.done = true
	t.sends = nil

	var errs []error
	for _, msg := range t.received {
		if err := t.driver.nak(msg); err != nil {
			errs = append(errs, fmt.Errorf("jetstream: nak: %w", err))
		}
	}
	t.received = nil
	return errors.Join(errs...)
}

func (d *Driver) toNATS(path string, msg *transport.Message) *nats.Msg {
	id := msg.ID
	if id == "" {
		id = ids.NewMessageID()
	}
	subject := d.subject(path)
	headers := nats.Header{}
	// deduplication ids are stream wide; scope them to the subject so a
	// journal copy is not dropped as a duplicate of its source
	headers.Set(nats.MsgIdHdr, subject+":"+id)
	headers.Set(HeaderID, id)
	headers.Set(HeaderLabel, msg.Label)
	headers.Set(HeaderCorrelationID, msg.CorrelationID)
	headers.Set(HeaderRecoverable, strconv.FormatBool(msg.Recoverable))

	body := make([]byte, len(msg.Body))
	copy(body, msg.Body)
	return &nats.Msg{
		Subject: subject,
		Data:    body,
		Header:  headers,
	}
}

func fromNATS(natsMsg *nats.Msg) *transport.Message {
	recoverable, _ := strconv.ParseBool(natsMsg.Header.Get(HeaderRecoverable))
	return &transport.Message{
		ID:            natsMsg.Header.Get(HeaderID),
		Label:         natsMsg.Header.Get(HeaderLabel),
		CorrelationID: natsMsg.Header.Get(HeaderCorrelationID),
		Body:          natsMsg.Data,
		Recoverable:   recoverable,
	}
}

// classify maps authorization and permission failures to
// *transport.AccessDeniedError.
func classify(path string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, nats.ErrAuthorization) ||
		errors.Is(err, nats.ErrAuthExpired) ||
		strings.Contains(strings.ToLower(err.Error()), "permissions violation") {
		return &transport.AccessDeniedError{Path: path, Err: err}
	}
	return err
}
