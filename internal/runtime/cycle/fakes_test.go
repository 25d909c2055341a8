package cycle

import (
	"context"
	"sync"
	"time"

	"github.com/drblury/dequeueflow/internal/runtime/config"
	"github.com/drblury/dequeueflow/internal/runtime/logging"
	"github.com/drblury/dequeueflow/transport"
)

// fakeDriver records every call made through it, in order, in events.
type fakeDriver struct {
	name     string
	queues   map[string]*fakeQueue
	openErr  map[string]error
	noTx     bool
	txs      []*fakeTx
	events   []string
	closed   bool
	beginErr error
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{
		name:    "fake",
		queues:  map[string]*fakeQueue{},
		openErr: map[string]error{},
	}
}

func (d *fakeDriver) queue(path string) *fakeQueue {
	q, ok := d.queues[path]
	if !ok {
		q = &fakeQueue{driver: d, path: path}
		d.queues[path] = q
	}
	return q
}

func (d *fakeDriver) push(path string, msgs ...*transport.Message) {
	q := d.queue(path)
	q.messages = append(q.messages, msgs...)
}

func (d *fakeDriver) Open(_ context.Context, path string) (transport.Queue, error) {
	if err := d.openErr[path]; err != nil {
		d.events = append(d.events, "open-failed:"+path)
		return nil, err
	}
	d.events = append(d.events, "open:"+path)
	q := d.queue(path)
	q.opened++
	return q, nil
}

func (d *fakeDriver) NewTransaction() (transport.Transaction, error) {
	if d.noTx {
		return nil, transport.ErrTransactionsUnsupported
	}
	tx := &fakeTx{driver: d, beginErr: d.beginErr}
	d.txs = append(d.txs, tx)
	d.events = append(d.events, "tx.new")
	return tx, nil
}

func (d *fakeDriver) Capabilities() transport.Capabilities {
	return transport.Capabilities{Name: d.name, SupportsTransactions: !d.noTx}
}

func (d *fakeDriver) Close() error {
	d.closed = true
	return nil
}

type fakeQueue struct {
	driver     *fakeDriver
	path       string
	messages   []*transport.Message
	receiveErr error
	sendErr    error
	sent       []*transport.Message
	sentTx     []transport.Transaction
	receiveTx  []transport.Transaction
	timeouts   []time.Duration
	opened     int
	closed     int
}

func (q *fakeQueue) Path() string { return q.path }

func (q *fakeQueue) Receive(_ context.Context, timeout time.Duration, tx transport.Transaction) (*transport.Message, error) {
	q.driver.events = append(q.driver.events, "receive:"+q.path)
	q.timeouts = append(q.timeouts, timeout)
	q.receiveTx = append(q.receiveTx, tx)
	if q.receiveErr != nil {
		return nil, q.receiveErr
	}
	if len(q.messages) == 0 {
		return nil, transport.ErrTimeout
	}
	msg := q.messages[0]
	q.messages = q.messages[1:]
	if ftx, ok := tx.(*fakeTx); ok {
		ftx.received = append(ftx.received, receipt{queue: q, msg: msg})
	}
	return msg, nil
}

func (q *fakeQueue) Send(_ context.Context, msg *transport.Message, tx transport.Transaction) error {
	q.driver.events = append(q.driver.events, "send:"+q.path)
	if q.sendErr != nil {
		return q.sendErr
	}
	q.sent = append(q.sent, msg)
	q.sentTx = append(q.sentTx, tx)
	return nil
}

func (q *fakeQueue) Close() error {
	q.driver.events = append(q.driver.events, "close:"+q.path)
	q.closed++
	return nil
}

type receipt struct {
	queue *fakeQueue
	msg   *transport.Message
}

// fakeTx puts received messages back on their queue when closed uncommitted.
type fakeTx struct {
	driver    *fakeDriver
	beginErr  error
	commitErr error
	received  []receipt
	begun     int
	committed int
	closed    int
}

func (t *fakeTx) Begin(context.Context) error {
	t.driver.events = append(t.driver.events, "tx.begin")
	if t.beginErr != nil {
		return t.beginErr
	}
	t.begun++
	return nil
}

func (t *fakeTx) Commit(context.Context) error {
	t.driver.events = append(t.driver.events, "tx.commit")
	if t.commitErr != nil {
		return t.commitErr
	}
	t.committed++
	return nil
}

func (t *fakeTx) Close() error {
	t.driver.events = append(t.driver.events, "tx.close")
	t.closed++
	if t.committed == 0 {
		for i := len(t.received) - 1; i >= 0; i-- {
			r := t.received[i]
			r.queue.messages = append([]*transport.Message{r.msg}, r.queue.messages...)
		}
	}
	t.received = nil
	return nil
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields logging.LogFields
}

type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	fields  logging.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (l *recordingLogger) record(level, msg string, err error, fields logging.LogFields) {
	merged := logging.LogFields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, logEntry{level: level, msg: msg, err: err, fields: merged})
}

func (l *recordingLogger) With(fields logging.LogFields) logging.ServiceLogger {
	merged := logging.LogFields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: l.mu, entries: l.entries, fields: merged}
}

func (l *recordingLogger) Debug(msg string, fields logging.LogFields) {
	l.record("debug", msg, nil, fields)
}

func (l *recordingLogger) Info(msg string, fields logging.LogFields) {
	l.record("info", msg, nil, fields)
}

func (l *recordingLogger) Error(msg string, err error, fields logging.LogFields) {
	l.record("error", msg, err, fields)
}

func (l *recordingLogger) Fatal(msg string, err error, fields logging.LogFields) {
	l.record("fatal", msg, err, fields)
}

func (l *recordingLogger) Trace(msg string, fields logging.LogFields) {
	l.record("trace", msg, nil, fields)
}

func (l *recordingLogger) byLevel(level string) []logEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []logEntry
	for _, e := range *l.entries {
		if e.level == level {
			out = append(out, e)
		}
	}
	return out
}

type fatalRecorder struct {
	calls []FatalAccessDenied
}

func (r *fatalRecorder) handle(f FatalAccessDenied) {
	r.calls = append(r.calls, f)
}

func testEscalation(logger logging.ServiceLogger, interactive bool, rec *fatalRecorder) *FailureEscalation {
	return &FailureEscalation{
		Logger:      logger,
		Principal:   func() string { return "svc-orders" },
		Interactive: func() bool { return interactive },
		OnFatal:     rec.handle,
	}
}

func endpoint(path string, transactional bool, journalPath string) config.Endpoint {
	return config.Endpoint{
		Path:          path,
		Transactional: transactional,
		Journal:       journalPath != "",
		JournalPath:   journalPath,
	}
}
