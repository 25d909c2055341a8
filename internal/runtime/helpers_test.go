package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	configpkg "github.com/drblury/dequeueflow/internal/runtime/config"
	"github.com/drblury/dequeueflow/internal/runtime/cycle"
	loggingpkg "github.com/drblury/dequeueflow/internal/runtime/logging"
	transportpkg "github.com/drblury/dequeueflow/internal/runtime/transport"
	"github.com/drblury/dequeueflow/transport"
	"github.com/drblury/dequeueflow/transport/channel"
)

func discardLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

type loggedEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

type memoryLogger struct {
	mu      *sync.Mutex
	entries *[]loggedEntry
	fields  loggingpkg.LogFields
}

func newMemoryLogger() *memoryLogger {
	return &memoryLogger{mu: &sync.Mutex{}, entries: &[]loggedEntry{}}
}

func (l *memoryLogger) log(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := loggingpkg.LogFields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, loggedEntry{level: level, msg: msg, err: err, fields: merged})
}

func (l *memoryLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := loggingpkg.LogFields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &memoryLogger{mu: l.mu, entries: l.entries, fields: merged}
}

func (l *memoryLogger) Debug(msg string, fields loggingpkg.LogFields) { l.log("debug", msg, nil, fields) }
func (l *memoryLogger) Info(msg string, fields loggingpkg.LogFields) { l.log("info", msg, nil, fields) }
func (l *memoryLogger) Trace(msg string, fields loggingpkg.LogFields) { l.log("trace", msg, nil, fields) }

func (l *memoryLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.log("error", msg, err, fields)
}

func (l *memoryLogger) Fatal(msg string, err error, fields loggingpkg.LogFields) {
	l.log("fatal", msg, err, fields)
}

func (l *memoryLogger) byLevel(level string) []loggedEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []loggedEntry
	for _, e := range *l.entries {
		if e.level == level {
			out = append(out, e)
		}
	}
	return out
}

// channelFactory hands the given driver to the Service.
func channelFactory(d *channel.Driver) transportpkg.Factory {
	return transportpkg.FactoryFunc(func(context.Context, *configpkg.Config, watermill.LoggerAdapter) (transport.Driver, error) {
		return d, nil
	})
}

func newChannelDriver(t *testing.T) *channel.Driver {
	t.Helper()
	d := channel.New(watermill.NopLogger{})
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func testConfig(endpoints ...configpkg.Endpoint) *configpkg.Config {
	return &configpkg.Config{
		Transport:              "channel",
		Endpoints:              endpoints,
		ReceiveTimeout:         20 * time.Millisecond,
		BackoffInitialInterval: time.Millisecond,
		BackoffMaxInterval:     5 * time.Millisecond,
		InteractiveMode:        configpkg.InteractiveNever,
	}
}

func testDeps(d *channel.Driver) ServiceDependencies {
	return ServiceDependencies{
		TransportFactory:  channelFactory(d),
		MetricsRegisterer: prometheus.NewRegistry(),
		Principal:         func() string { return "svc-test" },
		OnFatal:           func(cycle.FatalAccessDenied) {},
	}
}

func send(t *testing.T, d transport.Driver, path string, msg *transport.Message) {
	t.Helper()
	q, err := d.Open(context.Background(), path)
	require.NoError(t, err)
	defer func() { _ = q.Close() }()
	require.NoError(t, q.Send(context.Background(), msg, nil))
}

func receive(t *testing.T, d transport.Driver, path string) *transport.Message {
	t.Helper()
	q, err := d.Open(context.Background(), path)
	require.NoError(t, err)
	defer func() { _ = q.Close() }()
	msg, err := q.Receive(context.Background(), time.Second, nil)
	require.NoError(t, err)
	return msg
}
