package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	configpkg "github.com/drblury/dequeueflow/internal/runtime/config"
	"github.com/drblury/dequeueflow/internal/runtime/cycle"
	errspkg "github.com/drblury/dequeueflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/dequeueflow/internal/runtime/logging"
	transportpkg "github.com/drblury/dequeueflow/internal/runtime/transport"
	"github.com/drblury/dequeueflow/transport"
)

// ExitCodeAccessDenied is the process exit code used by DefaultFatalHandler.
const ExitCodeAccessDenied = 77

var exitProcess = os.Exit

// DefaultFatalHandler terminates the process with ExitCodeAccessDenied.
func DefaultFatalHandler(cycle.FatalAccessDenied) {
	exitProcess(ExitCodeAccessDenied)
}

// MessageHandler processes a received message before its cycle commits. It is
// called concurrently by the workers of different endpoints.
type MessageHandler = cycle.Handler

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to use the defaults.
type ServiceDependencies struct {
	TransportFactory transportpkg.Factory
	// Handler processes received messages. Without one, messages are only
	// received and journaled.
	Handler MessageHandler
	// Hooks are merged after the default logging and metrics hooks.
	Hooks               CycleHooks
	DisableDefaultHooks bool // Skips the default logging and metrics hooks when true.
	// OnFatal replaces DefaultFatalHandler.
	OnFatal cycle.FatalHandler
	// Interactive replaces stdin terminal detection when Config.InteractiveMode is auto.
	Interactive cycle.InteractiveFunc
	// Principal replaces the OS user lookup in access-denied reports.
	Principal cycle.PrincipalFunc
	// MetricsRegisterer defaults to prometheus.DefaultRegisterer.
	MetricsRegisterer prometheus.Registerer
	Tracer            trace.Tracer
}

// Service runs one Worker per configured endpoint over a shared driver.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	driver   transport.Driver
	observer *cycle.Observer
	workers  []*Worker
	metrics  *CycleMetrics
	gatherer prometheus.Gatherer

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex
	servers       []*http.Server

	cancelMu sync.Mutex
	cancel   context.CancelFunc
}

// NewService constructs a Service for the supplied configuration and panics
// if it cannot be built. Use TryNewService to handle the error instead.
func NewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) *Service {
	s, err := TryNewService(conf, log, ctx, deps)
	if err != nil {
		panic(err)
	}
	return s
}

// TryNewService constructs a Service for the supplied configuration.
func TryNewService(conf *configpkg.Config, log loggingpkg.ServiceLogger, ctx context.Context, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.ErrConfigRequired
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	if len(conf.Endpoints) == 0 {
		return nil, errspkg.ErrEndpointRequired
	}

	log.Info("Creating dequeue service",
		loggingpkg.LogFields{
			"transport": conf.Transport,
			"endpoints": len(conf.Endpoints),
			"config":    conf.String(),
		})

	factory := deps.TransportFactory
	if factory == nil {
		factory = transportpkg.DefaultFactory()
	}
	driver, err := factory.Build(ctx, conf, loggingpkg.NewWatermillAdapter(log))
	if err != nil {
		return nil, err
	}

	s := &Service{
		Conf:   conf,
		Logger: log,
		driver: driver,
	}

	registerer := deps.MetricsRegisterer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	s.gatherer = prometheus.DefaultGatherer
	if g, ok := registerer.(prometheus.Gatherer); ok {
		s.gatherer = g
	}
	s.metrics = NewCycleMetrics(registerer)
	if conf.MetricsEnabled {
		if err := s.metrics.Register(); err != nil {
			_ = driver.Close()
			return nil, fmt.Errorf("register metrics: %w", err)
		}
		s.RegisterHTTPHandler(conf.MetricsPort, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	interactive := interactiveCheck(conf.EffectiveInteractiveMode(), deps.Interactive)
	observer, err := cycle.NewObserver(driver, log, s.observerOptions(deps, interactive)...)
	if err != nil {
		_ = driver.Close()
		return nil, err
	}
	s.observer = observer

	hooks := deps.Hooks
	if !deps.DisableDefaultHooks {
		hooks = LoggingHooks(log).Merge(MetricsHooks(s.metrics)).Merge(deps.Hooks)
	}

	depth, _ := driver.(transport.DepthReporter)
	for _, ep := range conf.Endpoints {
		s.workers = append(s.workers, NewWorker(WorkerConfig{
			Endpoint:               ep,
			Observer:               observer,
			Logger:                 log,
			Timeout:                conf.EffectiveReceiveTimeout(),
			Hooks:                  hooks,
			Metrics:                s.metrics,
			Depth:                  depth,
			BackoffInitialInterval: conf.BackoffInitialInterval,
			BackoffMaxInterval:     conf.BackoffMaxInterval,
			Interactive:            interactive,
		}))
	}

	return s, nil
}

func (s *Service) observerOptions(deps ServiceDependencies, interactive cycle.InteractiveFunc) []cycle.ObserverOption {
	onFatal := deps.OnFatal
	if onFatal == nil {
		onFatal = DefaultFatalHandler
	}
	principal := deps.Principal
	if principal == nil {
		principal = cycle.CurrentPrincipal
	}

	opts := []cycle.ObserverOption{
		cycle.WithEscalation(&cycle.FailureEscalation{
			Logger:      s.Logger,
			Principal:   principal,
			Interactive: interactive,
			OnFatal:     onFatal,
		}),
	}
	if deps.Handler != nil {
		opts = append(opts, cycle.WithHandler(deps.Handler))
	}
	if deps.Tracer != nil {
		opts = append(opts, cycle.WithTracer(deps.Tracer))
	}
	return opts
}

func interactiveCheck(mode configpkg.InteractiveMode, detect cycle.InteractiveFunc) cycle.InteractiveFunc {
	switch mode {
	case configpkg.InteractiveAlways:
		return func() bool { return true }
	case configpkg.InteractiveNever:
		return func() bool { return false }
	}
	if detect != nil {
		return detect
	}
	return cycle.StdinIsTerminal
}

// Driver returns the queue driver shared by all workers.
func (s *Service) Driver() transport.Driver { return s.driver }

// Workers returns the workers, one per endpoint, in configuration order.
func (s *Service) Workers() []*Worker { return s.workers }

// Metrics returns the cycle metrics collector.
func (s *Service) Metrics() *CycleMetrics { return s.metrics }

// Start runs every worker until the provided context is cancelled, Stop is
// called, or, when unattended, a worker fails with an access-denied error.
// The driver is closed before Start returns.
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancelMu.Lock()
	s.cancel = cancel
	s.cancelMu.Unlock()
	defer cancel()

	s.StartStatusAPIServer()
	s.startHTTPServers()

	g, gctx := errgroup.WithContext(ctx)
	for _, w := range s.workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	err := g.Wait()

	s.shutdownHTTPServers()
	if closeErr := s.driver.Close(); closeErr != nil {
		err = errors.Join(err, fmt.Errorf("close driver: %w", closeErr))
	}
	return err
}

// Stop cancels a running Start. It is safe to call before Start and more than once.
func (s *Service) Stop() {
	s.cancelMu.Lock()
	defer s.cancelMu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers() {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		addr := fmt.Sprintf(":%d", port)
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": addr})
		srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		s.servers = append(s.servers, srv)
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": addr})
			}
		}()
	}
}

func (s *Service) shutdownHTTPServers() {
	s.httpServersMu.Lock()
	servers := s.servers
	s.servers = nil
	s.httpServersMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(ctx); err != nil {
			s.Logger.Error("Failed to stop HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
		}
	}
}
