package transport

import (
	"context"
	"fmt"

	"github.com/ThreeDotsLabs/watermill"

	"github.com/drblury/dequeueflow/internal/runtime/config"
	"github.com/drblury/dequeueflow/transport"

	// Import all transport packages to register them.
	_ "github.com/drblury/dequeueflow/transport/transports"
)

// Factory abstracts how dequeueflow initialises the queue driver.
type Factory interface {
	Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Driver, error)
}

// FactoryFunc adapts a plain function to Factory.
type FactoryFunc func(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Driver, error)

// Build calls f.
func (f FactoryFunc) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Driver, error) {
	return f(ctx, conf, logger)
}

// DefaultFactory returns the built-in factory that resolves conf.Transport
// through the transport registry.
func DefaultFactory() Factory {
	return defaultFactory{}
}

type defaultFactory struct{}

func (defaultFactory) Build(ctx context.Context, conf *config.Config, logger watermill.LoggerAdapter) (transport.Driver, error) {
	if conf == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}

	driver, err := transport.Build(ctx, conf, logger)
	if err != nil {
		return nil, fmt.Errorf("build %q driver: %w", conf.Transport, err)
	}
	return driver, nil
}
