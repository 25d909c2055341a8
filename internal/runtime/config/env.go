package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Environment variables read by ApplyEnv.
const (
	EnvTransport          = "DEQUEUEFLOW_TRANSPORT"
	EnvSQLiteFile         = "DEQUEUEFLOW_SQLITE_FILE"
	EnvPostgresURL        = "DEQUEUEFLOW_POSTGRES_URL"
	EnvRabbitMQURL        = "DEQUEUEFLOW_RABBITMQ_URL"
	EnvNATSURL            = "DEQUEUEFLOW_NATS_URL"
	EnvAWSRegion          = "DEQUEUEFLOW_AWS_REGION"
	EnvAWSAccountID       = "DEQUEUEFLOW_AWS_ACCOUNT_ID"
	EnvAWSAccessKeyID     = "DEQUEUEFLOW_AWS_ACCESS_KEY_ID"
	EnvAWSSecretAccessKey = "DEQUEUEFLOW_AWS_SECRET_ACCESS_KEY"
	EnvAWSEndpoint        = "DEQUEUEFLOW_AWS_ENDPOINT"
	EnvReceiveTimeout     = "DEQUEUEFLOW_RECEIVE_TIMEOUT"
	EnvInteractive        = "DEQUEUEFLOW_INTERACTIVE"
	EnvMetricsEnabled     = "DEQUEUEFLOW_METRICS_ENABLED"
	EnvMetricsPort        = "DEQUEUEFLOW_METRICS_PORT"
	EnvStatusAPIEnabled   = "DEQUEUEFLOW_STATUS_API_ENABLED"
	EnvStatusAPIPort      = "DEQUEUEFLOW_STATUS_API_PORT"
)

// ApplyEnv overrides fields with the DEQUEUEFLOW_* environment variables that
// are set. Values that fail to parse are reported together and leave the
// field unchanged.
func (c *Config) ApplyEnv() error {
	var errs []error

	setString(&c.Transport, EnvTransport)
	setString(&c.SQLiteFile, EnvSQLiteFile)
	setString(&c.PostgresURL, EnvPostgresURL)
	setString(&c.RabbitMQURL, EnvRabbitMQURL)
	setString(&c.NATSURL, EnvNATSURL)
	setString(&c.AWSRegion, EnvAWSRegion)
	setString(&c.AWSAccountID, EnvAWSAccountID)
	setString(&c.AWSAccessKeyID, EnvAWSAccessKeyID)
	setString(&c.AWSSecretAccessKey, EnvAWSSecretAccessKey)
	setString(&c.AWSEndpoint, EnvAWSEndpoint)

	if v := os.Getenv(EnvReceiveTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			c.ReceiveTimeout = d
		} else {
			errs = append(errs, fmt.Errorf("%s: %w", EnvReceiveTimeout, err))
		}
	}
	if v := os.Getenv(EnvInteractive); v != "" {
		c.InteractiveMode = InteractiveMode(v)
	}
	errs = append(errs, setBool(&c.MetricsEnabled, EnvMetricsEnabled))
	errs = append(errs, setInt(&c.MetricsPort, EnvMetricsPort))
	errs = append(errs, setBool(&c.StatusAPIEnabled, EnvStatusAPIEnabled))
	errs = append(errs, setInt(&c.StatusAPIPort, EnvStatusAPIPort))

	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}
