package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/nimburion/taskqueue/pkg/observability/logger"
	"github.com/nimburion/taskqueue/pkg/worker"
)

// ErrValidation classifies configuration that cannot be used.
var ErrValidation = errors.New("invalid configuration")

// Validate checks the configuration and reports every violated rule at once.
func (c *Config) Validate() error {
	var errs []error
	fail := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Broker.URL != "" {
		scheme := strings.ToLower(strings.SplitN(c.Broker.URL, "://", 2)[0])
		if scheme != "amqp" && scheme != "amqps" {
			fail("broker.url must use the amqp or amqps scheme")
		}
	} else {
		if strings.TrimSpace(c.Broker.Host) == "" {
			fail("broker.host is required when broker.url is empty")
		}
		if c.Broker.Port <= 0 || c.Broker.Port > 65535 {
			fail("broker.port must be between 1 and 65535")
		}
	}
	if c.Broker.ConnectTimeout < 0 {
		fail("broker.connect_timeout must not be negative")
	}
	if c.Broker.Heartbeat < 0 {
		fail("broker.heartbeat must not be negative")
	}

	if strings.TrimSpace(c.Queue.Name) == "" {
		fail("queue.name is required")
	}

	if c.Producer.ConfirmTimeout < 0 {
		fail("producer.confirm_timeout must not be negative")
	}
	if c.Producer.RateLimit < 0 {
		fail("producer.rate_limit must not be negative")
	}
	if c.Producer.RateLimit > 0 && c.Producer.Burst < 1 {
		fail("producer.burst must be at least 1 when rate_limit is set")
	}

	if c.Worker.Prefetch < 0 || c.Worker.Prefetch > 65535 {
		fail("worker.prefetch must be between 0 and 65535")
	}
	if c.Worker.ShutdownGrace < 0 {
		fail("worker.shutdown_grace must not be negative")
	}
	if c.Worker.HandlerTimeout < 0 {
		fail("worker.handler_timeout must not be negative")
	}
	if _, err := worker.ParseFailureMode(c.Worker.Failure.Mode); err != nil {
		fail("worker.failure.mode: %v", err)
	}
	if c.Worker.Failure.MaxAttempts < 0 {
		fail("worker.failure.max_attempts must not be negative")
	}

	if len(c.Workload.Marker) > 1 {
		fail("workload.marker must be a single character")
	}
	if c.Workload.Unit < 0 {
		fail("workload.unit must not be negative")
	}

	if _, err := logger.ParseLogLevel(c.Log.Level); err != nil {
		fail("log.level: %v", err)
	}
	if _, err := logger.ParseLogFormat(c.Log.Format); err != nil {
		fail("log.format: %v", err)
	}

	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Addr) == "" {
		fail("metrics.addr is required when metrics are enabled")
	}

	if c.Tracing.Enabled && strings.TrimSpace(c.Tracing.Endpoint) == "" {
		fail("tracing.endpoint is required when tracing is enabled")
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		fail("tracing.sample_rate must be between 0 and 1")
	}

	if c.Console.URL != "" {
		if u, err := url.Parse(c.Console.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			fail("console.url must be an absolute http(s) url")
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrValidation, errors.Join(errs...))
}
