package config

import (
	"github.com/nimburion/taskqueue/pkg/broker"
	"github.com/nimburion/taskqueue/pkg/observability/logger"
	"github.com/nimburion/taskqueue/pkg/observability/tracing"
	"github.com/nimburion/taskqueue/pkg/producer"
	"github.com/nimburion/taskqueue/pkg/task"
	"github.com/nimburion/taskqueue/pkg/worker"
)

// BrokerConfig returns the connection settings.
func (c *Config) BrokerConfig() broker.Config {
	return broker.Config{
		URL:            c.Broker.URL,
		Host:           c.Broker.Host,
		Port:           c.Broker.Port,
		Username:       c.Broker.Username,
		Password:       c.Broker.Password,
		VHost:          c.Broker.VHost,
		ConnectTimeout: c.Broker.ConnectTimeout,
		Heartbeat:      c.Broker.Heartbeat,
	}
}

// ProducerConfig returns the publishing settings for the configured queue.
func (c *Config) ProducerConfig() producer.Config {
	return producer.Config{
		Queue:          c.Queue.Name,
		Durable:        c.Queue.Durable,
		Persistent:     c.Producer.Persistent,
		Confirm:        c.Producer.Confirm,
		ConfirmTimeout: c.Producer.ConfirmTimeout,
		RateLimit:      c.Producer.RateLimit,
		Burst:          c.Producer.Burst,
		ContentType:    c.Producer.ContentType,
	}
}

// WorkerConfig returns the consumption settings for the configured queue.
// The failure mode has already been checked by Validate.
func (c *Config) WorkerConfig() worker.Config {
	mode, _ := worker.ParseFailureMode(c.Worker.Failure.Mode)
	return worker.Config{
		Queue:       c.Queue.Name,
		Durable:     c.Queue.Durable,
		Prefetch:    c.Worker.Prefetch,
		ConsumerTag: c.Worker.ConsumerTag,
		Failure: worker.FailurePolicy{
			Mode:             mode,
			MaxAttempts:      c.Worker.Failure.MaxAttempts,
			DeadLetterSuffix: c.Worker.Failure.DeadLetterSuffix,
		},
		ShutdownGrace:  c.Worker.ShutdownGrace,
		HandlerTimeout: c.Worker.HandlerTimeout,
	}
}

// DotWorkload returns the simulated workload run by the bundled worker.
func (c *Config) DotWorkload() task.DotWorkload {
	w := task.DotWorkload{Unit: c.Workload.Unit}
	if len(c.Workload.Marker) == 1 {
		w.Marker = c.Workload.Marker[0]
	}
	return w
}

// LoggerConfig returns the logger settings. Validate rejects unknown values.
func (c *Config) LoggerConfig() logger.Config {
	level, _ := logger.ParseLogLevel(c.Log.Level)
	format, _ := logger.ParseLogFormat(c.Log.Format)
	return logger.Config{Level: level, Format: format}
}

// TracerConfig returns the tracing settings for serviceName.
func (c *Config) TracerConfig(serviceName, serviceVersion string) tracing.TracerConfig {
	return tracing.TracerConfig{
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
		Endpoint:       c.Tracing.Endpoint,
		SampleRate:     c.Tracing.SampleRate,
		Enabled:        c.Tracing.Enabled,
	}
}
