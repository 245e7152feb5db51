package broker

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nimburion/taskqueue/pkg/observability/logger"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// DefaultConnectTimeout bounds dialing plus the AMQP handshake.
	DefaultConnectTimeout = 10 * time.Second
	// DefaultHeartbeat is the heartbeat interval negotiated with the broker.
	DefaultHeartbeat = 10 * time.Second

	defaultHost     = "localhost"
	defaultPort     = 5672
	defaultUsername = "guest"
	defaultPassword = "guest"
	defaultVHost    = "/"
)

// Config holds broker connection settings.
type Config struct {
	URL            string
	Host           string
	Port           int
	Username       string
	Password       string
	VHost          string
	ConnectTimeout time.Duration
	Heartbeat      time.Duration
}

func (c *Config) normalize() {
	if strings.TrimSpace(c.Host) == "" {
		c.Host = defaultHost
	}
	if c.Port <= 0 {
		c.Port = defaultPort
	}
	if c.Username == "" {
		c.Username = defaultUsername
	}
	if c.Password == "" {
		c.Password = defaultPassword
	}
	if c.VHost == "" {
		c.VHost = defaultVHost
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = DefaultHeartbeat
	}
}

// URI returns the AMQP URI used to dial. URL wins over the individual parts.
func (c Config) URI() (amqp.URI, error) {
	c.normalize()
	if raw := strings.TrimSpace(c.URL); raw != "" {
		uri, err := amqp.ParseURI(raw)
		if err != nil {
			return amqp.URI{}, fmt.Errorf("invalid broker url: %w", err)
		}
		return uri, nil
	}
	return amqp.URI{
		Scheme:   "amqp",
		Host:     c.Host,
		Port:     c.Port,
		Username: c.Username,
		Password: c.Password,
		Vhost:    c.VHost,
	}, nil
}

// Target describes the broker endpoint without credentials, for logs and error context.
func (c Config) Target() string {
	uri, err := c.URI()
	if err != nil {
		return "invalid-url"
	}
	vhost := uri.Vhost
	if !strings.HasPrefix(vhost, "/") {
		vhost = "/" + vhost
	}
	return uri.Scheme + "://" + uri.Host + ":" + strconv.Itoa(uri.Port) + vhost
}

// Session is one logical connection to the broker.
type Session interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	IsClosed() bool
	Close() error
}

// Dialer opens sessions. AMQPDialer is the production implementation.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Session, error)
}

// Option customizes Connect.
type Option func(*connectOptions)

type connectOptions struct {
	dialer Dialer
}

// WithDialer replaces the AMQP dialer, mostly for tests.
func WithDialer(d Dialer) Option {
	return func(o *connectOptions) {
		if d != nil {
			o.dialer = d
		}
	}
}

// Connection owns a broker session and every channel opened through it.
// A failure of the session invalidates all of its channels.
type Connection struct {
	session Session
	config  Config
	log     logger.Logger

	mu       sync.Mutex
	channels []Channel
	closed   bool
	failure  error
	done     chan struct{}
}

// Connect dials the broker. It fails with ErrConnection when the broker cannot be reached
// within cfg.ConnectTimeout or when ctx ends first.
func Connect(ctx context.Context, cfg Config, log logger.Logger, opts ...Option) (*Connection, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	cfg.normalize()

	options := connectOptions{dialer: AMQPDialer{}}
	for _, opt := range opts {
		opt(&options)
	}

	target := cfg.Target()
	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	type dialResult struct {
		session Session
		err     error
	}
	resultCh := make(chan dialResult, 1)
	go func() {
		session, err := options.dialer.Dial(dialCtx, cfg)
		resultCh <- dialResult{session: session, err: err}
	}()

	var session Session
	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, errors.Join(brokerError(ErrConnection, "cannot connect to "+target), res.err)
		}
		session = res.session
	case <-dialCtx.Done():
		// A late session must not leak.
		go func() {
			if res := <-resultCh; res.session != nil {
				_ = res.session.Close()
			}
		}()
		return nil, errors.Join(brokerError(ErrConnection, "cannot connect to "+target), dialCtx.Err())
	}

	c := &Connection{
		session: session,
		config:  cfg,
		log:     log.With("broker", target),
		done:    make(chan struct{}),
	}
	notify := session.NotifyClose(make(chan *amqp.Error, 1))
	go c.watch(notify)

	c.log.Info("connected to broker")
	return c, nil
}

func (c *Connection) watch(notify <-chan *amqp.Error) {
	amqpErr, ok := <-notify
	c.mu.Lock()
	defer c.mu.Unlock()
	if ok && amqpErr != nil && !c.closed {
		c.failure = errors.Join(brokerError(ErrChannelFailure, "connection to "+c.config.Target()+" lost"), amqpErr)
		c.log.Error("broker connection lost", "code", amqpErr.Code, "reason", amqpErr.Reason)
	}
	close(c.done)
}

// Target returns the credential-free broker endpoint.
func (c *Connection) Target() string {
	return c.config.Target()
}

// OpenChannel opens a channel owned by this connection.
func (c *Connection) OpenChannel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.failure != nil {
		return nil, c.failure
	}
	ch, err := c.session.Channel()
	if err != nil {
		return nil, classifyChannelError("open channel", err)
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// Done is closed when the session ends, either through Close or a broker-side failure.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Err reports the mid-session failure that ended the connection, or nil.
func (c *Connection) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// HealthCheck verifies the session is open and can still open a channel.
func (c *Connection) HealthCheck(ctx context.Context) error {
	c.mu.Lock()
	closed, failure, session := c.closed, c.failure, c.session
	c.mu.Unlock()

	if closed {
		return ErrClosed
	}
	if failure != nil {
		return failure
	}
	if session == nil || session.IsClosed() {
		return brokerError(ErrChannelFailure, "broker session is closed")
	}

	ch, err := session.Channel()
	if err != nil {
		return fmt.Errorf("broker health check failed: %w", err)
	}
	_ = ch.Close()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("broker health check timeout: %w", err)
	}
	return nil
}

// Close releases all channels and then the session. It is safe to call more than once.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := c.channels
	c.channels = nil
	failed := c.failure != nil
	c.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		if ch.IsClosed() {
			continue
		}
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if !failed && !c.session.IsClosed() {
		if err := c.session.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, fmt.Errorf("close connection: %w", err))
		}
	}
	c.log.Info("broker connection closed")
	return errors.Join(errs...)
}
