// Package messaging provides a NATS client wrapper for the court assigner. It
// handles connection lifecycle, queue-group subscriptions shared between
// assigner replicas, and convenience methods for the court subjects.
package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NATS subject patterns used by the assigner.
const (
	SubjectCourtFreed     = "court.freed"
	SubjectSuggest        = "court.suggest"
	SubjectMatchCompleted = "match.completed"
	SubjectMatchAssigned  = "match.assigned" // + .<session_id>
	SubjectQueueCommand   = "queue.command"
	SubjectSessionCommand = "session.command"
)

// QueueGroup load-balances inbound subjects across assigner replicas.
const QueueGroup = "assigner"

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn   *nats.Conn
	logger *zap.Logger
	mu     sync.Mutex
	subs   map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "court-assigner",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1,
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig, logger *zap.Logger) (*NATSClient, error) {
	logger = logger.With(zap.String("component", "nats"))

	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			logger.Info("connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	logger.Info("connected", zap.String("url", nc.ConnectedUrl()))

	return &NATSClient{
		conn:   nc,
		logger: logger,
		subs:   make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// Request sends data to subject and waits for a single reply until ctx is done.
func (c *NATSClient) Request(ctx context.Context, subject string, data []byte) ([]byte, error) {
	msg, err := c.conn.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, fmt.Errorf("nats request %s: %w", subject, err)
	}
	return msg.Data, nil
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	c.track(subject, sub)
	return nil
}

// QueueSubscribe registers a handler in the assigner queue group so each
// message is delivered to exactly one replica.
func (c *NATSClient) QueueSubscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.QueueSubscribe(subject, QueueGroup, handler)
	if err != nil {
		return fmt.Errorf("nats queue subscribe %s: %w", subject, err)
	}
	c.track(subject, sub)
	return nil
}

// SubscribeCourtFreed subscribes to court.freed announcements.
func (c *NATSClient) SubscribeCourtFreed(handler func(data []byte)) error {
	return c.QueueSubscribe(SubjectCourtFreed, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// PublishCourtFreed publishes a court.freed announcement.
func (c *NATSClient) PublishCourtFreed(data []byte) error {
	return c.Publish(SubjectCourtFreed, data)
}

// SubscribeMatchCompleted subscribes to match results.
func (c *NATSClient) SubscribeMatchCompleted(handler func(data []byte)) error {
	return c.QueueSubscribe(SubjectMatchCompleted, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// SubscribeSuggest serves court.suggest requests.
func (c *NATSClient) SubscribeSuggest(handler func(data []byte) []byte) error {
	return c.serve(SubjectSuggest, handler)
}

// RequestSuggest sends a court.suggest request and waits for the reply.
func (c *NATSClient) RequestSuggest(ctx context.Context, data []byte) ([]byte, error) {
	return c.Request(ctx, SubjectSuggest, data)
}

// SubscribeQueueCommands serves queue.command requests (enqueue, set_position,
// cancel_entry).
func (c *NATSClient) SubscribeQueueCommands(handler func(data []byte) []byte) error {
	return c.serve(SubjectQueueCommand, handler)
}

// RequestQueueCommand sends a queue.command request and waits for the reply.
func (c *NATSClient) RequestQueueCommand(ctx context.Context, data []byte) ([]byte, error) {
	return c.Request(ctx, SubjectQueueCommand, data)
}

// SubscribeSessionCommands serves session.command requests (open and close
// sessions, player registration and check-in).
func (c *NATSClient) SubscribeSessionCommands(handler func(data []byte) []byte) error {
	return c.serve(SubjectSessionCommand, handler)
}

// RequestSessionCommand sends a session.command request and waits for the
// reply.
func (c *NATSClient) RequestSessionCommand(ctx context.Context, data []byte) ([]byte, error) {
	return c.Request(ctx, SubjectSessionCommand, data)
}

// serve queue-subscribes a request handler. The handler's return value is
// sent as the reply when the request carries a reply subject.
func (c *NATSClient) serve(subject string, handler func(data []byte) []byte) error {
	return c.QueueSubscribe(subject, func(msg *nats.Msg) {
		reply := handler(msg.Data)
		if msg.Reply == "" || reply == nil {
			return
		}
		if err := msg.Respond(reply); err != nil {
			c.logger.Warn("respond failed", zap.String("subject", msg.Subject), zap.Error(err))
		}
	})
}

// PublishMatchAssigned publishes to the match.assigned.<sessionID> subject.
func (c *NATSClient) PublishMatchAssigned(sessionID string, data []byte) error {
	return c.Publish(SubjectMatchAssigned+"."+sessionID, data)
}

// SubscribeMatchAssigned subscribes to assignments for one session.
func (c *NATSClient) SubscribeMatchAssigned(sessionID string, handler func(data []byte)) error {
	return c.Subscribe(SubjectMatchAssigned+"."+sessionID, func(msg *nats.Msg) {
		handler(msg.Data)
	})
}

// UnsubscribeMatchAssigned unsubscribes from a session's assignments.
func (c *NATSClient) UnsubscribeMatchAssigned(sessionID string) error {
	return c.unsubscribe(SubjectMatchAssigned + "." + sessionID)
}

// Flush waits until the server has processed all buffered messages.
func (c *NATSClient) Flush() error {
	return c.conn.Flush()
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			c.logger.Warn("drain subscription", zap.String("subject", subject), zap.Error(err))
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		c.logger.Warn("connection drain", zap.Error(err))
	}
}

func (c *NATSClient) track(subject string, sub *nats.Subscription) {
	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()
}

// unsubscribe removes and unsubscribes from a specific subject.
func (c *NATSClient) unsubscribe(subject string) error {
	c.mu.Lock()
	sub, ok := c.subs[subject]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("nats: no subscription for subject %s", subject)
	}
	delete(c.subs, subject)
	c.mu.Unlock()

	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", subject, err)
	}
	return nil
}
