package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/opensource-finance/fraudguard/internal/domain"
	"github.com/opensource-finance/fraudguard/internal/retry"
)

// SubjectPrefix roots every FraudGuard subject: fraudguard.<tenant>.<topic>.
const SubjectPrefix = "fraudguard"

// NATSBus carries verdict events between FraudGuard instances (Pro tier).
type NATSBus struct {
	mu            sync.Mutex
	conn          *nats.Conn
	subscriptions map[string]*natsSubscription
}

type natsSubscription struct {
	bus   *NATSBus
	id    string
	topic string
	sub   *nats.Subscription
}

// NewNATSBus connects to cfg.NATSUrl, retrying with backoff before giving up.
func NewNATSBus(cfg domain.EventBusConfig) (*NATSBus, error) {
	if cfg.NATSUrl == "" {
		cfg.NATSUrl = nats.DefaultURL
	}
	if cfg.NATSMaxReconnects == 0 {
		cfg.NATSMaxReconnects = 10
	}
	if cfg.NATSReconnectWait == 0 {
		cfg.NATSReconnectWait = 5
	}
	wait := time.Duration(cfg.NATSReconnectWait) * time.Second

	opts := []nats.Option{
		nats.Name("fraudguard"),
		nats.MaxReconnects(cfg.NATSMaxReconnects),
		nats.ReconnectWait(wait),
		nats.ReconnectBufSize(8 * 1024 * 1024),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			slog.Warn("nats disconnected", "error", err, "will_reconnect", !nc.IsClosed())
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			slog.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			slog.Error("nats async error", "subject", subject, "error", err)
		}),
	}
	if cfg.NATSToken != "" {
		opts = append(opts, nats.Token(cfg.NATSToken))
	}

	// Backoff starts at a second; the whole attempt stays within the
	// configured reconnect budget.
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.NATSMaxReconnects)*wait)
	defer cancel()

	var conn *nats.Conn
	err := retry.Do(ctx, cfg.NATSMaxReconnects, time.Second, func(context.Context) error {
		var err error
		conn, err = nats.Connect(cfg.NATSUrl, opts...)
		if err != nil {
			slog.Warn("nats connection attempt failed", "url", cfg.NATSUrl, "error", err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS after %d attempts: %w", cfg.NATSMaxReconnects, err)
	}

	slog.Info("nats connected", "url", conn.ConnectedUrl(), "server_id", conn.ConnectedServerId())
	return newNATSBus(conn), nil
}

func newNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn, subscriptions: make(map[string]*natsSubscription)}
}

// Publish sends payload to the tenant's subject for topic.
func (b *NATSBus) Publish(ctx context.Context, tenantID string, topic string, payload []byte) error {
	if tenantID == "" {
		return fmt.Errorf("tenantID is required")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := json.Marshal(newMessage(tenantID, topic, payload))
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	return b.conn.Publish(makeSubject(tenantID, topic), data)
}

// Subscribe registers handler for topic. GlobalTenantID receives every tenant.
func (b *NATSBus) Subscribe(ctx context.Context, tenantID string, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	natsSub, err := b.conn.Subscribe(makeSubject(tenantID, topic), func(m *nats.Msg) {
		deliver(ctx, m, handler)
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}
	return b.track(topic, natsSub), nil
}

func (b *NATSBus) track(topic string, natsSub *nats.Subscription) *natsSubscription {
	sub := &natsSubscription{bus: b, id: uuid.New().String(), topic: topic, sub: natsSub}
	b.mu.Lock()
	b.subscriptions[sub.id] = sub
	b.mu.Unlock()
	return sub
}

// deliver decodes one envelope and hands it to handler. Malformed data and
// handler errors are logged and dropped.
func deliver(ctx context.Context, m *nats.Msg, handler domain.MessageHandler) {
	var msg domain.Message
	if err := json.Unmarshal(m.Data, &msg); err != nil {
		slog.Error("failed to decode nats message", "subject", m.Subject, "error", err)
		return
	}
	if err := handler(ctx, &msg); err != nil {
		slog.Error("nats handler failed",
			"subject", m.Subject,
			"tenant_id", msg.TenantID,
			"message_id", msg.ID,
			"error", err,
		)
	}
}

// Request publishes payload and waits for one reply, bounded by ctx.
func (b *NATSBus) Request(ctx context.Context, tenantID string, topic string, payload []byte) ([]byte, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("tenantID is required")
	}

	data, err := json.Marshal(newMessage(tenantID, topic, payload))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
	}
	reply, err := b.conn.RequestWithContext(ctx, makeSubject(tenantID, topic), data)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	var replyMsg domain.Message
	if err := json.Unmarshal(reply.Data, &replyMsg); err != nil {
		return nil, fmt.Errorf("failed to decode reply: %w", err)
	}
	return replyMsg.Payload, nil
}

// Ping checks NATS connectivity.
func (b *NATSBus) Ping(ctx context.Context) error {
	if b.conn == nil || !b.conn.IsConnected() {
		return errors.New("nats not connected")
	}
	return b.conn.FlushWithContext(ctx)
}

// Close drops every subscription and the connection.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	subs := b.subscriptions
	b.subscriptions = make(map[string]*natsSubscription)
	b.mu.Unlock()

	var errs []error
	for _, sub := range subs {
		if sub.sub != nil {
			errs = append(errs, sub.sub.Unsubscribe())
		}
	}
	if b.conn != nil {
		b.conn.Close()
	}
	return errors.Join(errs...)
}

// makeSubject maps a tenant and topic to a subject. The global tenant
// listens through a single-token wildcard.
func makeSubject(tenantID, topic string) string {
	if tenantID == domain.GlobalTenantID {
		tenantID = "*"
	}
	return SubjectPrefix + "." + tenantID + "." + topic
}

// Unsubscribe removes the subscription. It is safe to call more than once.
func (s *natsSubscription) Unsubscribe() error {
	s.bus.mu.Lock()
	_, live := s.bus.subscriptions[s.id]
	delete(s.bus.subscriptions, s.id)
	s.bus.mu.Unlock()

	if !live || s.sub == nil {
		return nil
	}
	return s.sub.Unsubscribe()
}

// Topic returns the subscribed topic.
func (s *natsSubscription) Topic() string {
	return s.topic
}
