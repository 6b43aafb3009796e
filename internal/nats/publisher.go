package natsclient

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Event kinds published on the bot's subject.
const (
	EventPowerStart       = "power.start"
	EventPowerStop        = "power.stop"
	EventMessagePublished = "message.published"
	EventMessageRemoved   = "message.removed"
	EventShutdown         = "shutdown.completed"
)

// Event is the JSON envelope written to NATS.
type Event struct {
	ID       string            `json:"id"`
	Kind     string            `json:"event"`
	Time     int64             `json:"time"`
	Instance string            `json:"instance,omitempty"`
	Region   string            `json:"region,omitempty"`
	Key      string            `json:"key,omitempty"`
	Attrs    map[string]string `json:"attrs,omitempty"`
}

// NewEvent stamps kind with a fresh id and the current time.
func NewEvent(kind string) Event {
	return Event{ID: uuid.NewString(), Kind: kind, Time: time.Now().Unix()}
}

type Publisher struct {
	nc      *nats.Conn
	url     string
	subject string
	logger  *zap.Logger
}

func NewPublisher(url, subject string, logger *zap.Logger) (*Publisher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name("aerophoenix-powerbot"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return &Publisher{nc: nc, url: url, subject: subject, logger: logger}, nil
}

func (p *Publisher) Publish(ctx context.Context, subject string, payload []byte) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	return p.nc.Publish(subject, payload)
}

// Emit publishes ev on the publisher's subject. Failures are logged, not
// returned: events are advisory.
func (p *Publisher) Emit(ctx context.Context, ev Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("encode event", zap.String("event", ev.Kind), zap.Error(err))
		return
	}
	if err := p.Publish(ctx, p.subject, payload); err != nil {
		p.logger.Warn("publish event", zap.String("event", ev.Kind), zap.Error(err))
	}
}

func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}
