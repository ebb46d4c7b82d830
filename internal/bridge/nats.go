package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"unit/intents/internal/logging"

	"github.com/nats-io/nats.go"
	"github.com/sirupsen/logrus"
)

// NatsTransport carries orders between processes: the origin side publishes, a relayer
// on the destination side subscribes and delivers.
type NatsTransport struct {
	conn    *nats.Conn
	subject string
	log     logrus.FieldLogger
}

func DialNats(url, subject string, logger logrus.FieldLogger) (*NatsTransport, error) {
	log := logging.OrDiscard(logger)
	conn, err := nats.Connect(url,
		nats.Timeout(10*time.Second),
		nats.ReconnectWait(5*time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.WithError(err).Warn("nats disconnected")
		}),
		nats.ReconnectHandler(func(*nats.Conn) {
			log.Info("nats reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return NewNatsTransport(conn, subject, log), nil
}

func NewNatsTransport(conn *nats.Conn, subject string, logger logrus.FieldLogger) *NatsTransport {
	return &NatsTransport{conn: conn, subject: subject, log: logging.OrDiscard(logger)}
}

func (t *NatsTransport) Dispatch(ctx context.Context, o Order) error {
	if err := o.validate(); err != nil {
		return err
	}
	data, err := json.Marshal(o)
	if err != nil {
		return err
	}
	if err := t.conn.Publish(t.subject, data); err != nil {
		return fmt.Errorf("publish order: %w", err)
	}
	return nil
}

// Subscribe hands every received order to handle until ctx is done.
func (t *NatsTransport) Subscribe(ctx context.Context, handle func(context.Context, Order) error) error {
	sub, err := t.conn.Subscribe(t.subject, func(msg *nats.Msg) {
		if err := t.receive(ctx, msg.Data, handle); err != nil {
			t.log.WithError(err).WithField("subject", msg.Subject).Warn("order dropped")
		}
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", t.subject, err)
	}
	<-ctx.Done()
	_ = sub.Unsubscribe()
	return ctx.Err()
}

func (t *NatsTransport) receive(ctx context.Context, data []byte, handle func(context.Context, Order) error) error {
	var o Order
	if err := json.Unmarshal(data, &o); err != nil {
		return fmt.Errorf("decode order: %w", err)
	}
	if err := o.validate(); err != nil {
		return err
	}
	return handle(ctx, o)
}

func (t *NatsTransport) Close() {
	t.conn.Close()
}
