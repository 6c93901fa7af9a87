// Package events publishes best-effort notifications about pool activity to
// NATS. Delivery is not guaranteed; callers log failures and move on.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// DefaultSubject is where pool events are published.
const DefaultSubject = "orchestrator.machines"

// ErrNotConnected is returned when publishing on a closed connection.
var ErrNotConnected = errors.New("nats not connected")

// Event kinds.
const (
	MachineAllocated        = "machine.allocated"
	MachineDestroyRequested = "machine.destroy_requested"
	PoolReconciled          = "pool.reconciled"
)

// Envelope is the JSON shape of every published event.
type Envelope struct {
	ID    string    `json:"id"`
	Event string    `json:"event"`
	Time  time.Time `json:"time"`
	Data  any       `json:"data,omitempty"`
}

// Conn is the part of *nats.Conn the emitter needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

// Emitter wraps events in an Envelope and publishes them.
type Emitter struct {
	conn    Conn
	subject string
	now     func() time.Time
}

// NewEmitter publishes on subject through conn.
func NewEmitter(conn Conn, subject string) *Emitter {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Emitter{conn: conn, subject: subject, now: time.Now}
}

// Emit publishes one event. The context is accepted for symmetry with the
// other collaborators; core NATS publish does not block on the server.
func (e *Emitter) Emit(_ context.Context, kind string, data any) error {
	payload, err := json.Marshal(Envelope{
		ID:    uuid.NewString(),
		Event: kind,
		Time:  e.now().UTC(),
		Data:  data,
	})
	if err != nil {
		return fmt.Errorf("encode %s event: %w", kind, err)
	}
	if err := e.conn.Publish(e.subject, payload); err != nil {
		return fmt.Errorf("publish %s event: %w", kind, err)
	}
	return nil
}

// Publisher is a NATS connection with reconnect handling.
type Publisher struct {
	nc *nats.Conn
}

// Connect dials url and keeps reconnecting forever in the background.
func Connect(url string, log *zap.Logger) (*Publisher, error) {
	opts := []nats.Option{
		nats.Name("orchestrator"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &Publisher{nc: nc}, nil
}

// Publish sends payload on subject.
func (p *Publisher) Publish(subject string, payload []byte) error {
	if p.nc == nil || p.nc.IsClosed() {
		return ErrNotConnected
	}
	return p.nc.Publish(subject, payload)
}

// Close drains pending messages and closes the connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}
