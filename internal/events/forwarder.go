package events

import (
	"context"
	"time"

	"hookrelay/internal/eventbus"
	logx "hookrelay/pkg/logx"

	"github.com/google/uuid"
)

const publishTimeout = 5 * time.Second

// Correlated is implemented by event payloads that carry a request id.
type Correlated interface {
	CorrelationID() string
}

// Forwarder drains a bus subscription into a Publisher.
type Forwarder struct {
	bus      eventbus.Bus
	pub      Publisher
	producer string
	buffer   int
	log      logx.Logger
}

func NewForwarder(bus eventbus.Bus, pub Publisher, producer string, log logx.Logger) *Forwarder {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Forwarder{bus: bus, pub: pub, producer: producer, buffer: 256, log: log}
}

// Run forwards until ctx is done. Publish failures are logged and the event
// is dropped.
func (f *Forwarder) Run(ctx context.Context) error {
	ch, unsub := f.bus.Subscribe(f.buffer)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			f.forward(ctx, ev)
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, ev eventbus.Event) {
	env := f.Envelope(ev)
	pctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	if err := f.pub.Publish(pctx, ev.Type, env); err != nil {
		f.log.Warn("event publish failed", logx.String("type", ev.Type), logx.String("id", env.Meta.ID), logx.Err(err))
	}
}

// Envelope wraps a bus event for the wire.
func (f *Forwarder) Envelope(ev eventbus.Event) Envelope {
	m := Meta{ID: uuid.NewString(), Type: ev.Type, Time: ev.Time.UTC()}
	if m.Time.IsZero() {
		m.Time = time.Now().UTC()
	}
	if f.producer != "" {
		p := f.producer
		m.Producer = &p
	}
	if c, ok := ev.Data.(Correlated); ok {
		if cid := c.CorrelationID(); cid != "" {
			m.CorrelationID = &cid
		}
	}
	return Envelope{Meta: m, Data: ev.Data}
}
