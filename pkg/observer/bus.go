package observer

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	gochannel "github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-go-golems/squish/pkg/progress"
	"github.com/pkg/errors"
)

// TopicProgress carries every BusObserver envelope.
const TopicProgress = "squish.progress"

const (
	EnvelopeProgress     = "progress"
	EnvelopeCompletion   = "completion"
	EnvelopeCancellation = "cancellation"
	EnvelopeError        = "error"
	EnvelopeEvent        = "event"
)

type Bus struct {
	Router     *message.Router
	Publisher  message.Publisher
	Subscriber message.Subscriber

	runOnce sync.Once
}

type BusOption func(*gochannel.Config)

// WithAckedPublish makes Publish wait until every subscriber acked the
// message, so nothing is in flight once the publisher returns.
func WithAckedPublish() BusOption {
	return func(c *gochannel.Config) { c.BlockPublishUntilSubscriberAck = true }
}

func NewInMemoryBus(opts ...BusOption) (*Bus, error) {
	logger := watermill.NopLogger{}
	cfg := gochannel.Config{OutputChannelBuffer: 1024}
	for _, o := range opts {
		o(&cfg)
	}
	pubsub := gochannel.NewGoChannel(cfg, logger)

	r, err := message.NewRouter(message.RouterConfig{}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "new watermill router")
	}
	return &Bus{
		Router:     r,
		Publisher:  pubsub,
		Subscriber: pubsub,
	}, nil
}

func (b *Bus) AddHandler(name, topic string, handler func(*message.Message) error) {
	b.Router.AddConsumerHandler(name, topic, b.Subscriber, handler)
}

// Run blocks until ctx is done or the router stops.
func (b *Bus) Run(ctx context.Context) error {
	var runErr error
	b.runOnce.Do(func() {
		go func() {
			<-ctx.Done()
			_ = b.Router.Close()
		}()
		runErr = b.Router.Run(ctx)
	})
	return runErr
}

// Running is closed once the router has started its handlers.
func (b *Bus) Running() chan struct{} { return b.Router.Running() }

func (b *Bus) Close() error {
	err := b.Router.Close()
	if cerr := b.Publisher.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func NewEnvelope(typ string, payload any) (Envelope, error) {
	if typ == "" {
		return Envelope{}, errors.New("empty envelope type")
	}
	if payload == nil {
		return Envelope{Type: typ}, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, errors.Wrap(err, "marshal envelope payload")
	}
	return Envelope{Type: typ, Payload: b}, nil
}

func DecodeEnvelope(msg *message.Message) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		return Envelope{}, errors.Wrap(err, "unmarshal envelope")
	}
	return env, nil
}

// SnapshotPayload is the payload of every non-event envelope.
type SnapshotPayload struct {
	Snapshot progress.Snapshot `json:"snapshot"`
	Success  *bool             `json:"success,omitempty"`
	Error    string            `json:"error,omitempty"`
}

// BusObserver publishes each callback as a JSON envelope. Envelopes reach
// subscribers in callback order only on a bus built with WithAckedPublish;
// otherwise gochannel delivers them concurrently.
type BusObserver struct {
	publisher message.Publisher
	topic     string
}

var (
	_ Observer      = (*BusObserver)(nil)
	_ EventObserver = (*BusObserver)(nil)
)

func NewBusObserver(publisher message.Publisher, topic string) *BusObserver {
	if topic == "" {
		topic = TopicProgress
	}
	return &BusObserver{publisher: publisher, topic: topic}
}

func (b *BusObserver) publish(typ string, payload any) error {
	env, err := NewEnvelope(typ, payload)
	if err != nil {
		return err
	}
	data, err := json.Marshal(env)
	if err != nil {
		return errors.Wrap(err, "marshal envelope")
	}
	msg := message.NewMessage(watermill.NewUUID(), data)
	if err := b.publisher.Publish(b.topic, msg); err != nil {
		return errors.Wrapf(err, "publish %s", typ)
	}
	return nil
}

func (b *BusObserver) OnProgress(s progress.Snapshot) error {
	return b.publish(EnvelopeProgress, SnapshotPayload{Snapshot: s})
}

func (b *BusObserver) OnCompletion(s progress.Snapshot, success bool) error {
	return b.publish(EnvelopeCompletion, SnapshotPayload{Snapshot: s, Success: &success})
}

func (b *BusObserver) OnCancellation(s progress.Snapshot) error {
	return b.publish(EnvelopeCancellation, SnapshotPayload{Snapshot: s})
}

func (b *BusObserver) OnError(s progress.Snapshot, err error) error {
	p := SnapshotPayload{Snapshot: s}
	if err != nil {
		p.Error = err.Error()
	}
	return b.publish(EnvelopeError, p)
}

func (b *BusObserver) OnEvent(e progress.Event) error {
	return b.publish(EnvelopeEvent, e)
}
