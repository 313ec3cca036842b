package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"

	"github.com/example/nats-chat-sync/internal/telemetry"
)

// Envelope is the serialized form of one broadcast on the inter-instance
// fabric. Origin carries the publishing instance id so an instance never
// re-dispatches its own broadcasts.
type Envelope struct {
	Stream string `json:"stream"`
	Event  string `json:"event"`
	Args   []any  `json:"args"`
	Origin string `json:"origin"`
}

// Transport is the inter-instance tier of the bus.
type Transport interface {
	// Start subscribes to remote broadcasts and feeds them to onRemote.
	Start(onRemote func(ctx context.Context, env Envelope)) error
	// Broadcast publishes an envelope to every other instance.
	Broadcast(ctx context.Context, env Envelope) error
	Close() error
}

// NATSTransport carries envelopes over core NATS subjects
// notify.{stream}.{event}.
type NATSTransport struct {
	nc         *nats.Conn
	instanceID string
	log        *slog.Logger

	mu  sync.Mutex
	sub *nats.Subscription
}

func NewNATSTransport(nc *nats.Conn, instanceID string) *NATSTransport {
	return &NATSTransport{
		nc:         nc,
		instanceID: instanceID,
		log:        slog.With("component", "notify-transport"),
	}
}

func (t *NATSTransport) Start(onRemote func(ctx context.Context, env Envelope)) error {
	sub, err := t.nc.Subscribe("notify.>", func(msg *nats.Msg) {
		ctx, span := telemetry.StartConsumerSpan(context.Background(), msg, "notify broadcast")
		defer span.End()

		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			t.log.Warn("invalid notify envelope", "subject", msg.Subject, "error", err)
			return
		}
		if env.Origin == t.instanceID {
			return
		}
		onRemote(ctx, env)
	})
	if err != nil {
		return fmt.Errorf("subscribe notify.>: %w", err)
	}
	t.mu.Lock()
	t.sub = sub
	t.mu.Unlock()
	return nil
}

func (t *NATSTransport) Broadcast(ctx context.Context, env Envelope) error {
	env.Origin = t.instanceID
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal notify envelope: %w", err)
	}
	subject := "notify." + env.Stream + "." + subjectToken(env.Event)
	return telemetry.TracedPublish(ctx, t.nc, subject, data)
}

func (t *NATSTransport) Close() error {
	t.mu.Lock()
	sub := t.sub
	t.sub = nil
	t.mu.Unlock()
	if sub == nil {
		return nil
	}
	return sub.Unsubscribe()
}

// subjectToken makes an event name safe as a single NATS subject token.
func subjectToken(event string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(event)
}

// LoopbackTransport is an in-process Transport for tests. Broadcast
// records the envelope; Inject simulates an envelope arriving from
// another instance.
type LoopbackTransport struct {
	mu       sync.Mutex
	sent     []Envelope
	onRemote func(ctx context.Context, env Envelope)
}

func NewLoopbackTransport() *LoopbackTransport {
	return &LoopbackTransport{}
}

func (t *LoopbackTransport) Start(onRemote func(ctx context.Context, env Envelope)) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onRemote = onRemote
	return nil
}

func (t *LoopbackTransport) Broadcast(_ context.Context, env Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sent = append(t.sent, env)
	return nil
}

func (t *LoopbackTransport) Close() error {
	return nil
}

// Sent returns a copy of every broadcast envelope so far.
func (t *LoopbackTransport) Sent() []Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Envelope, len(t.sent))
	copy(out, t.sent)
	return out
}

// Inject delivers an envelope as if it came from a remote instance.
func (t *LoopbackTransport) Inject(env Envelope) {
	t.mu.Lock()
	onRemote := t.onRemote
	t.mu.Unlock()
	if onRemote != nil {
		onRemote(context.Background(), env)
	}
}
