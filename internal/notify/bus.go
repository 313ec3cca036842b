// Package notify is the pub/sub dispatch layer: named broadcast streams
// with per-stream read/write authorization, local in-process fan-out, and
// an inter-instance transport. Local dispatch and the transport are kept
// as two explicit tiers; remote messages feed local dispatch only, so a
// broadcast never loops back onto the wire.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/example/nats-chat-sync/internal/auth"
	"github.com/example/nats-chat-sync/internal/membership"
)

// Stream names. Each stream has its own read/write policy.
const (
	StreamAll          = "notify-all"
	StreamLogged       = "notify-logged"
	StreamRoom         = "notify-room"
	StreamRoomUsers    = "notify-room-users"
	StreamUser         = "notify-user"
	StreamRoomMessages = "room-messages"
)

// Reserved event names on aggregate subscriptions.
const (
	EventRoomsChanged = "rooms-changed"
	EventMyMessages   = "__my_messages__"
)

// ErrNotAuthorized is returned when a subscription fails its stream's read
// policy.
var ErrNotAuthorized = errors.New("not-authorized")

// Handler receives one notification. Handlers on the same event are called
// in subscription order, so delivery is FIFO per subscriber.
type Handler func(event string, args ...any)

// Config wires the bus to its collaborators.
type Config struct {
	Members *membership.Index
	// RoomToken resolves a room id to its livechat visitor token, if the
	// room is a livechat room. Nil when livechat is not deployed.
	RoomToken func(roomID string) (string, bool)
	Transport Transport
	Log       *slog.Logger
}

// Bus owns the stream table and the transport.
type Bus struct {
	members   *membership.Index
	roomToken func(roomID string) (string, bool)
	transport Transport
	log       *slog.Logger

	streams map[string]*Stream

	notifyCounter metric.Int64Counter
}

// NewBus builds the bus with the six standard streams registered.
func NewBus(cfg Config) *Bus {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	meter := otel.Meter("notify")
	counter, _ := meter.Int64Counter("notify_messages_total",
		metric.WithDescription("Total notifications dispatched per stream"))

	b := &Bus{
		members:       cfg.Members,
		roomToken:     cfg.RoomToken,
		transport:     cfg.Transport,
		log:           log.With("component", "notify-bus"),
		streams:       make(map[string]*Stream),
		notifyCounter: counter,
	}

	b.register(StreamAll, readEveryone, writeDenied)
	b.register(StreamLogged, readLogged, writeDenied)
	b.register(StreamRoom, b.readRoom, b.writeRoom)
	b.register(StreamRoomUsers, readNobody, b.writeRoomUsers)
	b.register(StreamUser, readOwnUser, writeDenied)
	b.register(StreamRoomMessages, b.readRoomMessages, writeDenied)
	return b
}

// Start begins feeding remote transport messages into local dispatch.
func (b *Bus) Start() error {
	if b.transport == nil {
		return nil
	}
	return b.transport.Start(func(ctx context.Context, env Envelope) {
		b.emitLocal(ctx, env.Stream, env.Event, env.Args...)
	})
}

// Close stops the transport.
func (b *Bus) Close() error {
	if b.transport == nil {
		return nil
	}
	return b.transport.Close()
}

func (b *Bus) register(name string, read readPolicy, write writePolicy) {
	b.streams[name] = &Stream{
		name:      name,
		read:      read,
		write:     write,
		listeners: make(map[string][]*Subscription),
	}
}

// Stream looks up a registered stream by name.
func (b *Bus) Stream(name string) *Stream {
	return b.streams[name]
}

// Subscribe attaches a handler to a stream event. The read policy is
// evaluated once, here; a denial returns ErrNotAuthorized and no
// subscription.
func (b *Bus) Subscribe(p auth.Principal, stream, event string, h Handler) (*Subscription, error) {
	s := b.streams[stream]
	if s == nil {
		return nil, ErrNotAuthorized
	}
	if !s.read(p, event) {
		b.log.Debug("subscription denied", "stream", stream, "event", event, "user", p.UserID)
		return nil, ErrNotAuthorized
	}
	return s.attach(event, h), nil
}

// Publish applies a client-origin write to a stream. The write policy runs
// per message; denials are dropped silently (logged at debug), matching
// the contract that policy failures never surface to unrelated subscribers.
func (b *Bus) Publish(ctx context.Context, p auth.Principal, stream, event string, args ...any) {
	s := b.streams[stream]
	if s == nil {
		return
	}
	verdict := s.write(ctx, p, event, args)
	switch verdict {
	case writeDeny:
		b.log.Debug("publish denied", "stream", stream, "event", event, "user", p.UserID)
	case writeAccept:
		b.broadcast(ctx, stream, event, args...)
	case writeHandled:
		// relay policies (room-users) dispatch on their own
	}
}

// broadcast emits locally and on the transport. Server-origin entry point;
// no write policy.
func (b *Bus) broadcast(ctx context.Context, stream, event string, args ...any) {
	b.emitLocal(ctx, stream, event, args...)
	if b.transport == nil {
		return
	}
	err := b.transport.Broadcast(ctx, Envelope{Stream: stream, Event: event, Args: args})
	if err != nil {
		b.log.Warn("transport broadcast failed", "stream", stream, "event", event, "error", err)
	}
}

func (b *Bus) emitLocal(ctx context.Context, stream, event string, args ...any) {
	s := b.streams[stream]
	if s == nil {
		return
	}
	n := s.emit(event, args...)
	b.notifyCounter.Add(ctx, int64(n), metric.WithAttributes(
		attribute.String("stream", stream),
	))
}

// NotifyAll broadcasts to every subscriber of the global stream.
func (b *Bus) NotifyAll(ctx context.Context, event string, args ...any) {
	b.broadcast(ctx, StreamAll, event, args...)
}

// NotifyAllInThisInstance is NotifyAll without the inter-instance fan-out.
func (b *Bus) NotifyAllInThisInstance(ctx context.Context, event string, args ...any) {
	b.emitLocal(ctx, StreamAll, event, args...)
}

// NotifyLogged broadcasts to authenticated subscribers.
func (b *Bus) NotifyLogged(ctx context.Context, event string, args ...any) {
	b.broadcast(ctx, StreamLogged, event, args...)
}

func (b *Bus) NotifyLoggedInThisInstance(ctx context.Context, event string, args ...any) {
	b.emitLocal(ctx, StreamLogged, event, args...)
}

// NotifyRoom broadcasts an event scoped to one room.
func (b *Bus) NotifyRoom(ctx context.Context, roomID, event string, args ...any) {
	b.broadcast(ctx, StreamRoom, roomID+"/"+event, args...)
}

func (b *Bus) NotifyRoomInThisInstance(ctx context.Context, roomID, event string, args ...any) {
	b.emitLocal(ctx, StreamRoom, roomID+"/"+event, args...)
}

// NotifyUser broadcasts an event addressed to one user.
func (b *Bus) NotifyUser(ctx context.Context, userID, event string, args ...any) {
	b.broadcast(ctx, StreamUser, userID+"/"+event, args...)
}

func (b *Bus) NotifyUserInThisInstance(ctx context.Context, userID, event string, args ...any) {
	b.emitLocal(ctx, StreamUser, userID+"/"+event, args...)
}

// NotifyRoomMessage broadcasts a room's message payload on the
// room-messages stream, where the event name is the room id.
func (b *Bus) NotifyRoomMessage(ctx context.Context, roomID string, args ...any) {
	b.broadcast(ctx, StreamRoomMessages, roomID, args...)
}

// splitScoped splits "{scope}/{event}" event names.
func splitScoped(event string) (scope, name string, ok bool) {
	parts := strings.SplitN(event, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
