package notify

import (
	"context"

	"github.com/example/nats-chat-sync/internal/auth"
)

type writePolicy func(ctx context.Context, p auth.Principal, event string, args []any) writeVerdict

func readEveryone(auth.Principal, string) bool {
	return true
}

func readLogged(p auth.Principal, _ string) bool {
	return p.Authenticated()
}

func readNobody(auth.Principal, string) bool {
	return false
}

// readOwnUser admits only the user a "{userId}/{event}" notification is
// addressed to.
func readOwnUser(p auth.Principal, event string) bool {
	userID, _, ok := splitScoped(event)
	return ok && p.Authenticated() && p.UserID == userID
}

func writeDenied(context.Context, auth.Principal, string, []any) writeVerdict {
	return writeDeny
}

// visitorAllowed admits an anonymous livechat visitor whose token matches
// the room's token.
func (b *Bus) visitorAllowed(p auth.Principal, roomID string) bool {
	if p.VisitorToken == "" || b.roomToken == nil {
		return false
	}
	token, ok := b.roomToken(roomID)
	return ok && token == p.VisitorToken
}

func (b *Bus) canReadRoom(p auth.Principal, roomID string) bool {
	if p.Authenticated() && b.members.IsMember(roomID, p.UserID) {
		return true
	}
	return b.visitorAllowed(p, roomID)
}

func (b *Bus) readRoom(p auth.Principal, event string) bool {
	roomID, _, ok := splitScoped(event)
	return ok && b.canReadRoom(p, roomID)
}

// readRoomMessages uses the room id itself as the event name.
func (b *Bus) readRoomMessages(p auth.Principal, roomID string) bool {
	return b.canReadRoom(p, roomID)
}

// writeRoom admits only ephemeral client signals. Typing carries the
// sender's username as its first argument and must not be spoofable;
// everything else on the room stream is derived server-side from model
// mutations and therefore denied as a direct write.
func (b *Bus) writeRoom(_ context.Context, p auth.Principal, event string, args []any) writeVerdict {
	roomID, name, ok := splitScoped(event)
	if !ok {
		return writeDeny
	}
	switch name {
	case "typing":
		if len(args) == 0 {
			return writeDeny
		}
		username, ok := args[0].(string)
		if !ok {
			return writeDeny
		}
		if p.Authenticated() && b.members.IsMember(roomID, p.UserID) && username == p.Username {
			return writeAccept
		}
		if b.visitorAllowed(p, roomID) {
			return writeAccept
		}
		return writeDeny
	case "webrtc":
		if p.Authenticated() && b.members.IsMember(roomID, p.UserID) {
			return writeAccept
		}
		return writeDeny
	default:
		return writeDeny
	}
}

// writeRoomUsers relays a member's publish as per-user notifications to
// every other member of the room. Nothing is emitted on the room-users
// stream itself.
func (b *Bus) writeRoomUsers(ctx context.Context, p auth.Principal, event string, args []any) writeVerdict {
	roomID, name, ok := splitScoped(event)
	if !ok {
		return writeDeny
	}
	if !p.Authenticated() || !b.members.IsMember(roomID, p.UserID) {
		return writeDeny
	}
	for _, userID := range b.members.Members(roomID) {
		if userID == p.UserID {
			continue
		}
		b.NotifyUser(ctx, userID, name, args...)
	}
	return writeHandled
}
