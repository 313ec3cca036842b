package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

const (
	sessionsBucket = "PRESENCE_SESSIONS"
	connsBucket    = "PRESENCE_CONNS"
	usersBucket    = "PRESENCE"

	casAttempts = 8
)

// connRef is the connection index entry: connection id to owning user and
// instance, so removal by connection or instance id avoids scanning every
// session.
type connRef struct {
	UserID     string `json:"userId"`
	InstanceID string `json:"instanceId"`
}

// KVBackend stores sessions and user statuses in JetStream KV buckets. All
// mutations go through CAS loops on the entry revision, the same dedup
// mechanism the presence tier uses to decide offline races across
// instances.
type KVBackend struct {
	sessions nats.KeyValue
	conns    nats.KeyValue
	users    nats.KeyValue
}

// NewKVBackend creates (or binds) the presence buckets.
func NewKVBackend(js nats.JetStreamContext) (*KVBackend, error) {
	b := &KVBackend{}
	for _, def := range []struct {
		bucket string
		dst    *nats.KeyValue
	}{
		{sessionsBucket, &b.sessions},
		{connsBucket, &b.conns},
		{usersBucket, &b.users},
	} {
		kv, err := js.CreateKeyValue(&nats.KeyValueConfig{
			Bucket:  def.bucket,
			History: 1,
			Storage: nats.MemoryStorage,
		})
		if err != nil {
			return nil, fmt.Errorf("create %s bucket: %w", def.bucket, err)
		}
		*def.dst = kv
	}
	return b, nil
}

// mutateSession runs a CAS loop over the user's session record. fn returns
// false to abort without writing; the int it returns is passed through as
// the modified count.
func (b *KVBackend) mutateSession(userID string, fn func(sess *Session) (int, bool)) (int, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		entry, err := b.sessions.Get(userID)
		if errors.Is(err, nats.ErrKeyNotFound) {
			sess := &Session{UserID: userID}
			count, write := fn(sess)
			if !write {
				return count, nil
			}
			data, err := json.Marshal(sess)
			if err != nil {
				return 0, fmt.Errorf("marshal session: %w", err)
			}
			if _, err := b.sessions.Create(userID, data); err != nil {
				if errors.Is(err, nats.ErrKeyExists) {
					continue // lost the create race, retry as update
				}
				return 0, fmt.Errorf("create session: %w", err)
			}
			return count, nil
		}
		if err != nil {
			return 0, fmt.Errorf("get session: %w", err)
		}

		var sess Session
		if err := json.Unmarshal(entry.Value(), &sess); err != nil {
			return 0, fmt.Errorf("unmarshal session: %w", err)
		}
		count, write := fn(&sess)
		if !write {
			return count, nil
		}
		data, err := json.Marshal(&sess)
		if err != nil {
			return 0, fmt.Errorf("marshal session: %w", err)
		}
		if _, err := b.sessions.Update(userID, data, entry.Revision()); err != nil {
			continue // CAS conflict, retry
		}
		return count, nil
	}
	return 0, fmt.Errorf("session CAS for %s exhausted after %d attempts", userID, casAttempts)
}

func (b *KVBackend) AppendConnection(_ context.Context, userID string, conn Connection, metadata map[string]any) error {
	_, err := b.mutateSession(userID, func(sess *Session) (int, bool) {
		sess.Connections = append(sess.Connections, conn)
		if metadata != nil {
			sess.Metadata = metadata
		}
		return 1, true
	})
	if err != nil {
		return err
	}

	ref, err := json.Marshal(connRef{UserID: userID, InstanceID: conn.InstanceID})
	if err != nil {
		return fmt.Errorf("marshal conn ref: %w", err)
	}
	if _, err := b.conns.Put(conn.ID, ref); err != nil {
		return fmt.Errorf("index connection: %w", err)
	}
	return nil
}

func (b *KVBackend) UpdateConnectionStatus(_ context.Context, userID, connID string, status Status, metadata map[string]any, at time.Time) (int, error) {
	return b.mutateSession(userID, func(sess *Session) (int, bool) {
		for i := range sess.Connections {
			if sess.Connections[i].ID == connID {
				sess.Connections[i].Status = status
				sess.Connections[i].UpdatedAt = at
				if metadata != nil {
					sess.Metadata = metadata
				}
				return 1, true
			}
		}
		return 0, false
	})
}

func (b *KVBackend) RemoveConnection(_ context.Context, connID string) (string, error) {
	entry, err := b.conns.Get(connID)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get conn ref: %w", err)
	}

	var ref connRef
	if err := json.Unmarshal(entry.Value(), &ref); err != nil {
		return "", fmt.Errorf("unmarshal conn ref: %w", err)
	}

	count, err := b.mutateSession(ref.UserID, func(sess *Session) (int, bool) {
		before := len(sess.Connections)
		sess.Connections = filterConnections(sess.Connections, func(c Connection) bool {
			return c.ID != connID
		})
		return before - len(sess.Connections), before != len(sess.Connections)
	})
	if err != nil {
		return "", err
	}

	if err := b.conns.Delete(connID); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return "", fmt.Errorf("drop conn ref: %w", err)
	}
	if count == 0 {
		return "", nil
	}
	return ref.UserID, nil
}

func (b *KVBackend) RemoveConnectionsByInstanceID(ctx context.Context, instanceID string) error {
	return b.removeConnectionsWhere(ctx, func(ref connRef) bool {
		return ref.InstanceID == instanceID
	})
}

func (b *KVBackend) RemoveConnectionsNotInInstances(ctx context.Context, live []string) error {
	alive := make(map[string]bool, len(live))
	for _, id := range live {
		alive[id] = true
	}
	return b.removeConnectionsWhere(ctx, func(ref connRef) bool {
		return !alive[ref.InstanceID]
	})
}

func (b *KVBackend) removeConnectionsWhere(ctx context.Context, match func(connRef) bool) error {
	keys, err := b.conns.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("list conn refs: %w", err)
	}

	for _, connID := range keys {
		entry, err := b.conns.Get(connID)
		if errors.Is(err, nats.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("get conn ref: %w", err)
		}
		var ref connRef
		if err := json.Unmarshal(entry.Value(), &ref); err != nil {
			continue
		}
		if !match(ref) {
			continue
		}
		if _, err := b.RemoveConnection(ctx, connID); err != nil {
			return err
		}
	}
	return nil
}

func (b *KVBackend) RemoveAllConnections(_ context.Context) error {
	for _, kv := range []nats.KeyValue{b.sessions, b.conns} {
		keys, err := kv.Keys()
		if errors.Is(err, nats.ErrNoKeysFound) {
			continue
		}
		if err != nil {
			return fmt.Errorf("list keys: %w", err)
		}
		for _, key := range keys {
			if err := kv.Delete(key); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
				return fmt.Errorf("delete %s: %w", key, err)
			}
		}
	}
	return nil
}

func (b *KVBackend) Session(_ context.Context, userID string) (*Session, error) {
	entry, err := b.sessions.Get(userID)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	var sess Session
	if err := json.Unmarshal(entry.Value(), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

// mutateUser runs a CAS loop over the user's status record.
func (b *KVBackend) mutateUser(userID string, fn func(us *UserStatus) bool) (bool, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		entry, err := b.users.Get(userID)
		if errors.Is(err, nats.ErrKeyNotFound) {
			us := UserStatus{Status: StatusOffline, StatusDefault: StatusOnline}
			if !fn(&us) {
				return false, nil
			}
			data, err := json.Marshal(us)
			if err != nil {
				return false, fmt.Errorf("marshal user status: %w", err)
			}
			if _, err := b.users.Create(userID, data); err != nil {
				if errors.Is(err, nats.ErrKeyExists) {
					continue
				}
				return false, fmt.Errorf("create user status: %w", err)
			}
			return true, nil
		}
		if err != nil {
			return false, fmt.Errorf("get user status: %w", err)
		}

		var us UserStatus
		if err := json.Unmarshal(entry.Value(), &us); err != nil {
			return false, fmt.Errorf("unmarshal user status: %w", err)
		}
		if !fn(&us) {
			return false, nil
		}
		data, err := json.Marshal(us)
		if err != nil {
			return false, fmt.Errorf("marshal user status: %w", err)
		}
		if _, err := b.users.Update(userID, data, entry.Revision()); err != nil {
			continue
		}
		return true, nil
	}
	return false, fmt.Errorf("user status CAS for %s exhausted after %d attempts", userID, casAttempts)
}

func (b *KVBackend) UserStatus(_ context.Context, userID string) (UserStatus, error) {
	entry, err := b.users.Get(userID)
	if errors.Is(err, nats.ErrKeyNotFound) {
		return UserStatus{Status: StatusOffline, StatusDefault: StatusOnline}, nil
	}
	if err != nil {
		return UserStatus{}, fmt.Errorf("get user status: %w", err)
	}
	var us UserStatus
	if err := json.Unmarshal(entry.Value(), &us); err != nil {
		return UserStatus{}, fmt.Errorf("unmarshal user status: %w", err)
	}
	return us, nil
}

func (b *KVBackend) SetUserStatusIf(_ context.Context, userID string, want, requireDefault Status) (bool, error) {
	return b.mutateUser(userID, func(us *UserStatus) bool {
		if us.StatusDefault != requireDefault || us.Status == want {
			return false
		}
		us.Status = want
		return true
	})
}

func (b *KVBackend) SetUserStatus(_ context.Context, userID string, status Status) (bool, error) {
	return b.mutateUser(userID, func(us *UserStatus) bool {
		if us.Status == status {
			return false
		}
		us.Status = status
		return true
	})
}

func (b *KVBackend) SetDefaultStatus(_ context.Context, userID string, status Status) (bool, error) {
	return b.mutateUser(userID, func(us *UserStatus) bool {
		if us.StatusDefault == status {
			return false
		}
		us.StatusDefault = status
		return true
	})
}

func (b *KVBackend) Close() error {
	return nil
}
