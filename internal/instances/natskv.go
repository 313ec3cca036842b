package instances

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

const instancesBucket = "INSTANCES"

// KVRegistry keeps one TTL'd key per instance in a JetStream KV bucket. A
// background heartbeat re-puts this process's key; an instance that dies
// without deregistering simply stops heartbeating and its key expires, so
// liveness is just key presence.
type KVRegistry struct {
	kv  nats.KeyValue
	ttl time.Duration
	log *slog.Logger

	mu      sync.Mutex
	current string
	stop    chan struct{}
	done    chan struct{}
}

// NewKVRegistry creates (or binds) the instances bucket with the given TTL.
func NewKVRegistry(js nats.JetStreamContext, ttl time.Duration) (*KVRegistry, error) {
	kv, err := js.CreateKeyValue(&nats.KeyValueConfig{
		Bucket:  instancesBucket,
		History: 1,
		TTL:     ttl,
		Storage: nats.MemoryStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("create %s bucket: %w", instancesBucket, err)
	}
	return &KVRegistry{
		kv:  kv,
		ttl: ttl,
		log: slog.With("component", "instance-registry"),
	}, nil
}

func (r *KVRegistry) Register(_ context.Context, inst Instance) error {
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("marshal instance: %w", err)
	}
	if _, err := r.kv.Put(inst.ID, data); err != nil {
		return fmt.Errorf("register instance: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.current = inst.ID
	r.stop = make(chan struct{})
	r.done = make(chan struct{})
	go r.heartbeat(inst.ID, data, r.stop, r.done)

	r.log.Info("instance registered", "id", inst.ID, "host", inst.Host, "port", inst.Port)
	return nil
}

// heartbeat re-puts the key at a third of the TTL so transient hiccups do
// not expire a live instance.
func (r *KVRegistry) heartbeat(id string, data []byte, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if _, err := r.kv.Put(id, data); err != nil {
				r.log.Warn("instance heartbeat failed", "id", id, "error", err)
			}
		}
	}
}

func (r *KVRegistry) CurrentInstanceID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current
}

func (r *KVRegistry) ListLiveInstanceIDs(_ context.Context) ([]string, error) {
	keys, err := r.kv.Keys()
	if errors.Is(err, nats.ErrNoKeysFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	return keys, nil
}

func (r *KVRegistry) Deregister(_ context.Context) error {
	r.stopHeartbeat()

	r.mu.Lock()
	current := r.current
	r.mu.Unlock()
	if current == "" {
		return nil
	}
	if err := r.kv.Delete(current); err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
		return fmt.Errorf("deregister instance: %w", err)
	}
	r.log.Info("instance deregistered", "id", current)
	return nil
}

func (r *KVRegistry) Close() error {
	r.stopHeartbeat()
	return nil
}

func (r *KVRegistry) stopHeartbeat() {
	r.mu.Lock()
	stop, done := r.stop, r.done
	r.stop, r.done = nil, nil
	r.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
