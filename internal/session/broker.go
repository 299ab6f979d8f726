// Package session propagates sign-in state changes across processes.
// Events travel over a Redis Pub/Sub channel; interested components in
// this process register explicit listeners instead of relying on a
// hidden global subscription. A Redis set tracks revoked users so that
// suspension takes effect on the next request, not the next token expiry.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	updateChannel = "session_updates"
	revokedSetKey = "revoked_users"
)

// EventType categorizes a session state change.
type EventType string

const (
	EventSignIn  EventType = "sign_in"
	EventSignOut EventType = "sign_out"
	EventRevoke  EventType = "revoke"
	EventRestore EventType = "restore"
)

// Event describes a single session state change for one user.
type Event struct {
	Type   EventType `json:"type"`
	UserID string    `json:"user_id"`
}

// Listener receives session events. Callbacks run on the broker's
// subscribe goroutine and must not block.
type Listener interface {
	SessionChanged(event Event)
}

// Broker publishes session events and fans incoming ones out to
// attached listeners.
type Broker struct {
	rdb       *redis.Client
	mutex     sync.RWMutex
	listeners map[int]Listener
	nextID    int
}

// NewBroker creates a Broker backed by the given Redis client.
func NewBroker(rdb *redis.Client) *Broker {
	return &Broker{
		rdb:       rdb,
		listeners: make(map[int]Listener),
	}
}

// Attach registers a listener and returns a function that detaches it.
func (b *Broker) Attach(l Listener) (detach func()) {
	b.mutex.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	b.mutex.Unlock()

	return func() {
		b.mutex.Lock()
		delete(b.listeners, id)
		b.mutex.Unlock()
	}
}

// Publish broadcasts an event to all processes subscribed to the
// session channel, including this one.
func (b *Broker) Publish(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal session event: %w", err)
	}
	if err := b.rdb.Publish(ctx, updateChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish session event: %w", err)
	}
	return nil
}

// Revoke marks the user's sessions as invalid and broadcasts the change.
// Existing tokens keep verifying cryptographically but are rejected by
// the auth middleware until Restore is called.
func (b *Broker) Revoke(ctx context.Context, userID string) error {
	if err := b.rdb.SAdd(ctx, revokedSetKey, userID).Err(); err != nil {
		return fmt.Errorf("failed to add user to revocation set: %w", err)
	}
	return b.Publish(ctx, Event{Type: EventRevoke, UserID: userID})
}

// Restore lifts a revocation.
func (b *Broker) Restore(ctx context.Context, userID string) error {
	if err := b.rdb.SRem(ctx, revokedSetKey, userID).Err(); err != nil {
		return fmt.Errorf("failed to remove user from revocation set: %w", err)
	}
	return b.Publish(ctx, Event{Type: EventRestore, UserID: userID})
}

// IsRevoked reports whether the user's sessions are currently revoked.
func (b *Broker) IsRevoked(ctx context.Context, userID string) (bool, error) {
	revoked, err := b.rdb.SIsMember(ctx, revokedSetKey, userID).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check revocation set: %w", err)
	}
	return revoked, nil
}

// Run subscribes to the session channel and dispatches incoming events
// to attached listeners until ctx is cancelled.
func (b *Broker) Run(ctx context.Context) error {
	pubsub := b.rdb.Subscribe(ctx, updateChannel)
	defer pubsub.Close()

	// Wait for confirmation that subscription is created before publishing anything.
	_, err := pubsub.Receive(ctx)
	if err != nil {
		return fmt.Errorf("failed to receive confirmation from Redis Pub/Sub subscription: %w", err)
	}

	ch := pubsub.Channel()
	log.Println("Subscribed to Redis channel for session updates:", updateChannel)

	for {
		select {
		case <-ctx.Done():
			log.Println("Session Pub/Sub listener stopped.")
			return ctx.Err()
		case msg, ok := <-ch:
			if !ok {
				log.Println("Session Pub/Sub channel closed.")
				return nil
			}
			var event Event
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Printf("Warning: Failed to decode session event: %v", err)
				continue
			}
			b.dispatch(event)
		}
	}
}

func (b *Broker) dispatch(event Event) {
	b.mutex.RLock()
	defer b.mutex.RUnlock()
	for _, l := range b.listeners {
		l.SessionChanged(event)
	}
}

// ActivityLogger is a Listener that writes every session change to the
// process log. Each instance attaches one at startup, so sign-ins,
// sign-outs and revocations from any instance show up in every log
// stream.
type ActivityLogger struct{}

func (ActivityLogger) SessionChanged(event Event) {
	log.Printf("Session %s for user %s", event.Type, event.UserID)
}
