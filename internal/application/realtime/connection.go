package realtime

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/examhive/examhive/pkg/domain"
	"github.com/examhive/examhive/pkg/ports"
)

// FilterFunc decides whether a subscribed connection receives an event.
type FilterFunc func(event *domain.Event) bool

// Connection is one live client connection. Delivery is fire-and-forget
// through a bounded outbound channel drained by a dedicated writer
// goroutine, so a slow or dead connection never blocks the broadcaster.
type Connection struct {
	ID        string
	Type      domain.ConnectionType
	UserID    string
	ContextID string

	transport ports.ClientTransport
	send      chan interface{}
	logger    *zap.Logger

	mu            sync.RWMutex
	subscriptions map[domain.EventType]FilterFunc
	active        bool
	lastSeen      time.Time

	closeOnce sync.Once
	done      chan struct{}
}

func newConnection(id string, connType domain.ConnectionType, userID, contextID string, transport ports.ClientTransport, buffer int, logger *zap.Logger) *Connection {
	c := &Connection{
		ID:            id,
		Type:          connType,
		UserID:        userID,
		ContextID:     contextID,
		transport:     transport,
		send:          make(chan interface{}, buffer),
		logger:        logger,
		subscriptions: make(map[domain.EventType]FilterFunc),
		active:        true,
		lastSeen:      time.Now(),
		done:          make(chan struct{}),
	}
	go c.writePump()
	return c
}

// enqueue buffers a message for delivery without blocking. When the buffer
// is full the oldest buffered message is dropped to admit the new one; the
// bus and queue remain the durable source of truth for reconciliation.
// Returns false when the message was dropped instead.
func (c *Connection) enqueue(msg interface{}) bool {
	select {
	case c.send <- msg:
		return true
	default:
	}

	select {
	case <-c.send:
	default:
	}

	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// writePump drains the outbound buffer onto the transport. The first failed
// write deactivates the connection; the registry reaps it on the next
// heartbeat cycle.
func (c *Connection) writePump() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.transport.WriteJSON(msg); err != nil {
				c.logger.Debug("transport write failed",
					zap.String("connection_id", c.ID),
					zap.Error(err))
				c.markInactive()
				return
			}
		}
	}
}

// subscribe adds the event types with the given filter. A nil filter falls
// back to the connection's identity filter.
func (c *Connection) subscribe(types []domain.EventType, filter FilterFunc) {
	if filter == nil {
		filter = c.identityFilter()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range types {
		c.subscriptions[t] = filter
	}
}

func (c *Connection) unsubscribe(types []domain.EventType) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range types {
		delete(c.subscriptions, t)
	}
}

// subscribedTo returns the filter for an event type and whether the
// connection is subscribed to it.
func (c *Connection) subscribedTo(t domain.EventType) (FilterFunc, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	filter, ok := c.subscriptions[t]
	return filter, ok
}

// subscribedTypes returns the currently subscribed event types.
func (c *Connection) subscribedTypes() []domain.EventType {
	c.mu.RLock()
	defer c.mu.RUnlock()
	types := make([]domain.EventType, 0, len(c.subscriptions))
	for t := range c.subscriptions {
		types = append(types, t)
	}
	return types
}

// identityFilter is the default predicate: users see only their own updates,
// workspaces only their own exam's.
func (c *Connection) identityFilter() FilterFunc {
	return func(event *domain.Event) bool {
		if c.UserID != "" {
			return event.Metadata.UserID == c.UserID
		}
		if c.ContextID != "" {
			return event.ContextID() == c.ContextID
		}
		return true
	}
}

// allowAll passes every event of a subscribed type.
func allowAll(*domain.Event) bool { return true }

// Touch records client activity for heartbeat liveness.
func (c *Connection) Touch() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = time.Now()
}

func (c *Connection) isActive() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active
}

func (c *Connection) markInactive() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = false
}

func (c *Connection) idle() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Since(c.lastSeen)
}

// close stops the writer and closes the transport. Safe to call repeatedly.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.transport.Close()
	})
}
