package realtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/examhive/examhive/pkg/domain"
	"github.com/examhive/examhive/pkg/ports"
)

// Options configures the connection registry.
type Options struct {
	SendBuffer        int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
}

// Registry tracks live client connections and fans bus events out to them.
// It implements ports.EventHandler and is registered on the bus like any
// other consumer. All index mutation happens under one coarse lock so
// insert/remove stay linearizable; delivery itself happens outside the lock.
type Registry struct {
	opts    Options
	logger  *zap.Logger
	metrics ports.MetricsCollector

	mu        sync.RWMutex
	conns     map[string]*Connection
	byType    map[domain.ConnectionType]map[string]*Connection
	byUser    map[string]map[string]*Connection
	byContext map[string]map[string]*Connection

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewRegistry creates a connection registry.
func NewRegistry(opts Options, metrics ports.MetricsCollector, logger *zap.Logger) *Registry {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 30 * time.Second
	}
	if opts.HeartbeatTimeout <= 0 {
		opts.HeartbeatTimeout = 3 * opts.HeartbeatInterval
	}
	if metrics == nil {
		metrics = ports.NopMetrics{}
	}
	return &Registry{
		opts:      opts,
		logger:    logger,
		metrics:   metrics,
		conns:     make(map[string]*Connection),
		byType:    make(map[domain.ConnectionType]map[string]*Connection),
		byUser:    make(map[string]map[string]*Connection),
		byContext: make(map[string]map[string]*Connection),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the heartbeat loop.
func (r *Registry) Start() {
	r.wg.Add(1)
	go r.heartbeatLoop()
}

// Stop reaps every connection and stops the heartbeat loop.
func (r *Registry) Stop(ctx context.Context) error {
	r.stopped.Do(func() { close(r.stopCh) })

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("registry stop timeout")
	}

	r.mu.Lock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.conns = make(map[string]*Connection)
	r.byType = make(map[domain.ConnectionType]map[string]*Connection)
	r.byUser = make(map[string]map[string]*Connection)
	r.byContext = make(map[string]map[string]*Connection)
	r.mu.Unlock()

	for _, conn := range conns {
		conn.close()
	}
	return nil
}

// Connect registers a new connection, applies its class's default
// subscriptions and sends a welcome envelope.
func (r *Registry) Connect(transport ports.ClientTransport, connType domain.ConnectionType, userID, contextID string) (*Connection, error) {
	if !connType.Valid() {
		return nil, fmt.Errorf("unknown connection type: %s", connType)
	}

	conn := newConnection(uuid.New().String(), connType, userID, contextID, transport, r.opts.SendBuffer, r.logger)
	r.applyDefaultSubscriptions(conn)

	r.mu.Lock()
	r.conns[conn.ID] = conn
	indexAdd(r.byType, conn.Type, conn)
	if conn.UserID != "" {
		indexAdd(r.byUser, conn.UserID, conn)
	}
	if conn.ContextID != "" {
		indexAdd(r.byContext, conn.ContextID, conn)
	}
	total := len(r.byType[conn.Type])
	r.mu.Unlock()

	r.metrics.SetConnections(string(conn.Type), total)
	r.logger.Info("connection established",
		zap.String("connection_id", conn.ID),
		zap.String("type", string(conn.Type)),
		zap.String("user_id", conn.UserID),
		zap.String("context_id", conn.ContextID))

	conn.enqueue(domain.NewEnvelope("connected", conn.ID, map[string]interface{}{
		"connection_type": string(conn.Type),
	}))

	return conn, nil
}

// applyDefaultSubscriptions gives each connection class its starting set.
func (r *Registry) applyDefaultSubscriptions(conn *Connection) {
	switch conn.Type {
	case domain.ConnectionWorkspace:
		// Follow one exam's full pipeline, scoped to its context id.
		conn.subscribe([]domain.EventType{
			domain.EventExamCreated,
			domain.EventExamUpdated,
			domain.EventExamDeleted,
			domain.EventSheetUploaded,
			domain.EventOCRStarted,
			domain.EventOCRCompleted,
			domain.EventOCRFailed,
			domain.EventGradingStarted,
			domain.EventGradingCompleted,
			domain.EventGradingFailed,
			domain.EventTaskCompleted,
			domain.EventTaskFailed,
		}, nil)
	case domain.ConnectionMonitor:
		conn.subscribe([]domain.EventType{
			domain.EventSystemHealth,
			domain.EventOCRStarted,
			domain.EventGradingStarted,
			domain.EventTaskCompleted,
			domain.EventTaskFailed,
		}, allowAll)
	case domain.ConnectionDashboard:
		conn.subscribe([]domain.EventType{
			domain.EventOCRCompleted,
			domain.EventOCRFailed,
			domain.EventGradingCompleted,
			domain.EventGradingFailed,
			domain.EventTaskCompleted,
			domain.EventTaskFailed,
		}, nil)
	}
}

// Disconnect removes the connection from every index and closes it.
func (r *Registry) Disconnect(connID string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, connID)
	indexRemove(r.byType, conn.Type, connID)
	if conn.UserID != "" {
		indexRemove(r.byUser, conn.UserID, connID)
	}
	if conn.ContextID != "" {
		indexRemove(r.byContext, conn.ContextID, connID)
	}
	total := len(r.byType[conn.Type])
	r.mu.Unlock()

	conn.close()
	r.metrics.SetConnections(string(conn.Type), total)
	r.logger.Info("connection closed", zap.String("connection_id", connID))
}

// Subscribe adds event types (with an optional filter) to a connection.
// Unknown event types are rejected, keeping subscriptions a subset of the
// known set.
func (r *Registry) Subscribe(connID string, types []domain.EventType, filter FilterFunc) error {
	for _, t := range types {
		if !t.Valid() {
			return fmt.Errorf("unknown event type: %s", t)
		}
	}

	conn, err := r.get(connID)
	if err != nil {
		return err
	}
	conn.subscribe(types, filter)
	return nil
}

// Unsubscribe removes event types from a connection.
func (r *Registry) Unsubscribe(connID string, types []domain.EventType) error {
	conn, err := r.get(connID)
	if err != nil {
		return err
	}
	conn.unsubscribe(types)
	return nil
}

// SendToConnection pushes an envelope to one connection.
func (r *Registry) SendToConnection(connID string, msg interface{}) error {
	conn, err := r.get(connID)
	if err != nil {
		return err
	}
	if !conn.enqueue(msg) {
		r.metrics.RecordPushDropped(string(conn.Type))
	}
	return nil
}

// BroadcastToType pushes an envelope to every connection of a type.
func (r *Registry) BroadcastToType(connType domain.ConnectionType, msg interface{}) int {
	return r.broadcast(snapshotIndex(r, r.byType, connType), msg)
}

// BroadcastToUser pushes an envelope to every connection of a user.
func (r *Registry) BroadcastToUser(userID string, msg interface{}) int {
	return r.broadcast(snapshotIndex(r, r.byUser, userID), msg)
}

// BroadcastToContext pushes an envelope to every connection scoped to a
// context (exam) id.
func (r *Registry) BroadcastToContext(contextID string, msg interface{}) int {
	return r.broadcast(snapshotIndex(r, r.byContext, contextID), msg)
}

func (r *Registry) broadcast(conns []*Connection, msg interface{}) int {
	sent := 0
	for _, conn := range conns {
		if !conn.isActive() {
			continue
		}
		if conn.enqueue(msg) {
			sent++
		} else {
			r.metrics.RecordPushDropped(string(conn.Type))
		}
	}
	return sent
}

// Name implements ports.EventHandler.
func (r *Registry) Name() string { return "realtime-fanout" }

// EventTypes implements ports.EventHandler: the fan-out layer listens to
// every known event type and filters per connection.
func (r *Registry) EventTypes() []domain.EventType {
	return domain.KnownEventTypes()
}

// Handle implements ports.EventHandler. Delivery per connection is
// fire-and-forget; connection failures never propagate back to the bus, so
// fan-out never causes an event retry.
func (r *Registry) Handle(ctx context.Context, event *domain.Event) error {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	delivered := 0
	for _, conn := range conns {
		if !conn.isActive() {
			continue
		}
		filter, ok := conn.subscribedTo(event.Type)
		if !ok {
			continue
		}
		if filter != nil && !filter(event) {
			continue
		}
		if conn.enqueue(domain.NewEventPush(event, conn.ID)) {
			delivered++
		} else {
			r.metrics.RecordPushDropped(string(conn.Type))
		}
	}

	if delivered > 0 {
		r.logger.Debug("event fanned out",
			zap.String("event_id", event.Metadata.EventID),
			zap.String("type", string(event.Type)),
			zap.Int("connections", delivered))
	}
	return nil
}

// Stats returns live connection counts.
func (r *Registry) Stats() *domain.ConnectionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	byType := make(map[string]int, len(r.byType))
	for t, conns := range r.byType {
		byType[string(t)] = len(conns)
	}
	return &domain.ConnectionStats{
		Total:  len(r.conns),
		ByType: byType,
	}
}

// heartbeatLoop pings every open connection each interval and reaps those
// that went inactive or silent. A dead connection is never retried.
func (r *Registry) heartbeatLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.opts.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.heartbeat()
		}
	}
}

func (r *Registry) heartbeat() {
	r.mu.RLock()
	conns := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		conns = append(conns, conn)
	}
	r.mu.RUnlock()

	var reaped int
	for _, conn := range conns {
		if !conn.isActive() || conn.idle() > r.opts.HeartbeatTimeout {
			r.Disconnect(conn.ID)
			reaped++
			continue
		}
		conn.enqueue(domain.NewEnvelope("ping", conn.ID, nil))
	}

	if reaped > 0 {
		r.logger.Info("reaped dead connections", zap.Int("count", reaped))
	}
}

func (r *Registry) get(connID string) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conn, ok := r.conns[connID]
	if !ok {
		return nil, fmt.Errorf("connection %s: %w", connID, ports.ErrNotFound)
	}
	return conn, nil
}

func snapshotIndex[K comparable](r *Registry, index map[K]map[string]*Connection, key K) []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Connection, 0, len(index[key]))
	for _, conn := range index[key] {
		conns = append(conns, conn)
	}
	return conns
}

func indexAdd[K comparable](index map[K]map[string]*Connection, key K, conn *Connection) {
	if index[key] == nil {
		index[key] = make(map[string]*Connection)
	}
	index[key][conn.ID] = conn
}

func indexRemove[K comparable](index map[K]map[string]*Connection, key K, connID string) {
	if conns, ok := index[key]; ok {
		delete(conns, connID)
		if len(conns) == 0 {
			delete(index, key)
		}
	}
}
