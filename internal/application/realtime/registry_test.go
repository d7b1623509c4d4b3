package realtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/examhive/examhive/pkg/domain"
)

// fakeTransport records everything written to it.
type fakeTransport struct {
	mu       sync.Mutex
	messages []interface{}
	closed   bool
	block    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{}
}

func (t *fakeTransport) WriteJSON(v interface{}) error {
	if t.block != nil {
		<-t.block
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, v)
	return nil
}

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) written() []interface{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]interface{}(nil), t.messages...)
}

// pushes returns only the event pushes, skipping envelopes like the welcome
// message and pings.
func (t *fakeTransport) pushes() []domain.EventPush {
	var pushes []domain.EventPush
	for _, msg := range t.written() {
		if push, ok := msg.(domain.EventPush); ok {
			pushes = append(pushes, push)
		}
	}
	return pushes
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	r := NewRegistry(Options{
		SendBuffer:        16,
		HeartbeatInterval: time.Hour,
		HeartbeatTimeout:  2 * time.Hour,
	}, nil, zap.NewNop())
	r.Start()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})

	return r
}

func TestRegistryConnect(t *testing.T) {
	r := newTestRegistry(t)
	transport := newFakeTransport()

	conn, err := r.Connect(transport, domain.ConnectionWorkspace, "", "exam-1")
	require.NoError(t, err)
	require.NotEmpty(t, conn.ID)

	require.Eventually(t, func() bool {
		return len(transport.written()) >= 1
	}, time.Second, 5*time.Millisecond)

	welcome, ok := transport.written()[0].(domain.Envelope)
	require.True(t, ok)
	assert.Equal(t, "connected", welcome.Type)
	assert.Equal(t, conn.ID, welcome.ConnectionID)

	stats := r.Stats()
	assert.Equal(t, 1, stats.Total)
	assert.Equal(t, 1, stats.ByType["workspace"])
}

func TestRegistryConnectRejectsUnknownType(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Connect(newFakeTransport(), domain.ConnectionType("tv"), "", "")
	require.Error(t, err)
}

func TestRegistryFanOutByType(t *testing.T) {
	r := newTestRegistry(t)

	monitor := newFakeTransport()
	_, err := r.Connect(monitor, domain.ConnectionMonitor, "", "")
	require.NoError(t, err)

	// system.health is in the monitor default set; exam.created is not.
	require.NoError(t, r.Handle(context.Background(), domain.NewEvent(domain.EventSystemHealth, nil, "test")))
	require.NoError(t, r.Handle(context.Background(), domain.NewEvent(domain.EventExamCreated, nil, "test")))

	require.Eventually(t, func() bool {
		return len(monitor.pushes()) == 1
	}, time.Second, 5*time.Millisecond)

	pushes := monitor.pushes()
	require.Len(t, pushes, 1)
	assert.Equal(t, domain.EventSystemHealth, pushes[0].EventType)
}

func TestRegistryIdentityFilter(t *testing.T) {
	r := newTestRegistry(t)

	alpha := newFakeTransport()
	_, err := r.Connect(alpha, domain.ConnectionDashboard, "user-a", "")
	require.NoError(t, err)

	beta := newFakeTransport()
	_, err = r.Connect(beta, domain.ConnectionDashboard, "user-b", "")
	require.NoError(t, err)

	event := domain.NewEvent(domain.EventOCRCompleted,
		map[string]interface{}{"sheet_id": "s-1"},
		"test",
		domain.WithUserID("user-a"))
	require.NoError(t, r.Handle(context.Background(), event))

	require.Eventually(t, func() bool {
		return len(alpha.pushes()) == 1
	}, time.Second, 5*time.Millisecond)

	pushes := alpha.pushes()
	require.Len(t, pushes, 1)
	assert.Equal(t, domain.EventOCRCompleted, pushes[0].EventType)
	assert.Equal(t, "user-a", pushes[0].EventMetadata.UserID)

	assert.Empty(t, beta.pushes(), "another user's dashboard must not see the event")
}

func TestRegistryContextFilter(t *testing.T) {
	r := newTestRegistry(t)

	mine := newFakeTransport()
	_, err := r.Connect(mine, domain.ConnectionWorkspace, "", "exam-1")
	require.NoError(t, err)

	other := newFakeTransport()
	_, err = r.Connect(other, domain.ConnectionWorkspace, "", "exam-2")
	require.NoError(t, err)

	event := domain.NewEvent(domain.EventGradingCompleted,
		map[string]interface{}{"exam_id": "exam-1"}, "test")
	require.NoError(t, r.Handle(context.Background(), event))

	require.Eventually(t, func() bool {
		return len(mine.pushes()) == 1
	}, time.Second, 5*time.Millisecond)

	assert.Empty(t, other.pushes())
}

func TestRegistrySubscribe(t *testing.T) {
	r := newTestRegistry(t)

	transport := newFakeTransport()
	conn, err := r.Connect(transport, domain.ConnectionMonitor, "", "")
	require.NoError(t, err)

	t.Run("rejects unknown event type", func(t *testing.T) {
		err := r.Subscribe(conn.ID, []domain.EventType{"exam.exploded"}, nil)
		require.Error(t, err)
	})

	t.Run("adds the type", func(t *testing.T) {
		// exam.deleted is not in the monitor default set.
		require.NoError(t, r.Subscribe(conn.ID, []domain.EventType{domain.EventExamDeleted}, allowAll))
		require.NoError(t, r.Handle(context.Background(), domain.NewEvent(domain.EventExamDeleted, nil, "test")))

		require.Eventually(t, func() bool {
			return len(transport.pushes()) == 1
		}, time.Second, 5*time.Millisecond)
	})

	t.Run("unsubscribe removes it", func(t *testing.T) {
		require.NoError(t, r.Unsubscribe(conn.ID, []domain.EventType{domain.EventExamDeleted}))
		require.NoError(t, r.Handle(context.Background(), domain.NewEvent(domain.EventExamDeleted, nil, "test")))

		time.Sleep(50 * time.Millisecond)
		assert.Len(t, transport.pushes(), 1)
	})

	t.Run("unknown connection", func(t *testing.T) {
		err := r.Subscribe("nope", []domain.EventType{domain.EventExamDeleted}, nil)
		require.Error(t, err)
	})
}

func TestRegistryDisconnect(t *testing.T) {
	r := newTestRegistry(t)

	transport := newFakeTransport()
	conn, err := r.Connect(transport, domain.ConnectionDashboard, "user-a", "")
	require.NoError(t, err)

	r.Disconnect(conn.ID)

	assert.Error(t, r.SendToConnection(conn.ID, domain.NewEnvelope("ping", conn.ID, nil)))
	assert.Zero(t, r.Stats().Total)
	assert.Zero(t, r.BroadcastToUser("user-a", domain.NewEnvelope("ping", conn.ID, nil)))

	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return transport.closed
	}, time.Second, 5*time.Millisecond)

	// Idempotent.
	r.Disconnect(conn.ID)
}

func TestRegistryBroadcasts(t *testing.T) {
	r := newTestRegistry(t)

	workspace := newFakeTransport()
	_, err := r.Connect(workspace, domain.ConnectionWorkspace, "user-a", "exam-1")
	require.NoError(t, err)

	dashboard := newFakeTransport()
	_, err = r.Connect(dashboard, domain.ConnectionDashboard, "user-a", "")
	require.NoError(t, err)

	assert.Equal(t, 1, r.BroadcastToType(domain.ConnectionWorkspace, domain.NewEnvelope("notice", "", nil)))
	assert.Equal(t, 2, r.BroadcastToUser("user-a", domain.NewEnvelope("notice", "", nil)))
	assert.Equal(t, 1, r.BroadcastToContext("exam-1", domain.NewEnvelope("notice", "", nil)))
	assert.Equal(t, 0, r.BroadcastToContext("exam-9", domain.NewEnvelope("notice", "", nil)))
}

func TestConnectionDropOldest(t *testing.T) {
	transport := newFakeTransport()
	transport.block = make(chan struct{})

	conn := newConnection("c-1", domain.ConnectionMonitor, "", "", transport, 2, zap.NewNop())
	defer conn.close()
	defer close(transport.block)

	// The writer is blocked, so after the first message is pulled off the
	// channel everything else contends for the two buffer slots.
	for i := 0; i < 10; i++ {
		conn.enqueue(i)
	}

	assert.LessOrEqual(t, len(conn.send), 2, "buffer must stay bounded under a stalled writer")
}

func TestRegistryHeartbeatReapsInactive(t *testing.T) {
	r := NewRegistry(Options{
		SendBuffer:        16,
		HeartbeatInterval: 20 * time.Millisecond,
		HeartbeatTimeout:  time.Hour,
	}, nil, zap.NewNop())
	r.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Stop(ctx)
	})

	transport := newFakeTransport()
	conn, err := r.Connect(transport, domain.ConnectionMonitor, "", "")
	require.NoError(t, err)

	conn.markInactive()

	require.Eventually(t, func() bool {
		return r.Stats().Total == 0
	}, 2*time.Second, 10*time.Millisecond)
}
