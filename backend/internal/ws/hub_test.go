package ws

import (
	"context"
	"testing"
	"time"

	"termcollab/backend/internal/collab"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func newTestConn(hub *Hub, router *Router, hooks ParticipantHooks, userID string) *Conn {
	return NewConn(nil, hub, router, hooks, nil, userID, userID, nil)
}

// 取出当前队列里的所有消息
func drain(c *Conn) []Message {
	var out []Message
	for {
		select {
		case m := <-c.send:
			out = append(out, m)
		default:
			return out
		}
	}
}

func typesOf(msgs []Message) []MessageType {
	out := make([]MessageType, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Type)
	}
	return out
}

func TestHub_ParticipantCountIsDistinctUsers(t *testing.T) {
	hub := NewHub()
	a1 := newTestConn(hub, nil, nil, "alice")
	a2 := newTestConn(hub, nil, nil, "alice")
	b := newTestConn(hub, nil, nil, "bob")

	hub.Join("s1", a1)
	hub.Join("s1", a2)
	hub.Join("s1", b)
	assert.Equal(t, 2, hub.ParticipantCount("s1"))
	assert.Equal(t, []string{"s1"}, hub.Sessions())

	assert.True(t, hub.Leave("s1", a1), "alice still has another terminal")
	assert.False(t, hub.Leave("s1", a2))
	assert.Equal(t, 1, hub.ParticipantCount("s1"))
	assert.False(t, hub.Leave("s1", b))
	assert.Empty(t, hub.Sessions())
	assert.Equal(t, 0, hub.ParticipantCount("s1"))
}

func TestHub_BroadcastSkipsSenderAndClosedConns(t *testing.T) {
	hub := NewHub()
	a := newTestConn(hub, nil, nil, "alice")
	b := newTestConn(hub, nil, nil, "bob")
	c := newTestConn(hub, nil, nil, "carol")
	hub.Join("s1", a)
	hub.Join("s1", b)
	hub.Join("s1", c)
	c.closeSend()

	sent := hub.Broadcast("s1", NewMessage(TypeMessage, map[string]any{"text": "hi"}, "alice"), a)
	assert.Equal(t, 1, sent)
	assert.Empty(t, drain(a))
	assert.Len(t, drain(b), 1)
}

func TestConn_FullSessionFlow(t *testing.T) {
	coord := collab.NewCoordinator()
	handlers := NewSessionHandlers(coord, SessionHandlersOptions{})
	router := NewSessionRouter(handlers, nil)
	hub := NewHub()
	ctx := context.Background()

	alice := newTestConn(hub, router, handlers, "alice")
	bob := newTestConn(hub, router, handlers, "bob")

	alice.handleRaw(ctx, []byte(`{"type":"join","data":{"session_id":"s1"}}`))
	bob.handleRaw(ctx, []byte(`{"type":"join","data":{"session_id":"s1"}}`))
	assert.Equal(t, "s1", alice.Session())
	assert.Equal(t, 2, hub.ParticipantCount("s1"))
	assert.Equal(t, []MessageType{TypeSessionUpdate, TypeJoin}, typesOf(drain(alice)))
	assert.Equal(t, []MessageType{TypeSessionUpdate}, typesOf(drain(bob)))

	alice.handleRaw(ctx, []byte(`{"type":"input","data":{"id":"op1","keys":"l"},"timestamp":"2024-01-01T00:00:01"}`))
	bob.handleRaw(ctx, []byte(`{"type":"input","data":{"id":"op2","keys":"s"},"timestamp":"2024-01-01T00:00:02"}`))
	alice.handleRaw(ctx, []byte(`{"type":"sync_response","data":{"operation_ids":["op2"]}}`))
	bob.handleRaw(ctx, []byte(`{"type":"sync_response","data":{"operation_ids":["op1"]}}`))

	alice.handleRaw(ctx, []byte(`{"type":"sync_request","id":4}`))
	replies := drain(alice)
	require.Len(t, replies, 1)
	assert.Equal(t, TypeSyncResponse, replies[0].Type)
	require.NotNil(t, replies[0].ID)
	assert.Equal(t, int64(4), *replies[0].ID)

	pushed := drain(bob)
	require.Len(t, pushed, 1)
	ops := pushed[0].Data["operations"].([]collab.Operation)
	require.Len(t, ops, 1)
	assert.Equal(t, "op2", ops[0].ID)
	assert.Empty(t, coord.PendingOperations("s1"))

	// 非法消息回 error，连接不断
	bob.handleRaw(ctx, []byte(`{"type":"resize"}`))
	assert.Equal(t, []MessageType{TypeError}, typesOf(drain(bob)))

	bob.handleRaw(ctx, []byte(`{"type":"leave"}`))
	assert.Equal(t, "", bob.Session())
	assert.Equal(t, 1, hub.ParticipantCount("s1"))
	assert.Equal(t, []MessageType{TypeLeave}, typesOf(drain(alice)))
}

func TestConn_SwitchingSessionsAnnouncesLeave(t *testing.T) {
	coord := collab.NewCoordinator()
	handlers := NewSessionHandlers(coord, SessionHandlersOptions{})
	router := NewSessionRouter(handlers, nil)
	hub := NewHub()
	ctx := context.Background()

	alice := newTestConn(hub, router, handlers, "alice")
	bob := newTestConn(hub, router, handlers, "bob")
	alice.handleRaw(ctx, []byte(`{"type":"join","data":{"session_id":"s1"}}`))
	bob.handleRaw(ctx, []byte(`{"type":"join","data":{"session_id":"s1"}}`))
	bob.handleRaw(ctx, []byte(`{"type":"cursor_move","data":{"position":2}}`))
	drain(alice)
	drain(bob)

	bob.handleRaw(ctx, []byte(`{"type":"join","data":{"session_id":"s2"}}`))
	assert.Equal(t, "s2", bob.Session())
	assert.Equal(t, []MessageType{TypeLeave}, typesOf(drain(alice)))
	assert.NotContains(t, coord.Cursors("s1"), "bob")
	assert.Equal(t, []string{"s1", "s2"}, hub.Sessions())
}

func TestSessionSyncer_PushesPendingResolution(t *testing.T) {
	defer goleak.VerifyNone(t)

	coord := collab.NewCoordinator()
	handlers := NewSessionHandlers(coord, SessionHandlersOptions{})
	hub := NewHub()
	alice := newTestConn(hub, nil, nil, "alice")
	hub.Join("s1", alice)
	require.NoError(t, coord.AddOperation("s1", collab.Operation{ID: "op1", Type: collab.OpTypeInput, Timestamp: "2024-01-01T00:00:01"}))

	syncer := NewSessionSyncer(hub, handlers, 10*time.Millisecond, nil)
	syncer.Start(context.Background())
	syncer.Start(context.Background())
	defer syncer.Stop()

	select {
	case m := <-alice.send:
		assert.Equal(t, TypeSyncResponse, m.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no sync_response pushed")
	}
	// 没有确认，操作还留在队列里
	assert.Len(t, coord.PendingOperations("s1"), 1)

	coord.AcknowledgeOperation("s1", "op1", "alice")
	assert.Eventually(t, func() bool { return len(coord.PendingOperations("s1")) == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestSessionSyncer_SyncOnceSkipsQuietRooms(t *testing.T) {
	handlers := NewSessionHandlers(collab.NewCoordinator(), SessionHandlersOptions{})
	hub := NewHub()
	hub.Join("quiet", newTestConn(hub, nil, nil, "alice"))
	s := NewSessionSyncer(hub, handlers, time.Hour, nil)
	assert.Equal(t, 0, s.SyncOnce(context.Background()))
	s.Stop()
}
