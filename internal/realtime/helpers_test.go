package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeSocket records every frame it is sent. A dead socket refuses writes.
type fakeSocket struct {
	mu     sync.Mutex
	name   string
	frames []string
	dead   bool
	closed bool
}

func newFakeSocket(name string) *fakeSocket {
	return &fakeSocket{name: name}
}

func (f *fakeSocket) Send(message []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead || f.closed {
		return false
	}
	f.frames = append(f.frames, string(message))
	return true
}

func (f *fakeSocket) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

func (f *fakeSocket) kill() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead = true
}

func (f *fakeSocket) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeSocket) all() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.frames...)
}

func (f *fakeSocket) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frames = nil
}

// texts returns the plain-text frames, skipping state frames.
func (f *fakeSocket) texts() []string {
	var out []string
	for _, fr := range f.all() {
		if !isStateFrame(fr) {
			out = append(out, fr)
		}
	}
	return out
}

// states returns the state frames in delivery order.
func (f *fakeSocket) states() []string {
	var out []string
	for _, fr := range f.all() {
		if isStateFrame(fr) {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeSocket) containing(substr string) []string {
	var out []string
	for _, fr := range f.texts() {
		if strings.Contains(fr, substr) {
			out = append(out, fr)
		}
	}
	return out
}

func (f *fakeSocket) lastClientList(t *testing.T) ClientListFrame {
	t.Helper()
	var frame ClientListFrame
	for _, fr := range f.states() {
		if strings.Contains(fr, `"type":"client_list"`) {
			require.NoError(t, json.Unmarshal([]byte(fr), &frame))
		}
	}
	require.Equal(t, FrameClientList, frame.Type, "no client_list frame delivered to %s", f.name)
	return frame
}

func (f *fakeSocket) lastGroupInfo(t *testing.T) GroupInfoFrame {
	t.Helper()
	var frame GroupInfoFrame
	for _, fr := range f.states() {
		if strings.Contains(fr, `"type":"group_info"`) {
			require.NoError(t, json.Unmarshal([]byte(fr), &frame))
		}
	}
	require.Equal(t, FrameGroupInfo, frame.Type, "no group_info frame delivered to %s", f.name)
	return frame
}

func isStateFrame(fr string) bool {
	return strings.HasPrefix(fr, `{"type":`)
}

var testEpoch = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

// newTestHub returns a Hub with sequential connection ids and a fixed clock.
func newTestHub(t *testing.T, opts ...Option) *Hub {
	t.Helper()
	var mu sync.Mutex
	n := 0
	base := []Option{
		WithRand(rand.New(rand.NewPCG(1, 2))),
		WithClock(func() time.Time { return testEpoch }),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("conn-%d", n)
		}),
	}
	h, err := NewHub(nil, append(base, opts...)...)
	require.NoError(t, err)
	return h
}

func connect(t *testing.T, h *Hub, name string, opts ConnectOptions) (*Connection, *fakeSocket) {
	t.Helper()
	sock := newFakeSocket(name)
	conn, err := h.Connect(sock, opts)
	require.NoError(t, err)
	return conn, sock
}

func identified(id string) ConnectOptions {
	return ConnectOptions{Variant: VariantIdentified, ClientID: id}
}

func send(h *Hub, conn *Connection, frame string) {
	h.HandleFrame(context.Background(), conn, []byte(frame))
}

// checkIndices asserts the cross-index invariants of the Hub.
func checkIndices(t *testing.T, h *Hub) {
	t.Helper()
	h.mu.RLock()
	defer h.mu.RUnlock()

	r := h.registry
	require.Len(t, r.sockets, len(r.connections))
	for sock, id := range r.sockets {
		c, ok := r.connections[id]
		require.True(t, ok)
		require.Equal(t, sock, c.Socket)
	}

	seen := map[int64]string{}
	for id, c := range r.connections {
		if c.clientID != nil {
			prev, dup := seen[c.numericID]
			require.False(t, dup, "numeric id %d shared by %s and %s", c.numericID, prev, id)
			seen[c.numericID] = id
			require.Equal(t, id, r.clients[c.numericID])
		}
		for g := range c.groups {
			require.Contains(t, h.groups.Members(g), id)
		}
		require.ElementsMatch(t, c.groupList(), h.groups.GroupsOf(id))
	}
	require.Len(t, r.clients, len(seen))
	for g, members := range h.groups.members {
		require.NotEmpty(t, members, "empty group %s kept", g)
		for id := range members {
			c, ok := r.connections[id]
			require.True(t, ok, "group %s holds dead connection %s", g, id)
			require.Contains(t, c.groups, g)
		}
	}
}
