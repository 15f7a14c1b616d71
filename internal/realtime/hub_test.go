package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"research-notes-api/internal/dbsession"

	"github.com/stretchr/testify/require"
)

func TestHub_ConnectAnonymous(t *testing.T) {
	h := newTestHub(t)
	conn, sock := connect(t, h, "anon", ConnectOptions{Variant: VariantAnonymous})

	frames := sock.all()
	require.Len(t, frames, 3)
	require.Equal(t, "Welcome! Connected anonymously as conn-1", frames[0])
	require.JSONEq(t, `{"type":"client_list","clients":[{"connection_id":"conn-1","groups":[],"connected_at":"2025-01-02T03:04:05Z"}]}`, frames[1])
	require.JSONEq(t, `{"type":"group_info","groups":[]}`, frames[2])

	_, ok := conn.NumericClientID()
	require.False(t, ok)
	require.Equal(t, "conn-1", conn.DisplayID())
}

func TestHub_ConnectIdentified(t *testing.T) {
	h := newTestHub(t)
	alice, aliceSock := connect(t, h, "alice", identified("alice"))
	_, sevenSock := connect(t, h, "seven", identified("7"))

	numeric, ok := alice.NumericClientID()
	require.True(t, ok)
	require.GreaterOrEqual(t, numeric, DefaultClientIDMin)
	require.LessOrEqual(t, numeric, DefaultClientIDMax)
	require.Equal(t, []string{fmt.Sprintf("Welcome alice! Connection conn-1 (client id alice, numeric alias %d)", numeric)}, aliceSock.texts())
	require.Equal(t, []string{"Welcome 7! Connection conn-2 (client id 7)"}, sevenSock.texts())

	roster := sevenSock.lastClientList(t).Clients
	require.Len(t, roster, 2)
	require.Equal(t, numeric, *roster[0].ClientID)
	require.Equal(t, &IDMapping{StringID: "alice", NumericID: numeric}, roster[0].IDMapping)
	require.Equal(t, int64(7), *roster[1].ClientID)
	require.Nil(t, roster[1].IDMapping)

	// The first socket sees the second connect too.
	require.Len(t, aliceSock.lastClientList(t).Clients, 2)
	checkIndices(t, h)
}

func TestHub_ConnectWithInitialGroup(t *testing.T) {
	h := newTestHub(t)
	_, sock := connect(t, h, "g", ConnectOptions{Variant: VariantGrouped, ClientID: "9", Group: "lab"})

	require.Equal(t, []string{"Welcome 9! Connection conn-1 (client id 9), joined group lab"}, sock.texts())
	require.Equal(t, []GroupSummary{{Name: "lab", MemberCount: 1}}, sock.lastGroupInfo(t).Groups)
	require.Equal(t, []string{"lab"}, sock.lastClientList(t).Clients[0].Groups)
}

func TestHub_ConnectAuthenticated(t *testing.T) {
	h := newTestHub(t)
	conn, sock := connect(t, h, "auth", ConnectOptions{
		Variant:  VariantAuthenticated,
		UserInfo: map[string]any{"user_id": 3, "username": "dana", "email": "dana@example.com"},
	})

	require.Equal(t, []string{"Welcome dana! Authenticated connection conn-1"}, sock.texts())
	require.Equal(t, "dana", conn.DisplayID())
	rec := sock.lastClientList(t).Clients[0]
	require.Equal(t, "dana", rec.UserInfo["username"])
	require.Nil(t, rec.ClientID)
}

func TestHub_ConnectDatabaseHasNoWelcome(t *testing.T) {
	h := newTestHub(t)
	_, sock := connect(t, h, "db", ConnectOptions{Variant: VariantDatabase})

	require.Empty(t, sock.texts())
	require.Len(t, sock.states(), 2)
}

func TestHub_RejectsDuplicateClientID(t *testing.T) {
	h := newTestHub(t)
	_, first := connect(t, h, "first", identified("7"))
	before := len(first.all())

	rejected := newFakeSocket("second")
	_, err := h.Connect(rejected, identified("7"))
	require.ErrorIs(t, err, ErrClientIDInUse)

	_, err = h.Connect(newFakeSocket("third"), ConnectOptions{Variant: VariantIdentified, ClientID: "  "})
	require.ErrorIs(t, err, ErrEmptyClientID)

	require.Empty(t, rejected.all())
	require.Len(t, first.all(), before, "a rejected handshake must not broadcast state")
	conns, groups := h.Stats()
	require.Equal(t, 1, conns)
	require.Zero(t, groups)
	checkIndices(t, h)
}

func TestHub_RejectsDuplicateStringClientID(t *testing.T) {
	h := newTestHub(t)
	connect(t, h, "a", identified("alice"))

	_, err := h.Connect(newFakeSocket("b"), identified("alice"))
	require.ErrorIs(t, err, ErrClientIDInUse)
	require.Len(t, h.Roster(), 1)
}

func TestHub_IdentityExhausted(t *testing.T) {
	h := newTestHub(t, WithClientIDRange(1, 1))
	connect(t, h, "a", identified("alice"))

	_, err := h.Connect(newFakeSocket("b"), identified("bob"))
	require.ErrorIs(t, err, ErrIdentityExhausted)
}

func TestHub_BroadcastStateIsStable(t *testing.T) {
	h := newTestHub(t)
	conn, sock := connect(t, h, "a", identified("alice"))
	_, err := h.Join(conn, "room")
	require.NoError(t, err)

	sock.reset()
	h.BroadcastState()
	h.BroadcastState()

	frames := sock.all()
	require.Len(t, frames, 4)
	require.Equal(t, frames[0], frames[2])
	require.Equal(t, frames[1], frames[3])
}

func TestHub_DeadSocketEvictedDuringFanOut(t *testing.T) {
	h := newTestHub(t)
	_, a := connect(t, h, "a", identified("a"))
	_, b := connect(t, h, "b", identified("b"))
	_, c := connect(t, h, "c", identified("c"))

	b.kill()
	delivered := h.BroadcastAll("announcement")

	require.Equal(t, 2, delivered)
	require.True(t, b.isClosed())
	require.Contains(t, a.texts(), "announcement")
	require.Contains(t, c.texts(), "announcement")

	roster := a.lastClientList(t).Clients
	require.Len(t, roster, 2)
	for _, rec := range roster {
		require.NotEqual(t, "conn-2", rec.ConnectionID)
	}
	_, ok := h.Lookup("b")
	require.False(t, ok)
	checkIndices(t, h)
}

func TestHub_DisconnectIsIdempotent(t *testing.T) {
	h := newTestHub(t)
	conn, sock := connect(t, h, "a", ConnectOptions{Variant: VariantGrouped, ClientID: "a", Group: "room"})
	_, other := connect(t, h, "b", identified("b"))

	require.True(t, h.Disconnect(sock))
	require.True(t, sock.isClosed())
	require.False(t, h.Disconnect(sock))

	require.Len(t, other.lastClientList(t).Clients, 1)
	require.Empty(t, other.lastGroupInfo(t).Groups)
	require.Empty(t, conn.groupList())

	_, err := h.Join(conn, "room")
	require.ErrorIs(t, err, ErrUnknownConnection)
	checkIndices(t, h)
}

func TestHub_SendToClient(t *testing.T) {
	h := newTestHub(t)
	alice, aliceSock := connect(t, h, "a", identified("alice"))
	numeric, _ := alice.NumericClientID()

	require.True(t, h.SendToClient("alice", "by name"))
	require.True(t, h.SendToClient(fmt.Sprint(numeric), "by alias"))
	require.False(t, h.SendToClient("nobody", "lost"))
	require.Equal(t, []string{"by name", "by alias"}, aliceSock.texts()[1:])
}

func TestHub_BroadcastToGroups(t *testing.T) {
	h := newTestHub(t)
	a, aSock := connect(t, h, "a", identified("a"))
	b, bSock := connect(t, h, "b", identified("b"))
	_, cSock := connect(t, h, "c", identified("c"))
	h.Join(a, "x")
	h.Join(a, "y")
	h.Join(b, "y")

	require.Equal(t, 1, h.BroadcastToGroup("x", "to x"))
	require.Equal(t, 0, h.BroadcastToGroup("nope", "to nobody"))
	require.Equal(t, 3, h.BroadcastToGroups([]string{"x", "y"}, "to both"))

	require.Equal(t, []string{"to x", "to both", "to both"}, aSock.texts()[1:])
	require.Equal(t, []string{"to both"}, bSock.texts()[1:])
	require.Len(t, cSock.texts(), 1)
}

func TestHub_GroupMembers(t *testing.T) {
	h := newTestHub(t)
	a, _ := connect(t, h, "a", identified("a"))
	b, _ := connect(t, h, "b", identified("b"))
	h.Join(a, "room")
	h.Join(b, "room")

	members, ok := h.GroupMembers("room")
	require.True(t, ok)
	require.Len(t, members, 2)
	require.Equal(t, "conn-1", members[0].ConnectionID)

	_, ok = h.GroupMembers("missing")
	require.False(t, ok)
	require.Equal(t, []GroupSummary{{Name: "room", MemberCount: 2}}, h.Groups())
}

func TestHub_RosterMatchesLastClientList(t *testing.T) {
	h := newTestHub(t)
	a, aSock := connect(t, h, "a", identified("alice"))
	connect(t, h, "b", identified("42"))
	h.Join(a, "room")
	h.BroadcastState()

	want, err := json.Marshal(h.Roster())
	require.NoError(t, err)
	got, err := json.Marshal(aSock.lastClientList(t).Clients)
	require.NoError(t, err)
	require.JSONEq(t, string(want), string(got))
}

func TestHub_Shutdown(t *testing.T) {
	h := newTestHub(t)
	_, a := connect(t, h, "a", identified("a"))
	_, b := connect(t, h, "b", identified("b"))
	before := len(a.all())

	h.Shutdown()

	require.True(t, a.isClosed())
	require.True(t, b.isClosed())
	require.Len(t, a.all(), before)
	require.Empty(t, h.Roster())
}

// stallingHandle is a DB handle whose queries run until their context ends.
type stallingHandle struct {
	started chan struct{}
}

func (h *stallingHandle) Query(ctx context.Context, _ string) (*dbsession.Result, error) {
	close(h.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

func (h *stallingHandle) Exec(ctx context.Context, _ string) (int64, error) {
	<-ctx.Done()
	return 0, ctx.Err()
}

func (h *stallingHandle) Commit() error   { return nil }
func (h *stallingHandle) Rollback() error { return nil }
func (h *stallingHandle) Close() error    { return nil }

type stallingConnector struct {
	handle *stallingHandle
}

func (c stallingConnector) Connect(context.Context, dbsession.Credentials) (dbsession.Handle, error) {
	return c.handle, nil
}

func TestHub_DisconnectDoesNotWaitForRunningQuery(t *testing.T) {
	handle := &stallingHandle{started: make(chan struct{})}
	h := newTestHub(t, WithSessionFactory(func(id string) *dbsession.Session {
		return dbsession.NewSession(id, stallingConnector{handle: handle}, time.Minute, nil)
	}))
	conn, sock := connect(t, h, "db", ConnectOptions{Variant: VariantDatabase})
	send(h, conn, `{"action":"connect","database":"d","user":"u"}`)

	done := make(chan struct{})
	go func() {
		defer close(done)
		send(h, conn, `{"action":"query","query":"select pg_sleep(3600)"}`)
	}()
	<-handle.started

	start := time.Now()
	require.True(t, h.Disconnect(sock))
	require.Less(t, time.Since(start), 2*time.Second)
	require.Error(t, conn.Context().Err())

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("query kept running after disconnect")
	}
	require.Empty(t, h.Roster())
}

func TestHub_ReleasesDBSessionOnDisconnect(t *testing.T) {
	var (
		mu       sync.Mutex
		sessions []*dbsession.Session
	)
	h := newTestHub(t, WithSessionFactory(func(id string) *dbsession.Session {
		s := dbsession.NewSession(id, dbsession.GormConnector{}, 0, nil)
		mu.Lock()
		sessions = append(sessions, s)
		mu.Unlock()
		return s
	}))
	conn, sock := connect(t, h, "db", ConnectOptions{Variant: VariantDatabase})

	send(h, conn, `{"action":"connect","database":"d","user":"u"}`)
	require.JSONEq(t, `{"status":"success","message":"connected to database d"}`, sock.texts()[0])
	require.Len(t, sessions, 1)
	require.Equal(t, dbsession.StateConnected, sessions[0].State())

	require.True(t, h.Disconnect(sock))
	require.Equal(t, dbsession.StateDisconnected, sessions[0].State())

	// No new session is opened for a released connection.
	require.Nil(t, conn.session(h.sessions))
	require.Len(t, sessions, 1)
}

func TestHub_ConcurrentMutations(t *testing.T) {
	h := newTestHub(t)
	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sock := newFakeSocket(fmt.Sprint(i))
			conn, err := h.Connect(sock, identified(fmt.Sprintf("user-%d", i)))
			if err != nil {
				return
			}
			ctx := context.Background()
			h.HandleFrame(ctx, conn, []byte("/join shared"))
			h.HandleFrame(ctx, conn, []byte(fmt.Sprintf("/join g%d", i%3)))
			h.HandleFrame(ctx, conn, []byte("/group hi"))
			if i%2 == 0 {
				h.HandleFrame(ctx, conn, []byte("/leave_all"))
				h.Disconnect(sock)
			}
		}()
	}
	wg.Wait()

	checkIndices(t, h)
	conns, _ := h.Stats()
	require.Equal(t, 10, conns)
	members, ok := h.GroupMembers("shared")
	require.True(t, ok)
	require.Len(t, members, 10)
}

// gatedSocket blocks every write while held, like a peer whose TCP window is
// full.
type gatedSocket struct {
	*fakeSocket
	mu      sync.Mutex
	gate    chan struct{}
	entered chan struct{}
}

func newGatedSocket(name string) *gatedSocket {
	return &gatedSocket{fakeSocket: newFakeSocket(name), entered: make(chan struct{}, 1)}
}

func (g *gatedSocket) Send(message []byte) bool {
	g.mu.Lock()
	gate := g.gate
	g.mu.Unlock()
	if gate != nil {
		select {
		case g.entered <- struct{}{}:
		default:
		}
		<-gate
	}
	return g.fakeSocket.Send(message)
}

func (g *gatedSocket) hold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gate = make(chan struct{})
}

func (g *gatedSocket) release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	close(g.gate)
	g.gate = nil
}

func TestHub_SlowPeerDoesNotSerializeStateBroadcasts(t *testing.T) {
	h := newTestHub(t)
	bConn, b := connect(t, h, "b", identified("b"))
	slow := newGatedSocket("slow")
	_, err := h.Connect(slow, identified("slow"))
	require.NoError(t, err)

	slow.hold()
	first := make(chan struct{})
	go func() {
		defer close(first)
		h.BroadcastState()
	}()
	<-slow.entered

	added, err := h.Join(bConn, "lab")
	require.NoError(t, err)
	require.True(t, added)
	second := make(chan struct{})
	go func() {
		defer close(second)
		h.BroadcastState()
	}()

	require.Eventually(t, func() bool {
		states := b.states()
		return len(states) > 0 && strings.Contains(states[len(states)-1], `"name":"lab"`)
	}, time.Second, 5*time.Millisecond)

	slow.release()
	<-first
	<-second
	require.Equal(t, []GroupSummary{{Name: "lab", MemberCount: 1}}, slow.lastGroupInfo(t).Groups)
	require.Equal(t, []GroupSummary{{Name: "lab", MemberCount: 1}}, b.lastGroupInfo(t).Groups)
}
