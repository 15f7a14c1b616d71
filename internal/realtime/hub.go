package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"research-notes-api/internal/dbsession"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

var ErrUnknownConnection = errors.New("connection is not registered")

// SessionFactory opens a DB query session for the connection with the given id.
type SessionFactory func(connectionID string) *dbsession.Session

// ConnectOptions describes a handshake.
type ConnectOptions struct {
	Variant  Variant
	ClientID string // empty for anonymous handshakes
	Group    string // initial group, joined on accept
	UserInfo map[string]any
}

// Hub owns the Registry and the GroupIndex. A single RWMutex makes every
// mutation atomic with respect to snapshots; no socket write happens while it
// is held. stateMu orders state snapshots; the frames themselves are written
// outside it, one Connection at a time, always the newest generation.
type Hub struct {
	mu       sync.RWMutex
	stateMu  sync.Mutex
	stateGen uint64
	state    atomic.Pointer[stateSnapshot]
	registry *Registry
	groups   *GroupIndex
	identity *IdentityResolver
	seq      uint64

	sessions SessionFactory
	log      *slog.Logger
	now      func() time.Time
	newID    func() string
}

type Option func(*hubOptions)

type hubOptions struct {
	min, max int64
	rng      *rand.Rand
	sessions SessionFactory
	now      func() time.Time
	newID    func() string
}

// WithClientIDRange sets the range numeric aliases are drawn from.
func WithClientIDRange(min, max int64) Option {
	return func(o *hubOptions) { o.min, o.max = min, max }
}

// WithRand makes alias allocation deterministic, for tests.
func WithRand(rng *rand.Rand) Option {
	return func(o *hubOptions) { o.rng = rng }
}

func WithSessionFactory(f SessionFactory) Option {
	return func(o *hubOptions) { o.sessions = f }
}

func WithClock(now func() time.Time) Option {
	return func(o *hubOptions) { o.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(o *hubOptions) { o.newID = newID }
}

func NewHub(log *slog.Logger, opts ...Option) (*Hub, error) {
	o := hubOptions{
		min:   DefaultClientIDMin,
		max:   DefaultClientIDMax,
		now:   time.Now,
		newID: uuid.NewString,
	}
	for _, opt := range opts {
		opt(&o)
	}
	identity, err := NewIdentityResolver(o.min, o.max, o.rng)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	groups := NewGroupIndex()
	return &Hub{
		registry: NewRegistry(groups),
		groups:   groups,
		identity: identity,
		sessions: o.sessions,
		log:      log,
		now:      o.now,
		newID:    o.newID,
	}, nil
}

// Connect registers a new Connection for sock, joins its initial group, sends
// the welcome line and then the state frames. A rejected handshake leaves
// every index untouched.
func (h *Hub) Connect(sock Socket, opts ConnectOptions) (*Connection, error) {
	conn := &Connection{
		ID:           h.newID(),
		Socket:       sock,
		Variant:      opts.Variant,
		ConnectedAt:  h.now().UTC(),
		UserInfo:     opts.UserInfo,
		InitialGroup: opts.Group,
		groups:       make(map[string]struct{}),
	}
	conn.ctx, conn.cancel = context.WithCancel(context.Background())

	h.mu.Lock()
	if opts.ClientID != "" {
		id, err := ParseClientID(opts.ClientID)
		if err != nil {
			h.mu.Unlock()
			conn.stop()
			return nil, err
		}
		numeric, err := h.identity.Resolve(id, h.registry.NumericInUse, h.registry.numericIDs())
		if err != nil {
			h.mu.Unlock()
			conn.stop()
			return nil, err
		}
		conn.clientID = &id
		conn.numericID = numeric
	}
	h.seq++
	conn.seq = h.seq
	if err := h.registry.Insert(conn); err != nil {
		h.mu.Unlock()
		conn.stop()
		h.log.Warn("Rejected connection", "connection_id", conn.ID, "client_id", opts.ClientID, "error", err)
		return nil, err
	}
	if opts.Group != "" {
		h.groups.Join(conn, opts.Group)
	}
	total := h.registry.Len()
	h.mu.Unlock()

	h.log.Info("Client connected",
		"connection_id", conn.ID, "client_id", conn.DisplayID(), "variant", conn.Variant, "total", total)

	if welcome := welcomeLine(conn); welcome != "" {
		h.SendPersonal(sock, welcome)
	}
	h.BroadcastState()
	return conn, nil
}

// Disconnect removes the Connection behind sock and reflects the change to
// everyone else. It reports false when sock was already gone.
func (h *Hub) Disconnect(sock Socket) bool {
	if !h.drop(sock) {
		return false
	}
	h.BroadcastState()
	return true
}

// Shutdown drops every Connection without further broadcasts.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	socks := h.registry.Sockets()
	h.mu.RUnlock()
	for _, s := range socks {
		h.drop(s)
	}
}

// drop is the only path that releases a Connection: indices first, then the
// Connection's context and DB handle, then the socket.
func (h *Hub) drop(sock Socket) bool {
	h.mu.Lock()
	conn, ok := h.registry.RemoveBySocket(sock)
	total := h.registry.Len()
	h.mu.Unlock()
	if !ok {
		return false
	}
	conn.stop()
	if err := conn.releaseDB(); err != nil {
		h.log.Warn("Failed to close database handle", "connection_id", conn.ID, "error", err)
	}
	sock.Close()
	h.log.Info("Client disconnected", "connection_id", conn.ID, "client_id", conn.DisplayID(), "total", total)
	return true
}

// evict drops every dead socket and broadcasts the new state once.
func (h *Hub) evict(dead []Socket) {
	removed := lo.CountBy(dead, h.drop)
	if removed > 0 {
		h.BroadcastState()
	}
}

// deliver writes msg to each target and evicts the ones that failed. It
// returns how many writes succeeded.
func (h *Hub) deliver(targets []Socket, msg []byte) int {
	var dead []Socket
	delivered := 0
	for _, s := range targets {
		if s.Send(msg) {
			delivered++
			continue
		}
		dead = append(dead, s)
	}
	h.evict(dead)
	return delivered
}

// SendPersonal writes text to one socket. A failed write evicts it.
func (h *Hub) SendPersonal(sock Socket, text string) bool {
	return h.deliver([]Socket{sock}, []byte(text)) == 1
}

// SendToClient resolves target in either client id form and delivers text.
func (h *Hub) SendToClient(target, text string) bool {
	h.mu.RLock()
	conn, ok := h.registry.LookupByClientID(target)
	h.mu.RUnlock()
	if !ok {
		return false
	}
	return h.SendPersonal(conn.Socket, text)
}

// BroadcastToGroup delivers text to every member of group and returns the
// number of successful deliveries.
func (h *Hub) BroadcastToGroup(group, text string) int {
	return h.deliver(h.groupSockets([]string{group}, ""), []byte(text))
}

// BroadcastToGroups applies BroadcastToGroup to each group in turn.
func (h *Hub) BroadcastToGroups(groups []string, text string) int {
	delivered := 0
	for _, g := range groups {
		delivered += h.BroadcastToGroup(g, text)
	}
	return delivered
}

// BroadcastAll delivers text to every live connection.
func (h *Hub) BroadcastAll(text string) int {
	h.mu.RLock()
	socks := h.registry.Sockets()
	h.mu.RUnlock()
	return h.deliver(socks, []byte(text))
}

// broadcastUnion delivers text once to every member of any of groups, except
// the connection with id skip.
func (h *Hub) broadcastUnion(groups []string, skip, text string) int {
	return h.deliver(h.groupSockets(groups, skip), []byte(text))
}

// broadcastOthers delivers text to every live connection except skip.
func (h *Hub) broadcastOthers(skip, text string) int {
	h.mu.RLock()
	conns := h.registry.Connections()
	h.mu.RUnlock()
	socks := lo.FilterMap(conns, func(c *Connection, _ int) (Socket, bool) {
		return c.Socket, c.ID != skip
	})
	return h.deliver(socks, []byte(text))
}

// groupSockets snapshots the distinct sockets of the members of groups.
func (h *Hub) groupSockets(groups []string, skip string) []Socket {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var ids []string
	for _, g := range groups {
		ids = append(ids, h.groups.Members(g)...)
	}
	ids = lo.Uniq(ids)
	return lo.FilterMap(ids, func(id string, _ int) (Socket, bool) {
		if id == skip {
			return nil, false
		}
		c, ok := h.registry.LookupByConnectionID(id)
		if !ok {
			return nil, false
		}
		return c.Socket, true
	})
}

// Join adds conn to group. It reports false when conn already was a member.
// Join, Leave and LeaveAll leave the state broadcast to the caller so it can
// acknowledge first.
func (h *Hub) Join(conn *Connection, group string) (bool, error) {
	h.mu.Lock()
	if _, ok := h.registry.LookupByConnectionID(conn.ID); !ok {
		h.mu.Unlock()
		return false, ErrUnknownConnection
	}
	added := h.groups.Join(conn, group)
	h.mu.Unlock()
	return added, nil
}

// Leave removes conn from group. It reports false for non-members.
func (h *Hub) Leave(conn *Connection, group string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.groups.Leave(conn, group)
}

// LeaveAll removes conn from every group and returns the groups it left.
func (h *Hub) LeaveAll(conn *Connection) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.groups.LeaveAll(conn)
}

// GroupsOf returns the groups conn currently belongs to.
func (h *Hub) GroupsOf(conn *Connection) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return conn.groupList()
}

// Roster returns the client roster snapshot.
func (h *Hub) Roster() []ClientRecord {
	h.mu.RLock()
	defer h.mu.RUnlock()
	roster, _ := h.snapshotLocked()
	return roster
}

// Groups returns the group summary snapshot.
func (h *Hub) Groups() []GroupSummary {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.groups.Summary()
}

// GroupMembers returns the roster records of group's members, or false when
// the group does not exist.
func (h *Hub) GroupMembers(group string) ([]ClientRecord, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if !h.groups.Exists(group) {
		return nil, false
	}
	return lo.FilterMap(h.groups.Members(group), func(id string, _ int) (ClientRecord, bool) {
		c, ok := h.registry.LookupByConnectionID(id)
		if !ok {
			return ClientRecord{}, false
		}
		return newClientRecord(c), true
	}), true
}

// Lookup resolves a client id in either form.
func (h *Hub) Lookup(clientID string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.registry.LookupByClientID(clientID)
}

// Stats reports the number of live connections and groups.
func (h *Hub) Stats() (connections, groups int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.registry.Len(), h.groups.Len()
}

// BroadcastState pushes the client_list and group_info frames, built from a
// single snapshot, to every live connection.
func (h *Hub) BroadcastState() {
	h.evict(h.pushState())
}

// stateSnapshot is one generation of encoded state frames.
type stateSnapshot struct {
	gen     uint64
	clients []byte
	info    []byte
}

func (h *Hub) pushState() []Socket {
	h.stateMu.Lock()
	h.mu.RLock()
	roster, groups := h.snapshotLocked()
	conns := h.registry.Connections()
	h.mu.RUnlock()

	clients, info, err := stateFrames(roster, groups)
	if err != nil {
		h.stateMu.Unlock()
		h.log.Error("Failed to encode state frames", "error", err)
		return nil
	}
	h.stateGen++
	h.state.Store(&stateSnapshot{gen: h.stateGen, clients: clients, info: info})
	h.stateMu.Unlock()

	var dead []Socket
	for _, c := range conns {
		if !h.sendState(c) {
			dead = append(dead, c.Socket)
		}
	}
	return dead
}

// sendState writes the newest state frames to c unless c already has them.
// A broadcaster that finds newer frames than its own sends those instead, so
// the last state a client receives is always the latest.
func (h *Hub) sendState(c *Connection) bool {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	snap := h.state.Load()
	if snap == nil || snap.gen <= c.stateGen {
		return true
	}
	if !c.Socket.Send(snap.clients) || !c.Socket.Send(snap.info) {
		return false
	}
	c.stateGen = snap.gen
	return true
}

func welcomeLine(c *Connection) string {
	switch c.Variant {
	case VariantDatabase:
		return ""
	case VariantAnonymous:
		return fmt.Sprintf("Welcome! Connected anonymously as %s", c.ID)
	case VariantAuthenticated:
		return fmt.Sprintf("Welcome %s! Authenticated connection %s", c.DisplayID(), c.ID)
	}
	line := fmt.Sprintf("Welcome %s! Connection %s", c.DisplayID(), c.ID)
	if original, ok := c.OriginalClientID(); ok && !original.IsNumeric() {
		line += fmt.Sprintf(" (client id %s, numeric alias %d)", original, c.numericID)
	} else if ok {
		line += fmt.Sprintf(" (client id %d)", c.numericID)
	}
	if c.InitialGroup != "" {
		line += fmt.Sprintf(", joined group %s", c.InitialGroup)
	}
	return line
}
