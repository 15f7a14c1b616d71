package realtime

import (
	"cmp"
	"errors"
	"fmt"
	"slices"

	"github.com/samber/lo"
)

var (
	ErrDuplicateConnection = errors.New("connection id already registered")
	ErrDuplicateSocket     = errors.New("socket already registered")
	ErrClientIDInUse       = errors.New("client id already connected")
)

// Registry indexes the live Connections by connection id, by socket and by
// client id (numeric, plus the string ↔ numeric alias pair). It owns the
// GroupIndex cascade on removal. Callers serialize access; the Hub does so
// with its own lock.
type Registry struct {
	connections map[string]*Connection // connection id -> connection
	sockets     map[Socket]string      // socket -> connection id
	clients     map[int64]string       // numeric client id -> connection id
	aliases     map[string]int64       // string client id -> numeric client id
	names       map[int64]string       // numeric client id -> string client id
	groups      *GroupIndex
}

func NewRegistry(groups *GroupIndex) *Registry {
	return &Registry{
		connections: make(map[string]*Connection),
		sockets:     make(map[Socket]string),
		clients:     make(map[int64]string),
		aliases:     make(map[string]int64),
		names:       make(map[int64]string),
		groups:      groups,
	}
}

// Insert adds c to every index. Nothing is written when any uniqueness check
// fails.
func (r *Registry) Insert(c *Connection) error {
	if _, ok := r.connections[c.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateConnection, c.ID)
	}
	if _, ok := r.sockets[c.Socket]; ok {
		return ErrDuplicateSocket
	}
	if c.clientID != nil {
		if _, ok := r.clients[c.numericID]; ok {
			return fmt.Errorf("%w: %s", ErrClientIDInUse, c.clientID)
		}
		if !c.clientID.IsNumeric() {
			if _, ok := r.aliases[c.clientID.String()]; ok {
				return fmt.Errorf("%w: %s", ErrClientIDInUse, c.clientID)
			}
		}
	}

	r.connections[c.ID] = c
	r.sockets[c.Socket] = c.ID
	if c.clientID != nil {
		r.clients[c.numericID] = c.ID
		if !c.clientID.IsNumeric() {
			r.aliases[c.clientID.String()] = c.numericID
			r.names[c.numericID] = c.clientID.String()
		}
	}
	return nil
}

func (r *Registry) LookupByConnectionID(id string) (*Connection, bool) {
	c, ok := r.connections[id]
	return c, ok
}

func (r *Registry) LookupBySocket(s Socket) (*Connection, bool) {
	id, ok := r.sockets[s]
	if !ok {
		return nil, false
	}
	return r.LookupByConnectionID(id)
}

// LookupByClientID accepts either form of a client id. String ids resolve
// through their numeric alias.
func (r *Registry) LookupByClientID(raw string) (*Connection, bool) {
	numeric, ok := r.resolveNumeric(raw)
	if !ok {
		return nil, false
	}
	id, ok := r.clients[numeric]
	if !ok {
		return nil, false
	}
	return r.LookupByConnectionID(id)
}

func (r *Registry) resolveNumeric(raw string) (int64, bool) {
	id, err := ParseClientID(raw)
	if err != nil {
		return 0, false
	}
	if n, ok := id.Numeric(); ok {
		return n, true
	}
	n, ok := r.aliases[id.String()]
	return n, ok
}

// StringClientID returns the string form registered for a numeric alias.
func (r *Registry) StringClientID(numeric int64) (string, bool) {
	s, ok := r.names[numeric]
	return s, ok
}

// NumericInUse reports whether n is taken by a live Connection.
func (r *Registry) NumericInUse(n int64) bool {
	_, ok := r.clients[n]
	return ok
}

// RemoveBySocket is the single removal primitive. It clears s from every
// index and from every group.
func (r *Registry) RemoveBySocket(s Socket) (*Connection, bool) {
	id, ok := r.sockets[s]
	if !ok {
		return nil, false
	}
	c := r.connections[id]
	delete(r.sockets, s)
	delete(r.connections, id)
	if c == nil {
		return nil, false
	}
	if c.clientID != nil && r.clients[c.numericID] == id {
		delete(r.clients, c.numericID)
		if name, ok := r.names[c.numericID]; ok {
			delete(r.names, c.numericID)
			delete(r.aliases, name)
		}
	}
	if r.groups != nil {
		r.groups.LeaveAll(c)
	}
	return c, true
}

// Connections returns the live Connections in accept order.
func (r *Registry) Connections() []*Connection {
	conns := lo.Values(r.connections)
	slices.SortFunc(conns, func(a, b *Connection) int {
		return cmp.Compare(a.seq, b.seq)
	})
	return conns
}

// Sockets returns the live sockets in accept order.
func (r *Registry) Sockets() []Socket {
	return lo.Map(r.Connections(), func(c *Connection, _ int) Socket { return c.Socket })
}

func (r *Registry) Len() int {
	return len(r.connections)
}

func (r *Registry) numericIDs() int {
	return len(r.clients)
}
