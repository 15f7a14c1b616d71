package realtime

import (
	"context"
	"strconv"
	"sync"
	"time"

	"research-notes-api/internal/dbsession"
)

// Socket is the transport end of a Connection. The websocket handler provides
// the real implementation; Send must be safe for concurrent callers.
type Socket interface {
	Send(message []byte) bool
	Close()
}

// Variant identifies the handshake a Connection was accepted through.
type Variant string

const (
	VariantAnonymous     Variant = "anonymous"
	VariantIdentified    Variant = "identified"
	VariantGrouped       Variant = "grouped"
	VariantAuthenticated Variant = "authenticated"
	VariantDatabase      Variant = "database"
)

// Connection is one live socket plus its per-socket state.
type Connection struct {
	ID           string
	Socket       Socket
	Variant      Variant
	ConnectedAt  time.Time
	UserInfo     map[string]any
	InitialGroup string

	ctx    context.Context
	cancel context.CancelFunc

	clientID   *ClientID
	numericID  int64
	seq        uint64
	groups     map[string]struct{} // guarded by the Hub lock
	stateMu  sync.Mutex
	stateGen uint64 // last state generation delivered, guarded by stateMu

	dbMu       sync.Mutex
	db         *dbsession.Session
	dbReleased bool
}

// NumericClientID returns the numeric client id when the client supplied one.
func (c *Connection) NumericClientID() (int64, bool) {
	return c.numericID, c.clientID != nil
}

// OriginalClientID returns the id exactly as the client supplied it.
func (c *Connection) OriginalClientID() (ClientID, bool) {
	if c.clientID == nil {
		return ClientID{}, false
	}
	return *c.clientID, true
}

// DisplayID is the name used to attribute messages: the string client id when
// known, then the numeric one, then the authenticated username, then the
// connection id.
func (c *Connection) DisplayID() string {
	if c.clientID != nil {
		if !c.clientID.IsNumeric() {
			return c.clientID.String()
		}
		return strconv.FormatInt(c.numericID, 10)
	}
	if name, ok := c.UserInfo["username"].(string); ok && name != "" {
		return name
	}
	return c.ID
}

// Context is done once the Connection has been dropped. Work done on behalf
// of the Connection, such as DB queries, runs under it.
func (c *Connection) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c *Connection) stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

func (c *Connection) groupList() []string {
	return sortedKeys(c.groups)
}

// session returns the Connection's DB session, creating it on first use. It
// returns nil once the Connection has released its resources.
func (c *Connection) session(factory SessionFactory) *dbsession.Session {
	c.dbMu.Lock()
	defer c.dbMu.Unlock()
	if c.dbReleased || factory == nil {
		return nil
	}
	if c.db == nil {
		c.db = factory(c.ID)
	}
	return c.db
}

// releaseDB closes the DB session, if any, and prevents a new one from being
// opened. It is idempotent.
func (c *Connection) releaseDB() error {
	c.dbMu.Lock()
	defer c.dbMu.Unlock()
	c.dbReleased = true
	if c.db == nil {
		return nil
	}
	db := c.db
	c.db = nil
	return db.Close()
}
