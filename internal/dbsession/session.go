// Package dbsession implements the per-connection database query session: a
// small connect → query* → disconnect state machine driven by JSON frames.
package dbsession

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

const DefaultQueryTimeout = 30 * time.Second

const (
	ActionConnect    = "connect"
	ActionQuery      = "query"
	ActionDisconnect = "disconnect"

	StatusSuccess = "success"
	StatusError   = "error"

	ResultSelect = "select"
	ResultDML    = "dml"
)

type State string

const (
	StateDisconnected State = "disconnected"
	StateConnected    State = "connected"
)

var validate = validator.New()

// Request is an inbound DB frame.
type Request struct {
	Action   string          `json:"action"`
	Database string          `json:"database"`
	User     string          `json:"user"`
	Host     string          `json:"host"`
	Port     Port            `json:"port"`
	Password string          `json:"password"`
	ClientID json.RawMessage `json:"client_id,omitempty"`
	Query    string          `json:"query"`
}

// Port accepts a JSON number or a numeric string.
type Port int

func (p *Port) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		*p = 0
		return nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return fmt.Errorf("invalid port %s", data)
	}
	*p = Port(n)
	return nil
}

type StatusReply struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type SelectReply struct {
	Status     string           `json:"status"`
	ResultType string           `json:"result_type"`
	Columns    []string         `json:"columns"`
	Rows       []map[string]any `json:"rows"`
	RowCount   int              `json:"row_count"`
}

type DMLReply struct {
	Status       string `json:"status"`
	ResultType   string `json:"result_type"`
	RowsAffected int64  `json:"rows_affected"`
}

// ErrorReply encodes a {status:"error"} frame.
func ErrorReply(message string) []byte {
	return encode(StatusReply{Status: StatusError, Message: message})
}

// Session owns at most one database handle for one connection. Frames are
// processed one at a time. Close cancels the call in flight before waiting for
// it, so closing never waits out a query timeout.
type Session struct {
	mu        sync.Mutex
	ctx       context.Context
	cancel    context.CancelFunc
	owner     string
	connector Connector
	handle    Handle
	database  string
	timeout   time.Duration
	closed    bool
	log       *slog.Logger
}

func NewSession(owner string, connector Connector, timeout time.Duration, log *slog.Logger) *Session {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ctx:       ctx,
		cancel:    cancel,
		owner:     owner,
		connector: connector,
		timeout:   timeout,
		log:       log.With("connection_id", owner),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return StateDisconnected
	}
	return StateConnected
}

// Process handles one frame and returns the encoded reply. A panic while
// processing is reported as an error reply and closes the handle.
func (s *Session) Process(ctx context.Context, frame []byte) (reply []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Database frame panicked", "panic", r)
			s.releaseLocked()
			reply = ErrorReply(fmt.Sprintf("internal error: %v", r))
		}
	}()

	if s.closed || s.ctx.Err() != nil {
		return ErrorReply(ErrSessionClosed.Error())
	}
	ctx, stop := context.WithCancel(ctx)
	defer stop()
	unlink := context.AfterFunc(s.ctx, stop)
	defer unlink()

	var req Request
	if err := json.Unmarshal(frame, &req); err != nil {
		return ErrorReply("invalid JSON frame: " + err.Error())
	}

	switch req.Action {
	case ActionConnect:
		return s.connect(ctx, req)
	case ActionQuery:
		return s.query(ctx, req.Query)
	case ActionDisconnect:
		return s.disconnect()
	case "":
		return ErrorReply("missing action")
	}
	return ErrorReply(fmt.Sprintf("unknown action: %s", req.Action))
}

func (s *Session) connect(ctx context.Context, req Request) []byte {
	creds := Credentials{
		Host:     req.Host,
		Port:     int(req.Port),
		Database: req.Database,
		User:     req.User,
		Password: req.Password,
	}
	if err := validate.Struct(creds); err != nil {
		return ErrorReply("connect requires database and user")
	}
	// A new connect replaces the current handle.
	s.releaseLocked()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	handle, err := s.connector.Connect(ctx, creds)
	if err != nil {
		s.log.Warn("Database connect failed", "database", creds.Database, "user", creds.User, "error", err)
		return ErrorReply(fmt.Sprintf("failed to connect to database %s: %v", creds.Database, err))
	}
	s.handle = handle
	s.database = creds.Database
	s.log.Info("Database session opened", "database", creds.Database, "user", creds.User, "client_id", string(req.ClientID))
	return encode(StatusReply{Status: StatusSuccess, Message: fmt.Sprintf("connected to database %s", creds.Database)})
}

func (s *Session) query(ctx context.Context, query string) []byte {
	if s.handle == nil {
		return ErrorReply(ErrNotConnected.Error() + ", send a connect action first")
	}
	if strings.TrimSpace(query) == "" {
		return ErrorReply("query is required")
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if IsSelect(query) {
		result, err := s.handle.Query(ctx, query)
		if err != nil {
			return s.fail(query, err)
		}
		return encode(newSelectReply(result))
	}

	affected, err := s.handle.Exec(ctx, query)
	if err != nil {
		return s.fail(query, err)
	}
	if err := s.handle.Commit(); err != nil {
		return s.fail(query, err)
	}
	return encode(DMLReply{Status: StatusSuccess, ResultType: ResultDML, RowsAffected: affected})
}

// fail rolls back the handle and reports err. The session stays connected.
func (s *Session) fail(query string, err error) []byte {
	if rbErr := s.handle.Rollback(); rbErr != nil {
		s.log.Warn("Rollback failed", "error", rbErr)
	}
	s.log.Debug("Query failed", "query", query, "error", err)
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorReply(fmt.Sprintf("query timed out after %s", s.timeout))
	}
	if s.ctx.Err() != nil {
		return ErrorReply(ErrSessionClosed.Error())
	}
	return ErrorReply(err.Error())
}

func (s *Session) disconnect() []byte {
	if s.handle == nil {
		return ErrorReply(ErrNotConnected.Error())
	}
	database := s.database
	if err := s.releaseLocked(); err != nil {
		return ErrorReply(fmt.Sprintf("failed to close database %s: %v", database, err))
	}
	return encode(StatusReply{Status: StatusSuccess, Message: fmt.Sprintf("disconnected from database %s", database)})
}

// Close aborts the call in flight, releases the handle and rejects further
// frames. It is idempotent.
func (s *Session) Close() error {
	s.cancel()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.releaseLocked()
}

func (s *Session) releaseLocked() error {
	if s.handle == nil {
		return nil
	}
	handle := s.handle
	s.handle = nil
	s.database = ""
	err := handle.Close()
	if err != nil {
		s.log.Warn("Failed to close database handle", "error", err)
	} else {
		s.log.Info("Database session closed")
	}
	return err
}

// IsSelect reports whether query is a row-returning SELECT statement.
func IsSelect(query string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(query)), "select")
}

func newSelectReply(r *Result) SelectReply {
	rows := make([]map[string]any, 0, len(r.Rows))
	for _, values := range r.Rows {
		row := make(map[string]any, len(r.Columns))
		for i, col := range r.Columns {
			if i < len(values) {
				row[col] = values[i]
			}
		}
		rows = append(rows, row)
	}
	columns := r.Columns
	if columns == nil {
		columns = []string{}
	}
	return SelectReply{
		Status:     StatusSuccess,
		ResultType: ResultSelect,
		Columns:    columns,
		Rows:       rows,
		RowCount:   len(rows),
	}
}

func encode(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte(`{"status":"error","message":"failed to encode reply"}`)
	}
	return b
}
