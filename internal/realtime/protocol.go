package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"research-notes-api/internal/dbsession"

	"github.com/samber/lo"
)

const (
	cmdSendTo       = "/send_to"
	cmdJoin         = "/join"
	cmdLeave        = "/leave"
	cmdLeaveAll     = "/leave_all"
	cmdMyGroups     = "/my_groups"
	cmdGroup        = "/group"
	cmdGroups       = "/groups"
	cmdGroupMembers = "/group_members"
)

// HandleFrame processes one inbound frame from conn. JSON objects carrying an
// "action" key go to the connection's DB session; everything else is parsed as
// a command or chat line. State frames always follow the acknowledgement.
func (h *Hub) HandleFrame(ctx context.Context, conn *Connection, frame []byte) {
	if conn.Variant == VariantDatabase || isActionFrame(frame) {
		h.handleDBFrame(ctx, conn, frame)
		return
	}
	text := strings.TrimSpace(string(frame))
	if text == "" {
		h.ack(conn, "error: empty message")
		return
	}
	if !strings.HasPrefix(text, "/") {
		h.chat(conn, text)
		return
	}

	cmd, rest := cutWord(text)
	switch cmd {
	case cmdSendTo:
		h.sendTo(conn, rest)
	case cmdJoin:
		h.join(conn, rest)
	case cmdLeave:
		h.leave(conn, rest)
	case cmdLeaveAll:
		h.leaveAll(conn)
	case cmdMyGroups:
		h.myGroups(conn)
	case cmdGroup:
		h.groupMessage(conn, rest)
	case cmdGroups:
		h.listGroups(conn)
	case cmdGroupMembers:
		h.groupMembers(conn, rest)
	default:
		h.ack(conn, "error: unknown command %s", cmd)
	}
}

// ack answers conn with a line attributed to conn's display id.
func (h *Hub) ack(conn *Connection, format string, args ...any) bool {
	return h.SendPersonal(conn.Socket, fmt.Sprintf("Client %s: ", conn.DisplayID())+fmt.Sprintf(format, args...))
}

func (h *Hub) sendTo(conn *Connection, args string) {
	target, msg := cutWord(args)
	if target == "" || msg == "" {
		h.ack(conn, "error: usage: %s <client_id> <message>", cmdSendTo)
		return
	}
	if h.SendToClient(target, fmt.Sprintf("Private message from %s: %s", conn.DisplayID(), msg)) {
		h.ack(conn, "private message delivered to %s", target)
		return
	}
	h.ack(conn, "error: client %s not found", target)
}

func (h *Hub) join(conn *Connection, args string) {
	group, extra := cutWord(args)
	if group == "" || extra != "" {
		h.ack(conn, "error: usage: %s <group>", cmdJoin)
		return
	}
	added, err := h.Join(conn, group)
	if err != nil {
		h.log.Warn("Join on unregistered connection", "connection_id", conn.ID, "group", group)
		return
	}
	if !added {
		h.ack(conn, "already a member of group %s", group)
		return
	}
	h.ack(conn, "joined group %s", group)
	h.BroadcastState()
}

func (h *Hub) leave(conn *Connection, args string) {
	group, extra := cutWord(args)
	if group == "" || extra != "" {
		h.ack(conn, "error: usage: %s <group>", cmdLeave)
		return
	}
	if !h.Leave(conn, group) {
		h.ack(conn, "not a member of group %s", group)
		return
	}
	h.ack(conn, "left group %s", group)
	h.BroadcastState()
}

func (h *Hub) leaveAll(conn *Connection) {
	left := h.LeaveAll(conn)
	if len(left) == 0 {
		h.ack(conn, "not in any group")
		return
	}
	h.ack(conn, "left all groups: %s", strings.Join(left, ", "))
	h.BroadcastState()
}

func (h *Hub) myGroups(conn *Connection) {
	groups := h.GroupsOf(conn)
	if len(groups) == 0 {
		h.ack(conn, "not in any group")
		return
	}
	h.ack(conn, "your groups: %s", strings.Join(groups, ", "))
}

func (h *Hub) groupMessage(conn *Connection, msg string) {
	if msg == "" {
		h.ack(conn, "error: usage: %s <message>", cmdGroup)
		return
	}
	groups := h.GroupsOf(conn)
	if len(groups) == 0 {
		h.ack(conn, "error: you are not in any group, use %s <group> first", cmdJoin)
		return
	}
	n := h.broadcastUnion(groups, conn.ID, fmt.Sprintf("Group message from %s [%s]: %s",
		conn.DisplayID(), strings.Join(groups, ", "), msg))
	h.ack(conn, "group message delivered to %d member(s) of %s", n, strings.Join(groups, ", "))
}

func (h *Hub) listGroups(conn *Connection) {
	summary, err := json.Marshal(h.Groups())
	if err != nil {
		h.ack(conn, "error: %v", err)
		return
	}
	h.ack(conn, "groups: %s", summary)
}

func (h *Hub) groupMembers(conn *Connection, args string) {
	group, extra := cutWord(args)
	if group == "" || extra != "" {
		h.ack(conn, "error: usage: %s <group>", cmdGroupMembers)
		return
	}
	members, ok := h.GroupMembers(group)
	if !ok {
		h.ack(conn, "error: group %s not found", group)
		return
	}
	names := lo.Map(members, func(rec ClientRecord, _ int) string { return recordDisplayID(rec) })
	h.ack(conn, "members of %s: %s", group, strings.Join(names, ", "))
}

// chat echoes text to the sender, then fans it out to the sender's groups.
// Ungrouped senders reach everyone, or their initial group when they
// connected with one.
func (h *Hub) chat(conn *Connection, text string) {
	if !h.ack(conn, "message sent: %s", text) {
		return
	}
	line := fmt.Sprintf("%s: %s", conn.DisplayID(), text)
	if groups := h.GroupsOf(conn); len(groups) > 0 {
		h.broadcastUnion(groups, conn.ID, line)
		return
	}
	if conn.InitialGroup != "" {
		h.broadcastUnion([]string{conn.InitialGroup}, conn.ID, line)
		return
	}
	h.broadcastOthers(conn.ID, line)
}

func (h *Hub) handleDBFrame(ctx context.Context, conn *Connection, frame []byte) {
	session := conn.session(h.sessions)
	if session == nil {
		h.SendPersonal(conn.Socket, string(dbsession.ErrorReply("database sessions are not available")))
		return
	}
	h.SendPersonal(conn.Socket, string(session.Process(ctx, frame)))
}

func isActionFrame(frame []byte) bool {
	trimmed := bytes.TrimSpace(frame)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	var probe struct {
		Action *string `json:"action"`
	}
	return json.Unmarshal(trimmed, &probe) == nil && probe.Action != nil
}

// recordDisplayID mirrors Connection.DisplayID for a roster record.
func recordDisplayID(rec ClientRecord) string {
	if rec.IDMapping != nil {
		return rec.IDMapping.StringID
	}
	if rec.ClientID != nil {
		return fmt.Sprint(*rec.ClientID)
	}
	if name, ok := rec.UserInfo["username"].(string); ok && name != "" {
		return name
	}
	return rec.ConnectionID
}

// cutWord splits s into its first whitespace-separated word and the trimmed
// remainder.
func cutWord(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexFunc(s, func(r rune) bool { return r == ' ' || r == '\t' || r == '\n' })
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i:])
}
