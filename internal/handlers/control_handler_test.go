package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"research-notes-api/internal/realtime"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"
)

// recordingSocket is an in-process realtime.Socket.
type recordingSocket struct {
	frames []string
}

func (s *recordingSocket) Send(message []byte) bool {
	s.frames = append(s.frames, string(message))
	return true
}

func (s *recordingSocket) Close() {}

func setupControlRouter(t *testing.T) (*gin.Engine, *realtime.Hub) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	hub, err := realtime.NewHub(nil)
	require.NoError(t, err)
	ctl := NewControlHandler(hub, nil)

	r := gin.New()
	r.GET("/ws/clients", ctl.ListClients)
	r.GET("/ws/groups", ctl.ListGroups)
	r.GET("/ws/groups/:group", ctl.GroupMembers)
	r.POST("/ws/send_to/:client_id", ctl.SendToClient)
	r.POST("/ws/broadcast_to_group/:group", ctl.BroadcastToGroup)
	return r, hub
}

func serve(r *gin.Engine, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestControl_EmptyHub(t *testing.T) {
	r, _ := setupControlRouter(t)

	w := serve(r, http.MethodGet, "/ws/clients", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"clients":[]}`, w.Body.String())

	w = serve(r, http.MethodGet, "/ws/groups", "")
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"groups":[]}`, w.Body.String())

	w = serve(r, http.MethodGet, "/ws/groups/nope", "")
	require.Equal(t, http.StatusNotFound, w.Code)
}

func TestControl_ListsRosterAndGroups(t *testing.T) {
	r, hub := setupControlRouter(t)
	conn, err := hub.Connect(&recordingSocket{}, realtime.ConnectOptions{Variant: realtime.VariantGrouped, ClientID: "5", Group: "lab"})
	require.NoError(t, err)

	w := serve(r, http.MethodGet, "/ws/clients", "")
	var clients struct {
		Clients []realtime.ClientRecord `json:"clients"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &clients))
	require.Len(t, clients.Clients, 1)
	require.Equal(t, conn.ID, clients.Clients[0].ConnectionID)
	require.Equal(t, int64(5), *clients.Clients[0].ClientID)
	require.Equal(t, []string{"lab"}, clients.Clients[0].Groups)

	w = serve(r, http.MethodGet, "/ws/groups", "")
	require.JSONEq(t, `{"groups":[{"name":"lab","member_count":1}]}`, w.Body.String())

	w = serve(r, http.MethodGet, "/ws/groups/lab", "")
	require.Equal(t, http.StatusOK, w.Code)
	var members GroupMembersResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &members))
	require.Equal(t, "lab", members.Group)
	require.Len(t, members.Members, 1)
}

func TestControl_SendToClient(t *testing.T) {
	r, hub := setupControlRouter(t)
	sock := &recordingSocket{}
	_, err := hub.Connect(sock, realtime.ConnectOptions{Variant: realtime.VariantIdentified, ClientID: "bob"})
	require.NoError(t, err)

	w := serve(r, http.MethodPost, "/ws/send_to/bob", `{"message":"ping"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"success","message":"message sent to client bob"}`, w.Body.String())
	require.Equal(t, ServerMessagePrefix+"ping", sock.frames[len(sock.frames)-1])

	w = serve(r, http.MethodPost, "/ws/send_to/nobody", `{"message":"ping"}`)
	require.Equal(t, http.StatusNotFound, w.Code)
	require.JSONEq(t, `{"status":"error","message":"client nobody not found"}`, w.Body.String())

	w = serve(r, http.MethodPost, "/ws/send_to/bob", `{}`)
	require.Equal(t, http.StatusBadRequest, w.Code)

	w = serve(r, http.MethodPost, "/ws/send_to/bob", `not json`)
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestControl_BroadcastToGroup(t *testing.T) {
	r, hub := setupControlRouter(t)
	in, out := &recordingSocket{}, &recordingSocket{}
	_, err := hub.Connect(in, realtime.ConnectOptions{Variant: realtime.VariantGrouped, ClientID: "1", Group: "lab"})
	require.NoError(t, err)
	_, err = hub.Connect(out, realtime.ConnectOptions{Variant: realtime.VariantIdentified, ClientID: "2"})
	require.NoError(t, err)
	outBefore := len(out.frames)

	w := serve(r, http.MethodPost, "/ws/broadcast_to_group/lab", `{"message":"standup"}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.JSONEq(t, `{"status":"success","message":"message broadcast to 1 member(s) of group lab"}`, w.Body.String())
	require.Equal(t, ServerMessagePrefix+"standup", in.frames[len(in.frames)-1])
	require.Len(t, out.frames, outBefore)

	w = serve(r, http.MethodPost, "/ws/broadcast_to_group/empty", `{"message":"standup"}`)
	require.Equal(t, http.StatusNotFound, w.Code)
}
