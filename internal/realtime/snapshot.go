package realtime

import (
	"encoding/json"
	"time"

	"github.com/samber/lo"
)

const (
	FrameClientList = "client_list"
	FrameGroupInfo  = "group_info"
)

// IDMapping pairs the two forms of a string client id.
type IDMapping struct {
	StringID  string `json:"string_id"`
	NumericID int64  `json:"numeric_id"`
}

// ClientRecord is one roster entry. Field order is part of the wire format.
type ClientRecord struct {
	ConnectionID     string         `json:"connection_id"`
	ClientID         *int64         `json:"client_id,omitempty"`
	OriginalClientID *ClientID      `json:"original_client_id,omitempty"`
	Groups           []string       `json:"groups"`
	ConnectedAt      time.Time      `json:"connected_at"`
	UserInfo         map[string]any `json:"user_info,omitempty"`
	IDMapping        *IDMapping     `json:"id_mapping,omitempty"`
}

type GroupSummary struct {
	Name        string `json:"name"`
	MemberCount int    `json:"member_count"`
}

type ClientListFrame struct {
	Type    string         `json:"type"`
	Clients []ClientRecord `json:"clients"`
}

type GroupInfoFrame struct {
	Type   string         `json:"type"`
	Groups []GroupSummary `json:"groups"`
}

func newClientRecord(c *Connection) ClientRecord {
	rec := ClientRecord{
		ConnectionID: c.ID,
		Groups:       c.groupList(),
		ConnectedAt:  c.ConnectedAt,
		UserInfo:     c.UserInfo,
	}
	if original, ok := c.OriginalClientID(); ok {
		rec.ClientID = lo.ToPtr(c.numericID)
		rec.OriginalClientID = &original
		if !original.IsNumeric() {
			rec.IDMapping = &IDMapping{StringID: original.String(), NumericID: c.numericID}
		}
	}
	return rec
}

// snapshotLocked materializes the roster and group summary from one view of
// the indices. Callers hold the Hub lock.
func (h *Hub) snapshotLocked() ([]ClientRecord, []GroupSummary) {
	roster := lo.Map(h.registry.Connections(), func(c *Connection, _ int) ClientRecord {
		return newClientRecord(c)
	})
	return roster, h.groups.Summary()
}

// stateFrames encodes the two state frames. Equal state yields equal bytes.
func stateFrames(roster []ClientRecord, groups []GroupSummary) ([]byte, []byte, error) {
	clients, err := json.Marshal(ClientListFrame{Type: FrameClientList, Clients: roster})
	if err != nil {
		return nil, nil, err
	}
	info, err := json.Marshal(GroupInfoFrame{Type: FrameGroupInfo, Groups: groups})
	if err != nil {
		return nil, nil, err
	}
	return clients, info, nil
}
