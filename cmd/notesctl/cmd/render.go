package cmd

import (
	"io"
	"strconv"
	"strings"
	"time"

	"research-notes-api/internal/realtime"

	"github.com/olekukonko/tablewriter"
)

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("\t")
	return table
}

func renderClients(w io.Writer, clients []realtime.ClientRecord) {
	table := newTable(w, []string{"Connection", "Client ID", "Original ID", "Groups", "User", "Connected At"})
	for _, c := range clients {
		numeric, original := "-", "-"
		if c.ClientID != nil {
			numeric = strconv.FormatInt(*c.ClientID, 10)
		}
		if c.OriginalClientID != nil {
			original = c.OriginalClientID.String()
		}
		user := "-"
		if name, ok := c.UserInfo["username"].(string); ok {
			user = name
		}
		table.Append([]string{
			c.ConnectionID,
			numeric,
			original,
			strings.Join(c.Groups, ","),
			user,
			c.ConnectedAt.Format(time.RFC3339),
		})
	}
	table.Render()
}

func renderGroups(w io.Writer, groups []realtime.GroupSummary) {
	table := newTable(w, []string{"Group", "Members"})
	for _, g := range groups {
		table.Append([]string{g.Name, strconv.Itoa(g.MemberCount)})
	}
	table.Render()
}
