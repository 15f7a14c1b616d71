package realtime

import (
	"slices"

	"github.com/samber/lo"
)

type set map[string]struct{}

// GroupIndex keeps group → members and member → groups in step, together with
// each Connection's own group set. It is not goroutine-safe; the Hub guards it.
type GroupIndex struct {
	members     map[string]set // group name -> connection ids
	memberships map[string]set // connection id -> group names
}

func NewGroupIndex() *GroupIndex {
	return &GroupIndex{
		members:     make(map[string]set),
		memberships: make(map[string]set),
	}
}

// Join adds c to group. It reports false when c was already a member.
func (g *GroupIndex) Join(c *Connection, group string) bool {
	if _, ok := g.members[group][c.ID]; ok {
		return false
	}
	if _, ok := g.members[group]; !ok {
		g.members[group] = make(set)
	}
	g.members[group][c.ID] = struct{}{}

	if _, ok := g.memberships[c.ID]; !ok {
		g.memberships[c.ID] = make(set)
	}
	g.memberships[c.ID][group] = struct{}{}

	if c.groups == nil {
		c.groups = make(map[string]struct{})
	}
	c.groups[group] = struct{}{}
	return true
}

// Leave removes c from group. It reports false when c was not a member.
func (g *GroupIndex) Leave(c *Connection, group string) bool {
	members, ok := g.members[group]
	if !ok {
		return false
	}
	if _, ok := members[c.ID]; !ok {
		return false
	}
	delete(members, c.ID)
	if len(members) == 0 {
		delete(g.members, group)
	}

	if groups, ok := g.memberships[c.ID]; ok {
		delete(groups, group)
		if len(groups) == 0 {
			delete(g.memberships, c.ID)
		}
	}
	delete(c.groups, group)
	return true
}

// LeaveAll removes c from every group it belongs to and returns them sorted.
func (g *GroupIndex) LeaveAll(c *Connection) []string {
	left := sortedKeys(g.memberships[c.ID])
	for _, group := range left {
		g.Leave(c, group)
	}
	return left
}

// Members returns the connection ids in group, sorted.
func (g *GroupIndex) Members(group string) []string {
	return sortedKeys(g.members[group])
}

// GroupsOf returns the groups connID belongs to, sorted.
func (g *GroupIndex) GroupsOf(connID string) []string {
	return sortedKeys(g.memberships[connID])
}

func (g *GroupIndex) Exists(group string) bool {
	_, ok := g.members[group]
	return ok
}

func (g *GroupIndex) Len() int {
	return len(g.members)
}

// Summary lists every non-empty group by name.
func (g *GroupIndex) Summary() []GroupSummary {
	names := lo.Keys(g.members)
	slices.Sort(names)
	return lo.Map(names, func(name string, _ int) GroupSummary {
		return GroupSummary{Name: name, MemberCount: len(g.members[name])}
	})
}

func sortedKeys[V any](m map[string]V) []string {
	keys := lo.Keys(m)
	slices.Sort(keys)
	return keys
}
