package broadcast

import (
	"reflect"
	"sort"
	"strings"
	"sync"

	"go.mau.fi/whatsmeow/types"
)

// Participant is one member of a cached target group.
type Participant struct {
	JID          types.JID
	IsAdmin      bool
	IsSuperAdmin bool
}

// GroupRecord is a cached snapshot of one target group.
type GroupRecord struct {
	JID          types.JID
	Name         string
	Size         int
	Participants []Participant
}

func (g *GroupRecord) clone() *GroupRecord {
	if g == nil {
		return nil
	}
	cp := *g
	cp.Participants = append([]Participant(nil), g.Participants...)
	return &cp
}

// ParticipantAction enumerates membership delta kinds.
type ParticipantAction string

const (
	ParticipantAdd     ParticipantAction = "add"
	ParticipantRemove  ParticipantAction = "remove"
	ParticipantPromote ParticipantAction = "promote"
	ParticipantDemote  ParticipantAction = "demote"
	ParticipantModify  ParticipantAction = "modify"
)

// ParticipantChange is a membership delta for one group.
type ParticipantChange struct {
	Group        types.JID
	Action       ParticipantAction
	Participants []types.JID
}

// GroupUpdate patches group-level fields for one cached group.
type GroupUpdate struct {
	Group types.JID
	Name  *string
}

// GroupCache holds the authoritative set of groups eligible to receive
// broadcasts. It is rebuilt wholesale on connect and patched in place by
// live events. Iteration order is name-sorted at rebuild time and stable
// between rebuilds. A generation counter identifies the ordering a dispatch
// cursor was recorded against.
type GroupCache struct {
	mu         sync.RWMutex
	groups     map[types.JID]*GroupRecord
	order      []types.JID
	generation uint64

	keywords func() []string
}

// NewGroupCache builds an empty cache. keywords supplies the current
// name-keyword filter; it is consulted on every rebuild and upsert so config
// reloads take effect without restarting.
func NewGroupCache(keywords func() []string) *GroupCache {
	return &GroupCache{
		groups:   make(map[types.JID]*GroupRecord),
		keywords: keywords,
	}
}

func matchesAnyKeyword(name string, keywords []string) bool {
	lower := strings.ToLower(name)
	for _, keyword := range keywords {
		if keyword == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(keyword)) {
			return true
		}
	}
	return false
}

// RecordFromGroupInfo converts protocol group metadata into a cache record.
func RecordFromGroupInfo(info *types.GroupInfo) *GroupRecord {
	rec := &GroupRecord{
		JID:  info.JID,
		Name: info.Name,
		Size: len(info.Participants),
	}
	for _, p := range info.Participants {
		rec.Participants = append(rec.Participants, Participant{
			JID:          p.JID,
			IsAdmin:      p.IsAdmin,
			IsSuperAdmin: p.IsSuperAdmin,
		})
	}
	return rec
}

// Rebuild filters the full participating-group set by the keyword filter,
// sorts by name and replaces the cache contents. The replacement is skipped
// when the filtered result is empty or structurally equal to the current
// contents, so a transient empty fetch never clobbers a good cache.
// Returns whether the cache was replaced.
func (c *GroupCache) Rebuild(all []*types.GroupInfo) bool {
	filtered := make(map[types.JID]*GroupRecord)
	keywords := c.keywords()
	for _, info := range all {
		if info == nil {
			continue
		}
		if matchesAnyKeyword(info.Name, keywords) {
			filtered[info.JID] = RecordFromGroupInfo(info)
		}
	}
	if len(filtered) == 0 {
		return false
	}

	order := make([]types.JID, 0, len(filtered))
	for jid := range filtered {
		order = append(order, jid)
	}
	sort.Slice(order, func(i, j int) bool {
		a := strings.ToLower(filtered[order[i]].Name)
		b := strings.ToLower(filtered[order[j]].Name)
		if a == b {
			return order[i].String() < order[j].String()
		}
		return a < b
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.groups) > 0 && reflect.DeepEqual(c.groups, filtered) {
		return false
	}
	c.groups = filtered
	c.order = order
	c.generation++
	return true
}

// ApplyParticipantChange mutates the cached participant list in place.
// Unknown group ids are not of interest and ignored silently.
func (c *GroupCache) ApplyParticipantChange(change ParticipantChange) {
	c.mu.Lock()
	defer c.mu.Unlock()
	group, ok := c.groups[change.Group]
	if !ok {
		return
	}

	inChange := func(jid types.JID) bool {
		for _, p := range change.Participants {
			if p == jid {
				return true
			}
		}
		return false
	}

	switch change.Action {
	case ParticipantRemove:
		kept := group.Participants[:0]
		for _, p := range group.Participants {
			if !inChange(p.JID) {
				kept = append(kept, p)
			}
		}
		group.Participants = kept
		group.Size = len(group.Participants)
	case ParticipantAdd:
		for _, jid := range change.Participants {
			group.Participants = append(group.Participants, Participant{JID: jid})
		}
		group.Size = len(group.Participants)
	case ParticipantPromote:
		for i := range group.Participants {
			if inChange(group.Participants[i].JID) {
				group.Participants[i].IsAdmin = true
			}
		}
	case ParticipantDemote:
		for i := range group.Participants {
			if inChange(group.Participants[i].JID) {
				group.Participants[i].IsAdmin = false
			}
		}
	case ParticipantModify:
		// No cached field depends on this action.
	}
}

// ApplyGroupUpdate patches group-level fields for one cached group. Groups
// that stop matching the keyword filter after a rename stay cached until the
// next full rebuild.
func (c *GroupCache) ApplyGroupUpdate(update GroupUpdate) {
	c.mu.Lock()
	defer c.mu.Unlock()
	group, ok := c.groups[update.Group]
	if !ok {
		return
	}
	if update.Name != nil {
		group.Name = *update.Name
	}
}

// ApplyGroupUpsert admits a newly joined group after re-applying the keyword
// filter. Returns whether the group was admitted.
func (c *GroupCache) ApplyGroupUpsert(rec *GroupRecord) bool {
	if rec == nil {
		return false
	}
	if !matchesAnyKeyword(rec.Name, c.keywords()) {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.groups[rec.JID]; !exists {
		c.order = append(c.order, rec.JID)
	}
	c.groups[rec.JID] = rec.clone()
	sort.Slice(c.order, func(i, j int) bool {
		a := strings.ToLower(c.groups[c.order[i]].Name)
		b := strings.ToLower(c.groups[c.order[j]].Name)
		if a == b {
			return c.order[i].String() < c.order[j].String()
		}
		return a < b
	})
	c.generation++
	return true
}

// Lookup returns a copy of the cached record, or false when the group is not
// of interest. Serves as the read-through metadata cache for the session.
func (c *GroupCache) Lookup(jid types.JID) (*GroupRecord, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	group, ok := c.groups[jid]
	if !ok {
		return nil, false
	}
	return group.clone(), true
}

// Ordered returns record copies in the stable name-sorted iteration order,
// together with the cache generation the order belongs to.
func (c *GroupCache) Ordered() ([]*GroupRecord, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	records := make([]*GroupRecord, 0, len(c.order))
	for _, jid := range c.order {
		if group, ok := c.groups[jid]; ok {
			records = append(records, group.clone())
		}
	}
	return records, c.generation
}

func (c *GroupCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.groups)
}

// Generation identifies the current iteration ordering. It changes on every
// rebuild or upsert that reshapes the group set.
func (c *GroupCache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.generation
}

// TotalParticipants sums cached group sizes, for startup reporting.
func (c *GroupCache) TotalParticipants() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	total := 0
	for _, group := range c.groups {
		total += group.Size
	}
	return total
}
