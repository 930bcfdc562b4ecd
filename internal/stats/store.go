package stats

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/vlsampaio/whatsapp-broadcast-bot/pkg/log"
)

const dropoutWindow = 24 * time.Hour

// MemberWindow tracks one recently joined member for dropout accounting.
// A dropout is a member who joined and left within 24 hours.
type MemberWindow struct {
	AddedAt   time.Time  `json:"added_at"`
	RemovedAt *time.Time `json:"removed_at,omitempty"`
}

// DayCounters are per-group membership counters for one calendar day.
type DayCounters struct {
	Adds        int     `json:"adds"`
	Removes     int     `json:"removes"`
	Dropouts    int     `json:"dropouts"`
	DropoutTime float64 `json:"dropout_time_ms"`
}

// GroupStats is the persisted per-group statistics record.
type GroupStats struct {
	Name    string                   `json:"group_name"`
	Size    int                      `json:"group_size"`
	Daily   map[string]*DayCounters  `json:"daily"`
	Members map[string]*MemberWindow `json:"today_members"`
}

// RosterEntry is one live group handed to StartupReconcile.
type RosterEntry struct {
	ID   string
	Name string
	Size int
}

// Store persists long-term group statistics to a JSON file. Every mutation
// is written through so a crash loses at most the event being recorded.
type Store struct {
	mu     sync.Mutex
	path   string
	groups map[string]*GroupStats
	now    func() time.Time
}

func NewStore(path string) (*Store, error) {
	s := &Store{
		path:   path,
		groups: make(map[string]*GroupStats),
		now:    time.Now,
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, s.save()
		}
		return nil, err
	}
	if err := json.Unmarshal(raw, &s.groups); err != nil {
		return nil, err
	}
	for _, group := range s.groups {
		if group.Daily == nil {
			group.Daily = make(map[string]*DayCounters)
		}
		if group.Members == nil {
			group.Members = make(map[string]*MemberWindow)
		}
	}
	return s, nil
}

// save must be called with the lock held, or before the store is shared.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.groups, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, append(data, '\n'), 0o644)
}

func (s *Store) dayKey(t time.Time) string {
	return t.Local().Format("2006-01-02")
}

func (s *Store) group(id, name string, size int) *GroupStats {
	group, ok := s.groups[id]
	if !ok {
		group = &GroupStats{
			Name:    name,
			Size:    size,
			Daily:   make(map[string]*DayCounters),
			Members: make(map[string]*MemberWindow),
		}
		s.groups[id] = group
	}
	return group
}

func (s *Store) day(group *GroupStats) *DayCounters {
	key := s.dayKey(s.now())
	day, ok := group.Daily[key]
	if !ok {
		day = &DayCounters{}
		group.Daily[key] = day
	}
	return day
}

// pruneWindow drops members that joined more than 24 hours ago; they can no
// longer become dropouts.
func (s *Store) pruneWindow(group *GroupStats) {
	cutoff := s.now().Add(-dropoutWindow)
	for id, member := range group.Members {
		if member.AddedAt.Before(cutoff) {
			delete(group.Members, id)
		}
	}
}

// RecordJoin accounts one member joining the group.
func (s *Store) RecordJoin(groupID, participantID, groupName string, groupSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group := s.group(groupID, groupName, groupSize)
	s.pruneWindow(group)

	if _, rejoined := group.Members[participantID]; rejoined {
		// Rejoin inside the window: size changes, counters do not.
		group.Size++
	} else {
		group.Members[participantID] = &MemberWindow{AddedAt: s.now()}
		group.Size++
		s.day(group).Adds++
	}

	if err := s.save(); err != nil {
		log.Print("stats").WithError(err).Error("Could not persist statistics file")
	}
}

// RecordLeave accounts one member leaving the group, tracking dropouts and
// their average stay for the day.
func (s *Store) RecordLeave(groupID, participantID, groupName string, groupSize int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	group := s.group(groupID, groupName, groupSize)
	s.pruneWindow(group)
	group.Size--

	member, tracked := group.Members[participantID]
	if !tracked {
		s.day(group).Removes++
		if err := s.save(); err != nil {
			log.Print("stats").WithError(err).Error("Could not persist statistics file")
		}
		return
	}

	if member.RemovedAt == nil {
		day := s.day(group)
		day.Removes++
		removedAt := s.now()
		member.RemovedAt = &removedAt

		if removedAt.Sub(member.AddedAt) < dropoutWindow {
			day.Dropouts++
			day.DropoutTime = s.averageDropoutStay(group)
		} else {
			delete(group.Members, participantID)
		}
	}

	if err := s.save(); err != nil {
		log.Print("stats").WithError(err).Error("Could not persist statistics file")
	}
}

// averageDropoutStay recomputes the mean stay over tracked dropouts, in
// milliseconds. Called with the lock held.
func (s *Store) averageDropoutStay(group *GroupStats) float64 {
	var total float64
	count := 0
	for _, member := range group.Members {
		if member.RemovedAt == nil {
			continue
		}
		stay := member.RemovedAt.Sub(member.AddedAt)
		if stay < dropoutWindow {
			total += float64(stay.Milliseconds())
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return total / float64(count)
}

// StartupReconcile drops ghost groups no longer in the live roster and
// refreshes names and sizes for those that remain. New groups get an empty
// record so later events have somewhere to land.
func (s *Store) StartupReconcile(roster []RosterEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	live := make(map[string]bool, len(roster))
	for _, entry := range roster {
		live[entry.ID] = true
	}
	for id := range s.groups {
		if !live[id] {
			delete(s.groups, id)
		}
	}
	for _, entry := range roster {
		group := s.group(entry.ID, entry.Name, entry.Size)
		group.Name = entry.Name
		group.Size = entry.Size
	}
	return s.save()
}

// PruneOlderThan removes daily counters older than the retention period.
func (s *Store) PruneOlderThan(days int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.dayKey(s.now().AddDate(0, 0, -days))
	pruned := 0
	for _, group := range s.groups {
		for key := range group.Daily {
			if key < cutoff {
				delete(group.Daily, key)
				pruned++
			}
		}
	}
	if pruned == 0 {
		return nil
	}
	log.Print("stats").WithField("entries", pruned).Info("Pruned expired daily statistics")
	return s.save()
}
