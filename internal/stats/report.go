package stats

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rivo/uniseg"
)

// Report renders the persisted statistics as a WhatsApp-formatted message.
// days selects the lookback window (0 = today only, capped at 30); detailed
// adds the per-group breakdown. Output is deterministic for a given store
// state, so repeated requests with no intervening events return identical
// text.
func (s *Store) Report(days int, detailed bool) string {
	if days < 0 {
		days = 0
	}
	if days > 30 {
		days = 30
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.sortedGroupIDs()
	dates := s.datesNewestFirst(days)

	totalGroups := len(s.groups)
	totalMembers := 0
	for _, id := range ids {
		totalMembers += s.groups[id].Size
	}

	var periodAdds, periodRemoves, periodDropouts int
	var dropoutStaySum float64
	dropoutDays := 0
	var breakdown strings.Builder
	hasAnyData := false

	for _, date := range dates {
		var dayAdds, dayRemoves, dayDropouts, dayMembers int
		var dayStaySum float64
		dayStayCount := 0
		var groupLines []string

		for _, id := range ids {
			group := s.groups[id]
			day, ok := group.Daily[date]
			if !ok {
				continue
			}
			hasAnyData = true
			dayMembers += group.Size
			dayAdds += day.Adds
			dayRemoves += day.Removes
			dayDropouts += day.Dropouts
			if day.DropoutTime > 0 {
				dayStaySum += day.DropoutTime
				dayStayCount++
			}
			if detailed {
				groupLines = append(groupLines, formatGroupDay(group, day))
			}
		}

		if dayAdds == 0 && dayRemoves == 0 && dayDropouts == 0 && len(groupLines) == 0 {
			continue
		}

		var dayStayAvg float64
		if dayDropouts > 0 && dayStayCount > 0 {
			dayStayAvg = dayStaySum / float64(dayStayCount)
		}

		breakdown.WriteString("---------------------------------\n")
		breakdown.WriteString(fmt.Sprintf("*🗓 %s*\n", formatDay(date)))
		breakdown.WriteString(formatDayTotals(dayMembers, dayAdds, dayRemoves, dayDropouts, dayStayAvg))
		for _, line := range groupLines {
			breakdown.WriteString(line)
			breakdown.WriteString("\n")
		}

		periodAdds += dayAdds
		periodRemoves += dayRemoves
		periodDropouts += dayDropouts
		if dayDropouts > 0 {
			dropoutStaySum += dayStayAvg
			dropoutDays++
		}
	}

	var avgStay float64
	if dropoutDays > 0 {
		avgStay = dropoutStaySum / float64(dropoutDays)
	}

	var b strings.Builder
	b.WriteString("*Group statistics*\n")
	if detailed {
		b.WriteString("*Extended version* 📃\n")
	}
	b.WriteString("---------------------------------\n\n")
	b.WriteString(fmt.Sprintf("📊 *Summary for %s*\n\n", periodLabel(days)))
	b.WriteString(fmt.Sprintf("🏘 Groups: %d\n", totalGroups))
	b.WriteString(fmt.Sprintf("👤 Members: %d\n", totalMembers))
	b.WriteString("---------------------------------\n")
	b.WriteString(fmt.Sprintf("🟢 *Joins:* %d\n", periodAdds))
	b.WriteString(fmt.Sprintf("🔴 *Leaves:* %d\n", periodRemoves))
	b.WriteString(fmt.Sprintf("🟡 *Dropouts:* %d\n", periodDropouts))
	b.WriteString(fmt.Sprintf("⏱ *Avg stay:* %s\n", formatStay(avgStay)))
	b.WriteString("---------------------------------\n")
	balance := periodAdds - periodRemoves
	switch {
	case balance > 0:
		b.WriteString(fmt.Sprintf("🔼 *Growth:* +%d\n", balance))
	case balance < 0:
		b.WriteString(fmt.Sprintf("🔽 *Shrink:* %d\n", balance))
	default:
		b.WriteString("⚖️ *Net:* 0\n")
	}
	b.WriteString(fmt.Sprintf("🔒 *Retention:* %d%%\n", retention(periodAdds, periodDropouts)))

	if hasAnyData && (days > 0 || detailed) {
		b.WriteString("\n\n📊 *Breakdown*\n")
		b.WriteString(breakdown.String())
	}

	return strings.TrimRight(b.String(), "\n")
}

// ConsoleTable renders an aligned table of the last days of statistics for
// the operator menu. Group-name columns are padded by display width so names
// with emoji stay aligned.
func (s *Store) ConsoleTable(days int) string {
	if days < 1 {
		days = 1
	}
	if days > 30 {
		days = 30
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ids := s.sortedGroupIDs()
	nameWidth := 20
	for _, id := range ids {
		if w := uniseg.StringWidth(s.groups[id].Name); w > nameWidth {
			nameWidth = w
		}
	}

	var b strings.Builder
	divider := strings.Repeat("-", nameWidth+62)
	dates := s.datesNewestFirst(days)
	// Oldest first reads naturally on a terminal.
	for i, j := 0, len(dates)-1; i < j; i, j = i+1, j-1 {
		dates[i], dates[j] = dates[j], dates[i]
	}

	for _, date := range dates {
		var lines []string
		var dayAdds, dayRemoves, dayDropouts int
		for _, id := range ids {
			group := s.groups[id]
			day, ok := group.Daily[date]
			if !ok {
				continue
			}
			dayAdds += day.Adds
			dayRemoves += day.Removes
			dayDropouts += day.Dropouts
			lines = append(lines, fmt.Sprintf(" %s | %-7d | %-5d | %-6d | %-8d | %-12s",
				padDisplayWidth(group.Name, nameWidth), group.Size,
				day.Adds, day.Removes, day.Dropouts, formatStay(day.DropoutTime)))
		}
		if len(lines) == 0 {
			continue
		}
		b.WriteString(fmt.Sprintf("\n📅 %s\n%s\n", formatDay(date), divider))
		b.WriteString(fmt.Sprintf(" %s | Members | Joins | Leaves | Dropouts | Avg stay\n%s\n",
			padDisplayWidth("Group", nameWidth), divider))
		for _, line := range lines {
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString(fmt.Sprintf("%s\n Day totals: %d joins, %d leaves, %d dropouts\n",
			divider, dayAdds, dayRemoves, dayDropouts))
	}

	if b.Len() == 0 {
		return "No statistics recorded for the selected period."
	}
	return b.String()
}

func (s *Store) sortedGroupIDs() []string {
	ids := make([]string, 0, len(s.groups))
	for id := range s.groups {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.groups[ids[i]].Name, s.groups[ids[j]].Name
		if a == b {
			return ids[i] < ids[j]
		}
		return a < b
	})
	return ids
}

// datesNewestFirst returns day keys starting today going backwards. days==0
// yields today only.
func (s *Store) datesNewestFirst(days int) []string {
	count := days
	if count < 1 {
		count = 1
	}
	dates := make([]string, 0, count)
	day := s.now()
	for i := 0; i < count; i++ {
		dates = append(dates, s.dayKey(day))
		day = day.AddDate(0, 0, -1)
	}
	return dates
}

func formatGroupDay(group *GroupStats, day *DayCounters) string {
	balance := day.Adds - day.Removes
	emoji := "⚖️"
	if balance > 0 {
		emoji = "📈"
	} else if balance < 0 {
		emoji = "📉"
	}
	line := fmt.Sprintf("%s *%s*\n  ↳ Members: %d\n  ↳ Joins: %d\n  ↳ Leaves: %d\n  ↳ Dropouts: %d",
		emoji, group.Name, group.Size, day.Adds, day.Removes, day.Dropouts)
	if day.DropoutTime > 0 {
		line += fmt.Sprintf("\n  ↳ Avg stay: %s", formatStay(day.DropoutTime))
	}
	line += fmt.Sprintf("\n  ↳ Net: %+d\n  ↳ Retention: %d%%\n", balance, retention(day.Adds, day.Dropouts))
	return line
}

func formatDayTotals(members, adds, removes, dropouts int, stayAvg float64) string {
	balance := adds - removes
	emoji := "⚖️"
	if balance > 0 {
		emoji = "🔼"
	} else if balance < 0 {
		emoji = "🔽"
	}
	out := fmt.Sprintf("*%s Day totals:*\n  ↳ Members: %d\n  ↳ Joins: %d\n  ↳ Leaves: %d\n  ↳ Dropouts: %d",
		emoji, members, adds, removes, dropouts)
	if stayAvg > 0 {
		out += fmt.Sprintf("\n  ↳ Avg stay: %s", formatStay(stayAvg))
	}
	out += fmt.Sprintf("\n  ↳ Net: %+d\n  ↳ Retention: %d%%\n\n", balance, retention(adds, dropouts))
	return out
}

func retention(adds, dropouts int) int {
	if adds <= 0 {
		return 0
	}
	return (adds - dropouts) * 100 / adds
}

func periodLabel(days int) string {
	switch days {
	case 0:
		return "today"
	case 1:
		return "1 day"
	default:
		return fmt.Sprintf("%d days", days)
	}
}

// formatDay turns a 2006-01-02 key into dd/mm/yyyy for display.
func formatDay(key string) string {
	t, err := time.Parse("2006-01-02", key)
	if err != nil {
		return key
	}
	return t.Format("02/01/2006")
}

// formatStay renders a millisecond stay duration compactly.
func formatStay(ms float64) string {
	if ms <= 0 {
		return "-"
	}
	d := time.Duration(ms) * time.Millisecond
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh %02dm", int(d.Hours()), int(d.Minutes())%60)
	}
}

func padDisplayWidth(s string, width int) string {
	w := uniseg.StringWidth(s)
	if w >= width {
		return s
	}
	return s + strings.Repeat(" ", width-w)
}
