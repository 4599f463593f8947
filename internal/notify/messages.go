package notify

import (
	"fmt"
	"sort"
	"strings"

	"tether/api/internal/diff"
	"tether/api/internal/store"
)

const previewLimit = 100

// RootMessage renders the full current state of an item as the thread's
// opening message.
func RootMessage(item store.TrackedItem) string {
	var b strings.Builder
	fmt.Fprintf(&b, ":inbox_tray: *%s*\n", headline(item))
	fmt.Fprintf(&b, "Status: *%s*\n", statusLabel(item.Status))
	if item.Message != "" {
		fmt.Fprintf(&b, "> %s\n", Truncate(item.Message, 300))
	}
	fmt.Fprintf(&b, "_Source: %s · reported by %s_", item.EventType, item.CreatedBy)
	if item.DeletedAt != nil {
		b.WriteString("\n:wastebasket: _This item has been removed._")
	}
	return b.String()
}

// ChangeSummary renders a field-level diff as a threaded changelog entry.
func ChangeSummary(changes diff.Record, actor string) string {
	fields := make([]string, 0, len(changes))
	for field := range changes {
		fields = append(fields, field)
	}
	sort.Strings(fields)

	var b strings.Builder
	fmt.Fprintf(&b, ":pencil2: *%s* updated this item:\n", actor)
	for _, field := range fields {
		change := changes[field]
		fmt.Fprintf(&b, "• *%s*: %s → %s\n", field, renderValue(change.Old), renderValue(change.New))
	}
	return strings.TrimRight(b.String(), "\n")
}

// StatusChange renders a status transition reply.
func StatusChange(oldStatus, newStatus, actor string) string {
	return fmt.Sprintf(":arrows_counterclockwise: *%s* moved this item from *%s* to *%s*",
		actor, statusLabel(oldStatus), statusLabel(newStatus))
}

// DeletionNotice annotates the thread when the item is soft-deleted.
func DeletionNotice(actor string) string {
	return fmt.Sprintf(":wastebasket: *%s* removed this item. The thread stays for reference.", actor)
}

// OverdueAlert is the one-time escalation message, with a group mention so
// it pages the owning channel.
func OverdueAlert(item store.TrackedItem, group string, hoursOpen int) string {
	return fmt.Sprintf("<%s> :rotating_light: *%s* has been waiting *%dh* with no one picking it up.\n> %s",
		group, headline(item), hoursOpen, Truncate(item.Message, previewLimit))
}

// HourlyReminder nags again for an item that is still untouched.
func HourlyReminder(item store.TrackedItem, hoursOpen int) string {
	return fmt.Sprintf(":alarm_clock: Still open after *%dh*: %s — %s",
		hoursOpen, item.EventType, Truncate(item.Message, previewLimit))
}

// DailyReminder checks in on work that is in progress.
func DailyReminder(item store.TrackedItem, daysOpen int) string {
	return fmt.Sprintf(":hourglass_flowing_sand: *%s* has been in progress for *%dd*. Any update?",
		headline(item), daysOpen)
}

// Truncate shortens s to at most limit runes, appending an ellipsis when
// anything was cut.
func Truncate(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return strings.TrimSpace(string(runes[:limit])) + "…"
}

func headline(item store.TrackedItem) string {
	if item.Title != "" {
		return item.Title
	}
	return item.EventType
}

func statusLabel(status string) string {
	switch status {
	case store.StatusNew:
		return "New"
	case store.StatusInProgress:
		return "In Progress"
	case store.StatusCompleted:
		return "Completed"
	case store.StatusNeedHelp:
		return "Needs Help"
	default:
		return status
	}
}

func renderValue(v any) string {
	if v == nil {
		return "_empty_"
	}
	s := fmt.Sprintf("%v", v)
	if s == "" {
		return "_empty_"
	}
	return Truncate(s, 80)
}
