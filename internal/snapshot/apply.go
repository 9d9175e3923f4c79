package snapshot

import (
	"encoding/json"
	"fmt"

	"github.com/alexjbarnes/dash-sync/internal/errors"
	"github.com/alexjbarnes/dash-sync/internal/store"
	"github.com/tidwall/gjson"
)

// Apply writes the snapshot's sections into the area stores. Each area
// present in the snapshot is replaced in one Update; inside it, a field
// that is missing, null, or fails to decode keeps its local value.
// Decode failures are returned for logging and never abort the apply.
func Apply(stores *store.Stores, snap *Snapshot) []error {
	var problems []error

	if raw, ok := snap.sections[store.AreaApp]; ok {
		stores.App.Update(func(cur store.AppState) store.AppState {
			f := fields{area: store.AreaApp, raw: raw, problems: &problems}
			decodeField(f, "calendar", &cur.Calendar)
			decodeField(f, "prayers", &cur.Prayers)
			decodeField(f, "quranProgress", &cur.QuranProgress)
			decodeField(f, "tasks", &cur.Tasks)
			decodeField(f, "notes", &cur.Notes)
			decodeField(f, "focusSessions", &cur.FocusSessions)

			return cur
		})
	}

	if raw, ok := snap.sections[store.AreaHabits]; ok {
		stores.Habits.Update(func(cur store.HabitState) store.HabitState {
			f := fields{area: store.AreaHabits, raw: raw, problems: &problems}
			decodeField(f, "habits", &cur.Habits)
			decodeField(f, "habitLogs", &cur.HabitLogs)

			return cur
		})
	}

	if raw, ok := snap.sections[store.AreaReminders]; ok {
		stores.Reminders.Update(func(cur store.ReminderState) store.ReminderState {
			f := fields{area: store.AreaReminders, raw: raw, problems: &problems}
			decodeField(f, "reminders", &cur.Reminders)
			decodeField(f, "viewMode", &cur.ViewMode)
			decodeField(f, "timelineZoom", &cur.TimelineZoom)
			decodeField(f, "visibleCategories", &cur.VisibleCategories)
			// Dates travel as RFC 3339 strings; time.Time revives them.
			decodeField(f, "selectedDate", &cur.SelectedDate)
			decodeField(f, "lastUpdateTime", &cur.LastUpdateTime)

			return cur
		})
	}

	return problems
}

type fields struct {
	area     string
	raw      json.RawMessage
	problems *[]error
}

// decodeField overwrites dst with the named field of the section when the
// field is present and decodes cleanly. The decode goes through a fresh
// value so a partial failure never leaks into dst.
func decodeField[T any](f fields, key string, dst *T) {
	r := gjson.GetBytes(f.raw, key)
	if !r.Exists() || r.Type == gjson.Null {
		return
	}

	var v T
	if err := json.Unmarshal([]byte(r.Raw), &v); err != nil {
		*f.problems = append(*f.problems, fmt.Errorf("%w: %s.%s: %v", errors.ErrMalformedSnapshot, f.area, key, err))
		return
	}

	*dst = v
}
