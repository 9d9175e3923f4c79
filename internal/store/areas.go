package store

import "time"

// Area names. They double as the top-level snapshot section keys.
const (
	AreaApp       = "app"
	AreaHabits    = "habits"
	AreaReminders = "reminders"
)

// Areas lists every synchronized area in snapshot order.
var Areas = []string{AreaApp, AreaHabits, AreaReminders}

// AppState is the main dashboard area.
type AppState struct {
	Calendar      Calendar       `json:"calendar"`
	Prayers       PrayerSettings `json:"prayers"`
	QuranProgress QuranProgress  `json:"quranProgress"`
	Tasks         []Task         `json:"tasks"`
	Notes         []Note         `json:"notes"`
	FocusSessions []FocusSession `json:"focusSessions"`
}

// Calendar holds the user's events and the calendar system in use.
type Calendar struct {
	System string          `json:"system,omitempty"`
	Events []CalendarEvent `json:"events"`
}

// CalendarEvent is one calendar entry.
type CalendarEvent struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Start  string `json:"start"`
	End    string `json:"end,omitempty"`
	AllDay bool   `json:"allDay,omitempty"`
}

// PrayerSettings configures prayer time calculation.
type PrayerSettings struct {
	City      string              `json:"city,omitempty"`
	Country   string              `json:"country,omitempty"`
	Method    int                 `json:"method"`
	Offsets   map[string]int      `json:"offsets,omitempty"`
	Completed map[string][]string `json:"completed,omitempty"`
}

// QuranProgress tracks reading position and goals.
type QuranProgress struct {
	Surah       int      `json:"surah"`
	Ayah        int      `json:"ayah"`
	DailyGoal   int      `json:"dailyGoal"`
	CompletedOn []string `json:"completedOn,omitempty"`
}

// Task is a to-do item.
type Task struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Done      bool   `json:"done"`
	Due       string `json:"due,omitempty"`
	Priority  string `json:"priority,omitempty"`
	CreatedAt int64  `json:"createdAt"`
}

// Note is a journal entry.
type Note struct {
	ID        string `json:"id"`
	Date      string `json:"date"`
	Body      string `json:"body"`
	UpdatedAt int64  `json:"updatedAt"`
}

// FocusSession is one completed focus timer run.
type FocusSession struct {
	ID        string `json:"id"`
	Label     string `json:"label,omitempty"`
	StartedAt int64  `json:"startedAt"`
	Minutes   int    `json:"minutes"`
}

// HabitState is the habit tracker area.
type HabitState struct {
	Habits    []Habit    `json:"habits"`
	HabitLogs []HabitLog `json:"habitLogs"`
}

// Habit is a tracked habit definition.
type Habit struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Frequency string `json:"frequency"`
	Color     string `json:"color,omitempty"`
	Archived  bool   `json:"archived,omitempty"`
}

// HabitLog records a habit completion on a date.
type HabitLog struct {
	HabitID string `json:"habitId"`
	Date    string `json:"date"`
	Count   int    `json:"count"`
}

// ReminderState is the reminders area, including its view preferences.
type ReminderState struct {
	Reminders         []Reminder `json:"reminders"`
	ViewMode          string     `json:"viewMode"`
	TimelineZoom      float64    `json:"timelineZoom"`
	VisibleCategories []string   `json:"visibleCategories"`
	SelectedDate      time.Time  `json:"selectedDate"`
	LastUpdateTime    int64      `json:"lastUpdateTime"`
}

// Reminder is a scheduled reminder.
type Reminder struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	At       string `json:"at"`
	Category string `json:"category,omitempty"`
	Repeat   string `json:"repeat,omitempty"`
	Done     bool   `json:"done,omitempty"`
}

// Stores groups the synchronized area stores.
type Stores struct {
	App       *Store[AppState]
	Habits    *Store[HabitState]
	Reminders *Store[ReminderState]
}

// NewStores creates stores with default values for a fresh device.
func NewStores() *Stores {
	return &Stores{
		App: New(AppState{
			Prayers:       PrayerSettings{Method: 2},
			QuranProgress: QuranProgress{Surah: 1, Ayah: 1},
		}),
		Habits: New(HabitState{}),
		Reminders: New(ReminderState{
			ViewMode:     "list",
			TimelineZoom: 1,
			SelectedDate: time.Now().UTC().Truncate(24 * time.Hour),
		}),
	}
}

// Notifiers returns the subscription handles of every area store.
func (s *Stores) Notifiers() []Notifier {
	return []Notifier{s.App, s.Habits, s.Reminders}
}

// SubscribeAll subscribes fn to every area store and returns a single
// func that releases all of the subscriptions.
func (s *Stores) SubscribeAll(fn func()) func() {
	var unsubs []func()
	for _, n := range s.Notifiers() {
		unsubs = append(unsubs, n.Subscribe(fn))
	}

	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}
