package snapshot

import (
	"testing"
	"time"

	"github.com/alexjbarnes/dash-sync/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiff_EquivalentPayloadsEmpty(t *testing.T) {
	stores := seededStores()
	a := Build(stores, testNow)
	b := Build(stores, testNow.Add(time.Minute))

	assert.Empty(t, Diff(a, b))
}

func TestDiff_ShowsChangedLines(t *testing.T) {
	stores := seededStores()
	a := Build(stores, testNow)

	stores.Habits.Update(func(st store.HabitState) store.HabitState {
		st.Habits = []store.Habit{{ID: "h1", Name: "Run", Frequency: "daily"}}
		return st
	})
	b := Build(stores, testNow)

	d := Diff(a, b)
	require.NotEmpty(t, d)
	assert.Contains(t, d, `- `)
	assert.Contains(t, d, `"name": "Walk"`)
	assert.Contains(t, d, `+ `)
	assert.Contains(t, d, `"name": "Run"`)
	assert.NotContains(t, d, `"frequency"`, "unchanged lines are omitted")
}

func TestDiff_MissingSection(t *testing.T) {
	a, err := Parse([]byte(`{"version":1,"app":{"tasks":[]}}`))
	require.NoError(t, err)
	b, err := Parse([]byte(`{"version":1}`))
	require.NoError(t, err)

	d := Diff(a, b)
	assert.Contains(t, d, `- `)
	assert.Contains(t, d, `"tasks"`)
}

func TestDiff_AgainstEmpty(t *testing.T) {
	b, err := Parse([]byte(`{"version":1,"habits":{"habits":[]}}`))
	require.NoError(t, err)

	d := Diff(Empty(), b)
	assert.Contains(t, d, `+ `)
	assert.Contains(t, d, `"habits"`)
	assert.Empty(t, Empty().Areas())
}
