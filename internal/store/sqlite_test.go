package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockbar/internal/config"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	st, err := Open(filepath.Join(t.TempDir(), "nested", "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestPreferencesRoundTrip(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	got, err := st.LoadPreferences()
	require.NoError(t, err)
	assert.Nil(t, got, "nothing saved yet")

	display := config.Default().Display
	display.ChartMaxPercentage = 5
	require.NoError(t, st.SavePreferences(Preferences{Symbols: []string{"sh600000"}, IntervalSec: 5, Display: &display}))
	require.NoError(t, st.SavePreferences(Preferences{Symbols: []string{"sz000001", "sh600000"}, IntervalSec: 3, Display: &display}))

	got, err = st.LoadPreferences()
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, []string{"sz000001", "sh600000"}, got.Symbols)
	assert.Equal(t, 3, got.IntervalSec)
	require.NotNil(t, got.Display)
	assert.Equal(t, 5.0, got.Display.ChartMaxPercentage)
}

func TestAlertsByDate(t *testing.T) {
	t.Parallel()

	st := openTestStore(t)
	loc := time.FixedZone("CST", 8*3600)
	day := time.Date(2025, 3, 14, 10, 0, 0, 0, loc)
	require.NoError(t, st.InsertAlert(AlertRecord{TS: day.Unix(), Symbol: "sh600000", Direction: "up", Price: "11", Status: "sent"}))
	require.NoError(t, st.InsertAlert(AlertRecord{TS: day.Add(time.Hour).Unix(), Symbol: "sz000001", Direction: "down", Price: "9", Status: "sent"}))
	require.NoError(t, st.InsertAlert(AlertRecord{TS: day.Add(24 * time.Hour).Unix(), Symbol: "sh600000", Direction: "up", Status: "sent"}))

	got, err := st.QueryAlertsByDate("2025-03-14", 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "sz000001", got[0].Symbol)
	assert.NotEmpty(t, got[0].CreatedAt)

	_, err = st.QueryAlertsByDate("14/03/2025", 10)
	assert.Error(t, err)
}

func TestNilStoreIsNoop(t *testing.T) {
	t.Parallel()

	var st *Store
	assert.NoError(t, st.SavePreferences(Preferences{}))
	p, err := st.LoadPreferences()
	assert.NoError(t, err)
	assert.Nil(t, p)
	assert.NoError(t, st.InsertAlert(AlertRecord{}))
	assert.NoError(t, st.Close())
}
