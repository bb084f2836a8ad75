package advance_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/salary-advance/advance"
)

func TestParseMonth(t *testing.T) {
	m, err := advance.ParseMonth("2025-03")
	require.NoError(t, err)
	assert.Equal(t, advance.NewMonth(2025, time.March), m)
	assert.Equal(t, "2025-03", m.String())

	for _, bad := range []string{"", "2025", "2025-13", "03-2025"} {
		_, err := advance.ParseMonth(bad)
		assert.Error(t, err, bad)
	}
}

func TestMonth_NextWrapsYear(t *testing.T) {
	assert.Equal(t, advance.NewMonth(2026, time.January), advance.NewMonth(2025, time.December).Next())
}

func TestMonth_WindowIsHalfOpen(t *testing.T) {
	m := advance.NewMonth(2025, time.February)
	start, end := m.Window(time.UTC)

	assert.Equal(t, time.Date(2025, time.February, 1, 0, 0, 0, 0, time.UTC), start)
	assert.Equal(t, time.Date(2025, time.March, 1, 0, 0, 0, 0, time.UTC), end)
	assert.True(t, m.Contains(start, time.UTC))
	assert.False(t, m.Contains(end, time.UTC))
}

func TestMonth_TextRoundTrip(t *testing.T) {
	var m advance.Month
	require.NoError(t, m.UnmarshalText([]byte("2024-11")))

	b, err := m.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "2024-11", string(b))
}

func TestMonthOf_UsesLocation(t *testing.T) {
	instant := time.Date(2025, time.May, 31, 22, 0, 0, 0, time.UTC)
	plus3 := time.FixedZone("UTC+3", 3*60*60)

	assert.Equal(t, advance.NewMonth(2025, time.May), advance.MonthOf(instant, time.UTC))
	assert.Equal(t, advance.NewMonth(2025, time.June), advance.MonthOf(instant, plus3))
}
