package season

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustParse(t *testing.T, start, end string) Window {
	t.Helper()
	w, err := Parse(start, end)
	require.NoError(t, err)
	return w
}

func TestContains_InclusiveBounds(t *testing.T) {
	w := mustParse(t, "2026-11-28", "2027-01-06")

	tests := []struct {
		name string
		date string
		want bool
	}{
		{"day before start", "2026-11-27", false},
		{"start date", "2026-11-28", true},
		{"mid season", "2026-12-25", true},
		{"year boundary", "2027-01-01", true},
		{"end date", "2027-01-06", true},
		{"day after end", "2027-01-07", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := time.Parse("2006-01-02", tt.date)
			require.NoError(t, err)
			assert.Equal(t, tt.want, w.Contains(d))
		})
	}
}

func TestContains_IgnoresTimeOfDay(t *testing.T) {
	w := mustParse(t, "2026-12-01", "2026-12-31")

	lastSecond := time.Date(2026, 12, 31, 23, 59, 59, 0, time.UTC)
	assert.True(t, w.Contains(lastSecond))

	firstSecond := time.Date(2026, 12, 1, 0, 0, 0, 0, time.UTC)
	assert.True(t, w.Contains(firstSecond))
}

func TestContains_SingleDaySeason(t *testing.T) {
	w := mustParse(t, "2026-12-25", "2026-12-25")

	assert.True(t, w.Contains(time.Date(2026, 12, 25, 12, 0, 0, 0, time.UTC)))
	assert.False(t, w.Contains(time.Date(2026, 12, 24, 12, 0, 0, 0, time.UTC)))
	assert.False(t, w.Contains(time.Date(2026, 12, 26, 12, 0, 0, 0, time.UTC)))
}

func TestParse_Errors(t *testing.T) {
	_, err := Parse("not-a-date", "2026-12-31")
	assert.Error(t, err)

	_, err = Parse("2026-12-01", "nope")
	assert.Error(t, err)

	_, err = Parse("2026-12-31", "2026-12-01")
	assert.Error(t, err)
}
