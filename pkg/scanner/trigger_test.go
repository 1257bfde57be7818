package scanner

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTriggerDue_Daily(t *testing.T) {
	now := time.Date(2025, 6, 2, 9, 30, 0, 0, time.Local)

	tests := []struct {
		name    string
		trigger string
		lastRun time.Time
		want    bool
	}{
		{"never ran, clock past time", "daily@09:00", time.Time{}, true},
		{"ran yesterday", "daily@09:00", now.AddDate(0, 0, -1), true},
		{"ran this morning after due", "daily@09:00", now.Add(-10 * time.Minute), false},
		{"clock not yet at time", "daily@10:00", time.Time{}, false},
		{"exactly at due time", "daily@09:30", time.Time{}, true},
		{"malformed clock", "daily@9am", time.Time{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TriggerDue(tt.trigger, tt.lastRun, now))
		})
	}
}

func TestTriggerDue_Weekly(t *testing.T) {
	monday := time.Date(2025, 6, 2, 12, 0, 0, 0, time.Local)

	assert.True(t, TriggerDue("weekly@monday", time.Time{}, monday))
	assert.True(t, TriggerDue("weekly@monday", monday.AddDate(0, 0, -7), monday))
	assert.False(t, TriggerDue("weekly@monday", monday.Add(-time.Hour), monday))
	assert.False(t, TriggerDue("weekly@tuesday", time.Time{}, monday))
	assert.False(t, TriggerDue("weekly@someday", time.Time{}, monday))
}

func TestTriggerDue_Hourly(t *testing.T) {
	now := time.Date(2025, 6, 2, 14, 45, 0, 0, time.Local)

	assert.True(t, TriggerDue("hourly", time.Time{}, now))
	assert.True(t, TriggerDue("hourly", now.Add(-time.Hour), now))
	assert.False(t, TriggerDue("hourly", now.Add(-10*time.Minute), now))
}

func TestTriggerDue_ManualAndOnSaveNeverFire(t *testing.T) {
	now := time.Now()
	assert.False(t, TriggerDue("manual", time.Time{}, now))
	assert.False(t, TriggerDue("on_save", time.Time{}, now))
	assert.False(t, TriggerDue("", time.Time{}, now))
	assert.False(t, TriggerDue("yearly", time.Time{}, now))
}
