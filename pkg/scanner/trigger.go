// Copyright 2025 Open Parachute PBC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package scanner

import (
	"strconv"
	"strings"
	"time"
)

// Trigger spec prefixes and literals.
const (
	triggerDailyPrefix  = "daily@"
	triggerWeeklyPrefix = "weekly@"
	triggerHourly       = "hourly"
	triggerManual       = "manual"
	triggerOnSave       = "on_save"
)

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// TriggerDue evaluates a textual trigger spec against the recorded
// last run. All comparisons use the local clock; manual and on_save
// never fire here (the first needs an explicit trigger call, the second
// is advanced by the editor client on save).
func TriggerDue(trigger string, lastRun, now time.Time) bool {
	trigger = strings.ToLower(strings.TrimSpace(trigger))
	switch {
	case trigger == "" || trigger == triggerManual || trigger == triggerOnSave:
		return false

	case trigger == triggerHourly:
		topOfHour := now.Truncate(time.Hour)
		return lastRun.Before(topOfHour)

	case strings.HasPrefix(trigger, triggerDailyPrefix):
		hour, minute, ok := parseClock(strings.TrimPrefix(trigger, triggerDailyPrefix))
		if !ok {
			return false
		}
		due := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		return !now.Before(due) && lastRun.Before(due)

	case strings.HasPrefix(trigger, triggerWeeklyPrefix):
		day, ok := weekdays[strings.TrimPrefix(trigger, triggerWeeklyPrefix)]
		if !ok {
			return false
		}
		if now.Weekday() != day {
			return false
		}
		midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
		return lastRun.Before(midnight)

	default:
		return false
	}
}

// parseClock parses "HH:MM".
func parseClock(s string) (hour, minute int, ok bool) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, false
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, false
	}
	return hour, minute, true
}
