// This file implements the Strategy Pattern for subscription cadences.
// Each frequency maps to a Cadence that advances a due date by one period.

package core

import (
	"fmt"
	"time"
)

// Cadence advances a due date by exactly one billing period.
type Cadence interface {
	Next(current Date) Date
}

// DayStep advances by a fixed number of days.
type DayStep int

func (s DayStep) Next(current Date) Date {
	return Date{Time: current.AddDate(0, 0, int(s))}
}

// MonthStep advances by whole calendar months, clamping the day of month to
// the last day of the target month (Jan 31 + 1 month = Feb 28/29).
type MonthStep int

func (s MonthStep) Next(current Date) Date {
	y, m, d := current.Date()
	first := time.Date(y, m+time.Month(s), 1, 0, 0, 0, 0, time.UTC)
	lastDay := first.AddDate(0, 1, -1).Day()
	if d > lastDay {
		d = lastDay
	}
	return NewDate(first.Year(), int(first.Month()), d)
}

// cadences maps frequencies to their strategies. Bi-weekly is 15 days, not
// 14, to stay compatible with existing schedules.
var cadences = map[Frequency]Cadence{
	Daily:     DayStep(1),
	Weekly:    DayStep(7),
	BiWeekly:  DayStep(15),
	Monthly:   MonthStep(1),
	Quarterly: MonthStep(3),
	Yearly:    MonthStep(12),
}

// NextDueDate returns the due date one period after current.
func NextDueDate(current Date, frequency Frequency) (Date, error) {
	c, ok := cadences[frequency]
	if !ok {
		return Date{}, fmt.Errorf("next due date: unknown frequency %q", frequency)
	}
	return c.Next(current), nil
}
