package services

import "time"

// Business day window used when a workflow counts business hours only
const (
	BusinessDayStartHour = 9
	BusinessDayEndHour   = 17
)

// EligibleHours returns the number of hours between from and to that count
// toward reminder and escalation deadlines. With both flags off this is plain
// wall-clock elapsed time; businessHoursOnly restricts counting to the
// 09:00-17:00 window and excludeWeekends drops Saturdays and Sundays.
func EligibleHours(from, to time.Time, businessHoursOnly, excludeWeekends bool) float64 {
	if !to.After(from) {
		return 0
	}
	if !businessHoursOnly && !excludeWeekends {
		return to.Sub(from).Hours()
	}

	total := 0.0
	cursor := from
	for cursor.Before(to) {
		dayStart := time.Date(cursor.Year(), cursor.Month(), cursor.Day(), 0, 0, 0, 0, cursor.Location())
		dayEnd := dayStart.AddDate(0, 0, 1)

		segmentEnd := dayEnd
		if to.Before(segmentEnd) {
			segmentEnd = to
		}

		weekend := cursor.Weekday() == time.Saturday || cursor.Weekday() == time.Sunday
		if !(excludeWeekends && weekend) {
			if businessHoursOnly {
				windowStart := dayStart.Add(BusinessDayStartHour * time.Hour)
				windowEnd := dayStart.Add(BusinessDayEndHour * time.Hour)
				start := laterOf(cursor, windowStart)
				end := earlierOf(segmentEnd, windowEnd)
				if end.After(start) {
					total += end.Sub(start).Hours()
				}
			} else {
				total += segmentEnd.Sub(cursor).Hours()
			}
		}
		cursor = dayEnd
	}
	return total
}

func laterOf(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func earlierOf(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
