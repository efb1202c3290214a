// Package trial считает состояние пробного периода по дате первого появления пользователя.
package trial

import "time"

const day = 24 * time.Hour

// State состояние пробного периода.
type State struct {
	DaysRemaining int
	Ended         bool
}

// Compute возвращает состояние пробного периода длиной durationDays,
// начатого в startedAt, на момент now.
// Если now раньше startedAt (расхождение часов), прошедшие дни считаются равными нулю.
func Compute(startedAt, now time.Time, durationDays int) State {
	elapsed := DaysElapsed(startedAt, now)

	remaining := durationDays - elapsed
	if remaining < 0 {
		remaining = 0
	}

	return State{
		DaysRemaining: remaining,
		Ended:         elapsed >= durationDays,
	}
}

// DaysElapsed количество полных суток между startedAt и now, не меньше нуля.
func DaysElapsed(startedAt, now time.Time) int {
	diff := now.Sub(startedAt)
	if diff <= 0 {
		return 0
	}
	return int(diff / day)
}
