package timex

import "time"

// RoundUp returns the smallest multiple of step that is >= sec.
// step <= 0 returns sec unchanged.
func RoundUp(sec, step int64) int64 {
	if step <= 0 {
		return sec
	}
	rm := sec % step
	if rm == 0 {
		return sec
	}
	return sec + step - rm
}

// Clock abstracts time for schedulers and stores that need deterministic tests.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// System is the wall clock.
var System Clock = systemClock{}
