package tracker

import "time"

func deadlineFrom(d time.Duration) time.Time {
	return time.Now().Add(d)
}
