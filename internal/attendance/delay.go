package attendance

import (
	"strconv"
	"strings"
)

// ComputeDelay returns how many minutes checkTime is past scheduleStart, both
// given as "HH:MM" wall-clock values in the same zone. Early arrivals yield 0.
func ComputeDelay(scheduleStart, checkTime string) int {
	start := minutesOfDay(scheduleStart)
	check := minutesOfDay(checkTime)
	if check <= start {
		return 0
	}
	return check - start
}

// minutesOfDay converts "HH:MM" to minutes since midnight. Malformed parts
// count as zero.
func minutesOfDay(hhmm string) int {
	h, m, _ := strings.Cut(strings.TrimSpace(hhmm), ":")
	hours, _ := strconv.Atoi(h)
	mins, _ := strconv.Atoi(m)
	return hours*60 + mins
}
