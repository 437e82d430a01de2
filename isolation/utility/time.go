// isolation/utility/time.go
package utility

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

var (
	bootTime     time.Time
	bootTimeOnce sync.Once
)

// BootTime returns the wall-clock time the system booted, computed once.
// If /proc/uptime cannot be read the process start time is used instead.
func BootTime() time.Time {
	bootTimeOnce.Do(func() {
		var err error
		bootTime, err = getBootTime()
		if err != nil {
			log.Printf("[utility] boot time unavailable, using current time: %v", err)
			bootTime = time.Now()
		}
	})
	return bootTime
}

// getBootTime reads the uptime from /proc/uptime and computes the boot time.
// Example: If /proc/uptime returns "12345.67 54321.21" and the current time is T,
// then bootTime = T - 12345.67 seconds.
func getBootTime() (time.Time, error) {
	data, err := os.ReadFile("/proc/uptime")
	if err != nil {
		return time.Time{}, err
	}
	return parseUptime(string(data), time.Now())
}

func parseUptime(data string, now time.Time) (time.Time, error) {
	parts := strings.Fields(data)
	if len(parts) < 1 {
		return time.Time{}, fmt.Errorf("unexpected /proc/uptime format")
	}
	uptimeSeconds, err := strconv.ParseFloat(parts[0], 64)
	if err != nil {
		return time.Time{}, err
	}
	return now.Add(-time.Duration(uptimeSeconds * float64(time.Second))), nil
}

// BpfTime converts a boot-relative nanosecond timestamp (bpf_ktime_get_ns)
// to wall-clock time.
func BpfTime(bpfNs uint64) time.Time {
	return BootTime().Add(time.Duration(bpfNs))
}

// FormatTime renders t with nanosecond precision in the local zone.
func FormatTime(t time.Time) string {
	return t.Local().Format("2006-01-02T15:04:05.000000000Z07:00")
}
