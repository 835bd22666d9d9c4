// Package session derives a boot-time/uptime fingerprint used to tell a
// host reboot apart from an agent restart.
package session

import (
	"context"
	"time"

	"github.com/shirou/gopsutil/v3/host"
)

// Fingerprint captures when the machine booted, when this agent process
// started, and the system uptime at capture time. Boot time is stable for
// the lifetime of a machine; a changed boot time means a reboot.
type Fingerprint struct {
	BootTime       uint64 `json:"boot_time"`
	AgentStartTime uint64 `json:"agent_start_time"`
	UptimeSeconds  uint64 `json:"uptime_seconds"`
}

// Capture reads the current boot time and uptime from the host and stamps
// the process start as now. Host probe failures leave the corresponding
// field at zero rather than failing — the fingerprint is advisory.
func Capture(ctx context.Context) Fingerprint {
	fp := Fingerprint{
		AgentStartTime: uint64(time.Now().Unix()),
	}
	if bootTime, err := host.BootTimeWithContext(ctx); err == nil {
		fp.BootTime = bootTime
	}
	if uptime, err := host.UptimeWithContext(ctx); err == nil {
		fp.UptimeSeconds = uptime
	}
	return fp
}

// ConsistentWith reports whether this fingerprint plausibly continues the
// previous one after elapsedSeconds of wall time.
//
// A different boot time is always inconsistent (reboot or different
// machine). A different agent start time with the same boot time is an
// agent restart and counts as consistent. Otherwise uptime must have grown
// by roughly the elapsed time, within 10% tolerance and a minimum 5 second
// slack for clock drift and measurement delay.
func (f Fingerprint) ConsistentWith(previous Fingerprint, elapsedSeconds uint64) bool {
	if f.BootTime != previous.BootTime {
		return false
	}

	if f.AgentStartTime != previous.AgentStartTime {
		return true
	}

	expected := int64(previous.UptimeSeconds + elapsedSeconds)
	diff := int64(f.UptimeSeconds) - expected
	if diff < 0 {
		diff = -diff
	}
	tolerance := int64(float64(elapsedSeconds)*0.1) + 5
	return diff <= tolerance
}
