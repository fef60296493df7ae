package filelock

// LivenessChecker reports whether the process that wrote a lock record is
// still running.
type LivenessChecker interface {
	IsAlive(pid int, hostname string) bool
}

// LivenessFunc adapts a function to LivenessChecker.
type LivenessFunc func(pid int, hostname string) bool

// IsAlive calls f.
func (f LivenessFunc) IsAlive(pid int, hostname string) bool {
	return f(pid, hostname)
}

// ProcessChecker checks liveness against the local process table. Holders
// on another host cannot be checked and are reported alive, so only the age
// threshold reclaims them and a no-expiry lock from another host stays until
// it is removed by hand.
type ProcessChecker struct {
	Hostname string
}

// IsAlive implements LivenessChecker.
func (c *ProcessChecker) IsAlive(pid int, hostname string) bool {
	if pid <= 0 {
		return false
	}
	if hostname != "" && c.Hostname != "" && hostname != c.Hostname {
		return true
	}
	return processExists(pid)
}
