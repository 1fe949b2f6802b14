package runtime

// PanicPolicy decides what happens after a recovered panic has been recorded.
type PanicPolicy int

const (
	// KeepRunning swallows the panic once it has been logged.
	KeepRunning PanicPolicy = iota
	// CrashProcess re-panics after logging.
	CrashProcess
)

// String returns the policy name.
func (p PanicPolicy) String() string {
	switch p {
	case KeepRunning:
		return "KeepRunning"
	case CrashProcess:
		return "CrashProcess"
	default:
		return "Unknown"
	}
}
