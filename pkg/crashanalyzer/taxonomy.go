package crashanalyzer

import (
	"fmt"
	"math"

	"github.com/core-tools/hsu-appwatch/pkg/records"
)

// Classification is the interpreted outcome of one exit
type Classification struct {
	Crash  bool
	Cause  records.Cause
	Detail string
}

// NTSTATUS codes a Windows process terminates with when it dies abnormally
var fatalStatusCodes = map[uint32]string{
	0xC0000005: "STATUS_ACCESS_VIOLATION",
	0xC000001D: "STATUS_ILLEGAL_INSTRUCTION",
	0xC0000025: "STATUS_NONCONTINUABLE_EXCEPTION",
	0xC000008E: "STATUS_FLOAT_DIVIDE_BY_ZERO",
	0xC0000094: "STATUS_INTEGER_DIVIDE_BY_ZERO",
	0xC00000FD: "STATUS_STACK_OVERFLOW",
	0xC000013A: "STATUS_CONTROL_C_EXIT",
	0xC0000142: "STATUS_DLL_INIT_FAILED",
	0xC0000374: "STATUS_HEAP_CORRUPTION",
	0xC0000409: "STATUS_STACK_BUFFER_OVERRUN",
	0xC0000420: "STATUS_ASSERTION_FAILURE",
	0x40010004: "DBG_TERMINATE_PROCESS",
	0xE0434352: "CLR_UNHANDLED_EXCEPTION",
}

var outOfMemoryStatusCodes = map[uint32]string{
	0xC0000017: "STATUS_NO_MEMORY",
	0xC000012D: "STATUS_COMMITMENT_LIMIT",
}

var signalNames = map[int64]string{
	1: "SIGHUP", 2: "SIGINT", 3: "SIGQUIT", 4: "SIGILL", 5: "SIGTRAP", 6: "SIGABRT",
	7: "SIGBUS", 8: "SIGFPE", 9: "SIGKILL", 10: "SIGUSR1", 11: "SIGSEGV", 12: "SIGUSR2",
	13: "SIGPIPE", 14: "SIGALRM", 15: "SIGTERM",
}

func signalName(n int64) string {
	if name, ok := signalNames[n]; ok {
		return name
	}
	return fmt.Sprintf("signal %d", n)
}

// Classifier maps exit codes onto the closed cause taxonomy
type Classifier struct {
	oomExitCodes map[int64]bool
}

// NewClassifier creates a classifier; oomExitCodes are runtime specific codes
// signalling an out-of-memory abort (the JVM uses 3 with ExitOnOutOfMemoryError)
func NewClassifier(oomExitCodes []int64) *Classifier {
	c := &Classifier{oomExitCodes: make(map[int64]bool, len(oomExitCodes))}
	for _, code := range oomExitCodes {
		c.oomExitCodes[code] = true
	}
	return c
}

// Classify interprets an exit code; nil means the status could not be observed
func (c *Classifier) Classify(code *int64) Classification {
	if code == nil {
		return Classification{Cause: records.CauseUnknown, Detail: "exit status not observable"}
	}

	value := *code
	if value == 0 {
		return Classification{Cause: records.CauseNormal}
	}

	if c.oomExitCodes[value] {
		return Classification{Crash: true, Cause: records.CauseOutOfMemory, Detail: fmt.Sprintf("runtime out-of-memory exit code %d", value)}
	}

	// NTSTATUS values may arrive sign extended
	if value < 0 && value >= math.MinInt32 {
		value = int64(uint32(value))
	}
	if value > 0 && value <= math.MaxUint32 {
		status := uint32(value)
		if name, ok := outOfMemoryStatusCodes[status]; ok {
			return Classification{Crash: true, Cause: records.CauseOutOfMemory, Detail: name}
		}
		if name, ok := fatalStatusCodes[status]; ok {
			return Classification{Crash: true, Cause: records.CauseSignal, Detail: name}
		}
	}

	// Shell convention 128+N, and negative N as reported for signalled children
	switch {
	case *code > 128 && *code < 128+32:
		return Classification{Crash: true, Cause: records.CauseSignal, Detail: signalName(*code - 128)}
	case *code < 0 && *code > -32:
		return Classification{Crash: true, Cause: records.CauseSignal, Detail: signalName(-*code)}
	}

	return Classification{Crash: true, Cause: records.CauseUnknown, Detail: fmt.Sprintf("exit code %d", *code)}
}
