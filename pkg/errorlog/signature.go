package errorlog

import (
	"regexp"
	"strings"

	"github.com/core-tools/hsu-appwatch/pkg/records"
)

const maxStackLines = 10

var (
	exceptionPattern  = regexp.MustCompile(`\b(\w+(?:\.\w+)*(?:Exception|Error))\b(?::\s*([^\r\n]*))?`)
	stackLinePattern  = regexp.MustCompile(`^\s*at\s+\S`)
	memoryAreaPattern = regexp.MustCompile(`(?i)(Java heap space|Metaspace|Direct buffer memory|GC overhead limit exceeded)`)
)

// ParseSignature extracts a structured runtime error signature from message.
// It returns nil when the message carries no recognizable signature.
func ParseSignature(message string) *records.ErrorSignature {
	sig := &records.ErrorSignature{}

	if m := exceptionPattern.FindStringSubmatch(message); m != nil {
		sig.ExceptionType = m[1]
		sig.ExceptionMessage = strings.TrimSpace(m[2])
	}

	for _, line := range strings.Split(message, "\n") {
		if len(sig.StackTrace) == maxStackLines {
			break
		}
		if stackLinePattern.MatchString(line) {
			sig.StackTrace = append(sig.StackTrace, strings.TrimSpace(line))
		}
	}

	if strings.HasSuffix(sig.ExceptionType, "OutOfMemoryError") {
		if m := memoryAreaPattern.FindString(message); m != "" {
			sig.MemoryArea = m
		}
	}

	if sig.ExceptionType == "" && len(sig.StackTrace) == 0 {
		return nil
	}
	return sig
}
