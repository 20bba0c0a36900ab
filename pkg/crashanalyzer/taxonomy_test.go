package crashanalyzer

import (
	"testing"

	"github.com/core-tools/hsu-appwatch/pkg/records"

	"github.com/stretchr/testify/assert"
)

func code(v int64) *int64 {
	return &v
}

func TestClassify(t *testing.T) {
	classifier := NewClassifier([]int64{3})

	tests := []struct {
		name   string
		code   *int64
		crash  bool
		cause  records.Cause
		detail string
	}{
		{"unobservable", nil, false, records.CauseUnknown, "exit status not observable"},
		{"clean exit", code(0), false, records.CauseNormal, ""},
		{"runtime oom code", code(3), true, records.CauseOutOfMemory, "runtime out-of-memory exit code 3"},
		{"access violation", code(0xC0000005), true, records.CauseSignal, "STATUS_ACCESS_VIOLATION"},
		{"access violation sign extended", code(-1073741819), true, records.CauseSignal, "STATUS_ACCESS_VIOLATION"},
		{"stack overflow", code(0xC00000FD), true, records.CauseSignal, "STATUS_STACK_OVERFLOW"},
		{"no memory status", code(0xC0000017), true, records.CauseOutOfMemory, "STATUS_NO_MEMORY"},
		{"shell signal kill", code(137), true, records.CauseSignal, "SIGKILL"},
		{"shell signal segv", code(139), true, records.CauseSignal, "SIGSEGV"},
		{"negative signal", code(-6), true, records.CauseSignal, "SIGABRT"},
		{"unnamed signal", code(128 + 20), true, records.CauseSignal, "signal 20"},
		{"generic failure", code(1), true, records.CauseUnknown, "exit code 1"},
		{"large unknown", code(255), true, records.CauseUnknown, "exit code 255"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifier.Classify(tt.code)
			assert.Equal(t, tt.crash, got.Crash)
			assert.Equal(t, tt.cause, got.Cause)
			assert.Equal(t, tt.detail, got.Detail)
		})
	}
}

func TestClassify_NoRuntimeOOMCodes(t *testing.T) {
	got := NewClassifier(nil).Classify(code(3))
	assert.True(t, got.Crash)
	assert.Equal(t, records.CauseUnknown, got.Cause)
}
