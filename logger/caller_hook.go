package logger

import (
	"runtime"
	"strings"

	"github.com/sirupsen/logrus"
)

// wrapperFrames lists function prefixes that never count as the call site.
var wrapperFrames = []string{
	"github.com/sirupsen/logrus.",
	"optionflow/logger.(*Log).",
	"optionflow/logger.(*Entry).",
	"optionflow/logger.(*callerHook).",
}

// callerHook rewrites the reported caller to the first frame outside logrus
// and the Log/Entry wrappers.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !isWrapperFrame(frame.Function) {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

func isWrapperFrame(fn string) bool {
	for _, prefix := range wrapperFrames {
		if strings.HasPrefix(fn, prefix) {
			return true
		}
	}
	return false
}
