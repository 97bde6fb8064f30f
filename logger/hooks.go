package logger

import (
	"runtime"
	"strings"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// callerHook adjusts the caller reported by logrus so it points
// to the original call site outside of the logger package.
type callerHook struct{}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire sets the entry's Caller to the first frame outside of logrus
// and this package.
func (h *callerHook) Fire(entry *logrus.Entry) error {
	pcs := make([]uintptr, 16)
	// Skip runtime.Callers, this method and logrus hook dispatch.
	n := runtime.Callers(6, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		fn := frame.Function
		if !strings.Contains(fn, "sirupsen/logrus") && !strings.Contains(fn, "depthsync/logger") {
			entry.Caller = &frame
			return nil
		}
		if !more {
			return nil
		}
	}
}

// levelCounter tallies warnings and errors for the runtime report.
type levelCounter struct {
	warns  atomic.Int64
	errors atomic.Int64
}

func (c *levelCounter) Levels() []logrus.Level {
	return []logrus.Level{logrus.WarnLevel, logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel}
}

func (c *levelCounter) Fire(entry *logrus.Entry) error {
	if entry.Level == logrus.WarnLevel {
		c.warns.Add(1)
	} else {
		c.errors.Add(1)
	}
	return nil
}
