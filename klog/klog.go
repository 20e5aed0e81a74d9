// Package klog provides per-subsystem debug tracing, generalizing the
// ad hoc bdev_debug boolean the teacher kernel used for its block layer
// into one named logger per subsystem.
package klog

import (
	"fmt"
	"log"
	"os"
	"sync"

	"github.com/zhmu/dogfood-sub000/caller"
)

var (
	mu      sync.Mutex
	loggers = map[string]*Logger{}
)

// Logger traces activity for one subsystem (e.g. "bio", "ext2", "proc").
// Tracing is off by default; boot code enables the subsystems it wants
// noisy without recompiling.
type Logger struct {
	name    string
	enabled bool
	out     *log.Logger
	distinct caller.Distinct_caller_t
}

// For returns the named subsystem logger, creating it on first use.
func For(name string) *Logger {
	mu.Lock()
	defer mu.Unlock()
	if l, ok := loggers[name]; ok {
		return l
	}
	l := &Logger{
		name: name,
		out:  log.New(os.Stderr, "["+name+"] ", log.Lmicroseconds),
	}
	loggers[name] = l
	return l
}

// Enable turns tracing on for this subsystem.
func (l *Logger) Enable() {
	mu.Lock()
	l.enabled = true
	mu.Unlock()
}

// Disable turns tracing off for this subsystem.
func (l *Logger) Disable() {
	mu.Lock()
	l.enabled = false
	mu.Unlock()
}

// Enabled reports whether tracing is currently on.
func (l *Logger) Enabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return l.enabled
}

// Tracef logs a formatted trace line if this subsystem's tracing is on.
func (l *Logger) Tracef(format string, args ...interface{}) {
	if !l.Enabled() {
		return
	}
	l.out.Output(2, fmt.Sprintf(format, args...))
}

// Once logs a formatted message only the first time it is reached from a
// given call chain, rate-limiting repeated diagnostics (e.g. the same
// page fault killing process after process). Always active, independent
// of Enable/Disable, since these are meant to survive in production.
func (l *Logger) Once(format string, args ...interface{}) {
	l.distinct.Enabled = true
	if distinct, trace := l.distinct.Distinct(); distinct {
		l.out.Output(2, fmt.Sprintf(format, args...)+"\n"+trace)
	}
}
