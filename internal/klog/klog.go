// Package klog provides the kernel-wide structured logger. The console
// device writes with fmt directly (it models the physical CGA/UART text
// console); the boot milestone, process fork/exit, and cmd/biscuitctl's
// mkfs/fsck results log through this package. The journal, the
// scheduler loop, and panics do not log. Grounded on jra3-system-agent's
// cmd/main.go choice of go-logr/logr backed by zap.
package klog

import (
	"sync"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

var (
	mu  sync.Mutex
	log logr.Logger
	set bool
)

// Init installs the kernel logger. Subsequent calls replace it; this is
// meant to be called once from boot and again by tests that want a
// silenced or observed logger.
func Init(l logr.Logger) {
	mu.Lock()
	defer mu.Unlock()
	log = l
	set = true
}

// InitDefault installs a production zap-backed logger if one hasn't been
// installed yet.
func InitDefault() {
	mu.Lock()
	already := set
	mu.Unlock()
	if already {
		return
	}
	zl, err := zap.NewProduction()
	if err != nil {
		zl = zap.NewNop()
	}
	Init(zapr.NewLogger(zl))
}

// L returns the current kernel logger, installing a default if necessary.
func L() logr.Logger {
	mu.Lock()
	s := set
	l := log
	mu.Unlock()
	if !s {
		InitDefault()
		mu.Lock()
		l = log
		mu.Unlock()
	}
	return l
}

// Discard installs a no-op logger, used by unit tests that don't want boot
// noise.
func Discard() {
	Init(logr.Discard())
}
