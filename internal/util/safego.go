package util

import (
	"runtime/debug"
	"sync"

	"github.com/veggaen/phasestake/internal/logging"
)

var (
	panicHookMu sync.RWMutex
	panicHook   func(name string)
)

// SetPanicHook registers a callback invoked after a recovered goroutine panic.
// Pass nil to clear it.
func SetPanicHook(fn func(name string)) {
	panicHookMu.Lock()
	defer panicHookMu.Unlock()
	panicHook = fn
}

// SafeGo runs fn in a goroutine with panic recovery.
func SafeGo(fn func()) {
	SafeGoWithName("anonymous", fn)
}

// SafeGoWithName runs fn in a goroutine with panic recovery, logging the panic
// with the goroutine name and stack.
//
//	util.SafeGoWithName("refresh-loop", func() {
//	    // goroutine code here
//	})
func SafeGoWithName(name string, fn func()) {
	go func() {
		defer recoverPanic(name)
		fn()
	}()
}

func recoverPanic(name string) {
	r := recover()
	if r == nil {
		return
	}
	logging.Error("goroutine panic recovered",
		"goroutine", name,
		"panic", r,
		"stack", string(debug.Stack()),
	)

	panicHookMu.RLock()
	hook := panicHook
	panicHookMu.RUnlock()
	if hook != nil {
		hook(name)
	}
}
