// Licensed under the MIT License. See LICENSE file in the project root for details.

package runtime

import (
	"log"
	"os"
	"runtime/debug"
	"sync"
)

var abortMu sync.Mutex

var logger = log.New(os.Stderr, "epochguard: ", log.LstdFlags)

// abortFn is called by runtimeAbort for every fatal error kind (double free,
// invalid free, rendezvous invariant breach). Tests substitute it so they
// can assert abort behavior without killing the test binary. It is a
// package-level function variable, swapped through SetAbortHookForTest,
// rather than a dependency threaded through every call site.
var abortFn = func(msg string) {
	logger.Printf("fatal: %s\n%s", msg, debug.Stack())
	os.Exit(2)
}

// runtimeAbort terminates the process (or, under test, invokes the
// substituted abortFn) after logging a diagnostic stack trace, per the core
// design's error-handling taxonomy: double free, invalid free, and internal
// invariant breaches are all fatal.
func runtimeAbort(msg string) {
	abortMu.Lock()
	fn := abortFn
	abortMu.Unlock()
	fn(msg)
}

// SetAbortHookForTest substitutes the fatal-abort action and returns a
// closure that restores the default os.Exit(2) behavior. Exported only for
// tests in other packages of this module (e.g. the public epochguard
// package) that need to observe an abort without killing the test binary.
func SetAbortHookForTest(fn func(msg string)) (restore func()) {
	abortMu.Lock()
	prev := abortFn
	abortFn = fn
	abortMu.Unlock()
	return func() {
		abortMu.Lock()
		abortFn = prev
		abortMu.Unlock()
	}
}
