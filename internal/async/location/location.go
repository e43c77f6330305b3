// Package location captures and interns the call site of an instrumented
// async operation.
//
// Every registered promise carries the file and function of the frame that
// created it. Those strings are immutable for the promise's lifetime, and a
// given call site produces them over and over, so they are deduplicated in
// a process-wide depot keyed by program counter. A promise then holds two
// interned string references and one mutable line number instead of fresh
// allocations per registration.
package location

import (
	"runtime"
	"sync"
)

// CallSite is a by-value capture of one program location.
//
// File and Function are interned: two CallSites captured at the same
// program counter share the same backing strings.
type CallSite struct {
	File     string
	Function string
	Line     uint32
}

// frameInfo is the interned, line-independent part of a call site.
type frameInfo struct {
	file     string
	function string
}

// depot deduplicates frame lookups.
//
// Key: uintptr (program counter), value: *frameInfo. Reads are lock-free
// after the first capture at a given site; the depot grows with the number
// of distinct instrumentation sites, not with the number of promises.
var depot sync.Map

// Capture resolves the call site skip frames above the caller.
//
// skip follows the runtime.Caller convention relative to Capture's caller:
// 0 is the immediate caller, 1 its caller, and so on. A zero CallSite is
// returned if the stack cannot be resolved, which only happens for frames
// synthesized without symbol information.
func Capture(skip int) CallSite {
	pc, _, line, ok := runtime.Caller(skip + 1)
	if !ok {
		return CallSite{}
	}

	if cached, ok := depot.Load(pc); ok {
		info := cached.(*frameInfo)
		return CallSite{File: info.file, Function: info.function, Line: uint32(line)}
	}

	// First capture at this pc: resolve and intern. Concurrent first
	// captures race benignly, LoadOrStore keeps a single winner.
	frames := runtime.CallersFrames([]uintptr{pc})
	frame, _ := frames.Next()
	info := &frameInfo{file: frame.File, function: frame.Function}
	actual, _ := depot.LoadOrStore(pc, info)
	info = actual.(*frameInfo)
	return CallSite{File: info.file, Function: info.function, Line: uint32(line)}
}
