//go:build debug

// Package debug provides build-tag-gated assertions: compiled out entirely
// in production builds, active when built with `-tags debug`.
/*
 * Copyright (c) 2018-2021, NVIDIA CORPORATION. All rights reserved.
 */
package debug

import (
	"fmt"
	"sync"

	"github.com/spines-itcore/spines/cmn/nlog"
)

func ON() bool { return true }

func Infof(format string, a ...any) { nlog.InfoDepth(1, fmt.Sprintf(format, a...)) }

func Func(f func()) { f() }

func Assert(cond bool, args ...any) {
	if !cond {
		panic(fmt.Sprintln(append([]any{"assertion failed:"}, args...)...))
	}
}

func AssertFunc(f func() bool, args ...any) { Assert(f(), args...) }

func AssertNoErr(err error) {
	if err != nil {
		panic("unexpected error: " + err.Error())
	}
}

func Assertf(cond bool, format string, a ...any) {
	if !cond {
		panic("assertion failed: " + fmt.Sprintf(format, a...))
	}
}

// AssertMutexLocked fires if the mutex is found unlocked via a non-blocking
// TryLock-and-release probe.
func AssertMutexLocked(m *sync.Mutex) {
	if m.TryLock() {
		m.Unlock()
		panic("mutex is not locked")
	}
}

func AssertRWMutexLocked(m *sync.RWMutex) {
	if m.TryLock() {
		m.Unlock()
		panic("rwmutex is not locked")
	}
}

func AssertRWMutexRLocked(m *sync.RWMutex) {
	if m.TryRLock() {
		m.RUnlock()
		panic("rwmutex is not r-locked")
	}
}
