// Package nlog - spines logger, provides buffering, timestamping, writing,
// and flushing of the daemon's info/error logs. Log files are not rotated.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"flag"
	"time"

	"github.com/spines-itcore/spines/cmn/mono"
)

var MaxSize int64 = 4 * 1024 * 1024

func InitFlags(flset *flag.FlagSet) {
	flset.BoolVar(&toStderr, "logtostderr", false, "log to standard error instead of files")
	flset.BoolVar(&alsoToStderr, "alsologtostderr", false, "log to standard error as well as files")
}

func InfoDepth(depth int, args ...any)    { log(sevInfo, depth, "", args...) }
func Infoln(args ...any)                  { log(sevInfo, 0, "", args...) }
func Infof(format string, args ...any)    { log(sevInfo, 0, format, args...) }
func Warningln(args ...any)               { log(sevWarn, 0, "", args...) }
func Warningf(format string, args ...any) { log(sevWarn, 0, format, args...) }
func ErrorDepth(depth int, args ...any)   { log(sevErr, depth, "", args...) }
func Errorln(args ...any)                 { log(sevErr, 0, "", args...) }
func Errorf(format string, args ...any)   { log(sevErr, 0, format, args...) }

func SetLogDirRole(dir, role string) { logDir, aisrole = dir, role }
func SetTitle(s string)              { title = s }

func InfoLogName() string { return sname() + ".INFO" }
func ErrLogName() string  { return sname() + ".ERROR" }

// Flush writes out the info and error logs' queued buffers, but only for a
// log whose buffer has overflowed (oob) unless Flush(true) is called;
// Flush(true) additionally syncs and closes the underlying files (used on
// clean process exit). The warning log is not flushed here.
func Flush(exit ...bool) {
	ex := len(exit) > 0 && exit[0]
	for _, sev := range []severity{sevInfo, sevErr} {
		nl := nlogs[sev]
		if ex || nl.oob.Load() {
			nl.flush()
		}
		if ex && nl.file != nil {
			nl.file.Sync()
			nl.file.Close()
		}
	}
}

func Since() time.Duration {
	now := mono.NanoTime()
	a, b := nlogs[sevInfo].since(now), nlogs[sevErr].since(now)
	if a > b {
		return a
	}
	return b
}

func OOB() bool {
	return nlogs[sevInfo].oob.Load() || nlogs[sevErr].oob.Load()
}
