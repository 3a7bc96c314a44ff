// Package nlog - spines logger, provides buffering, timestamping, writing,
// and flushing/rotating of the daemon's info/error logs.
/*
 * Copyright (c) 2023, NVIDIA CORPORATION. All rights reserved.
 */
package nlog

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/spines-itcore/spines/cmn/mono"
)

const (
	fixedSize   = 64 * 1024
	maxLineSize = 2 * 1024
)

type severity int

const (
	sevInfo severity = iota
	sevWarn
	sevErr
)

var sevText = [...]string{"INFO", "WARN", "ERROR"}

type nlog struct {
	file    *os.File
	pw      *fixed
	line    fixed
	toFlush []*fixed
	last    atomic.Int64
	written atomic.Int64
	sev     severity
	oob     atomic.Bool
	erred   atomic.Bool
	mw      sync.Mutex
}

var (
	nlogs         [3]*nlog
	onceInitFiles sync.Once

	toStderr, alsoToStderr bool
	logDir, aisrole, title string
	host                   string
	pid                    = os.Getpid()
)

func init() {
	host, _ = os.Hostname()
	if host == "" {
		host = "localhost"
	}
	for sev := sevInfo; sev <= sevErr; sev++ {
		nlogs[sev] = newNlog(sev)
	}
}

func initFiles() {
	if logDir == "" {
		logDir = os.TempDir()
	}
	now := time.Now()
	for sev := sevInfo; sev <= sevErr; sev++ {
		if f, _, err := fcreate(sevText[sev], now); err == nil {
			nlogs[sev].file = f
		} else {
			nlogs[sev].erred.Store(true)
		}
	}
}

// main function
func log(sev severity, depth int, format string, args ...any) {
	onceInitFiles.Do(initFiles)

	if toStderr {
		var fb fixed
		fb.buf = make([]byte, maxLineSize)
		sprintf(sev, depth, format, &fb, args...)
		os.Stderr.Write(fb.buf[:fb.woff])
		return
	}
	nl := nlogs[sev]
	nl.mw.Lock()
	nl.line.reset()
	sprintf(sev, depth+1, format, &nl.line, args...)
	nl.write(&nl.line)
	line := append([]byte(nil), nl.line.buf[:nl.line.woff]...)
	nl.mw.Unlock()
	if alsoToStderr || sev >= sevWarn {
		os.Stderr.Write(line)
	}
}

func newNlog(sev severity) *nlog {
	return &nlog{
		sev:     sev,
		pw:      &fixed{buf: make([]byte, fixedSize)},
		line:    fixed{buf: make([]byte, maxLineSize)},
		toFlush: make([]*fixed, 0, 4),
	}
}

func (nl *nlog) since(now int64) time.Duration { return time.Duration(now - nl.last.Load()) }

// under mw-lock
func (nl *nlog) write(line *fixed) {
	nl.pw.Write(line.buf[:line.woff])
	if nl.pw.avail() > maxLineSize {
		return
	}
	nl.toFlush = append(nl.toFlush, nl.pw)
	nl.oob.Store(true)
	nl.pw = &fixed{buf: make([]byte, fixedSize)}
}

func (nl *nlog) flush() {
	nl.mw.Lock()
	toFlush := nl.toFlush
	nl.toFlush = nil
	nl.oob.Store(false)
	nl.mw.Unlock()

	for _, pw := range toFlush {
		nl.do(pw)
	}
}

func (nl *nlog) do(pw *fixed) {
	if nl.erred.Load() || nl.file == nil {
		os.Stderr.Write(pw.buf[:pw.woff])
		return
	}
	n, err := pw.flush(nl.file)
	if err != nil {
		nl.erred.Store(true)
	}
	nl.written.Add(int64(n))
	nl.last.Store(mono.NanoTime())
}

func fcreate(tag string, now time.Time) (f *os.File, name string, err error) {
	name = fmt.Sprintf("%s.%s.%s.%s.%d.log", host, aisrole, tag, now.Format("20060102-150405"), pid)
	f, err = os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	return
}

func sname() string {
	if aisrole == "" {
		return host
	}
	return host + "." + aisrole
}

//
// fixed: a reusable append-only byte buffer
//

type fixed struct {
	buf  []byte
	woff int
}

func (fb *fixed) reset()      { fb.woff = 0 }
func (fb *fixed) length() int { return fb.woff }
func (fb *fixed) avail() int  { return len(fb.buf) - fb.woff }

func (fb *fixed) writeByte(c byte) {
	if fb.woff < len(fb.buf) {
		fb.buf[fb.woff] = c
		fb.woff++
	}
}

func (fb *fixed) writeString(s string) {
	n := copy(fb.buf[fb.woff:], s)
	fb.woff += n
}

func (fb *fixed) Write(p []byte) (int, error) {
	n := copy(fb.buf[fb.woff:], p)
	fb.woff += n
	return n, nil
}

func (fb *fixed) eol() { fb.writeByte('\n') }

func (fb *fixed) flush(f *os.File) (int, error) {
	n, err := f.Write(fb.buf[:fb.woff])
	fb.reset()
	return n, err
}

func formatHdr(s severity, depth int, fb *fixed) {
	const chars = "IWE"
	_, fn, ln, ok := runtime.Caller(3 + depth)
	fb.writeByte(chars[s])
	fb.writeByte(' ')
	now := time.Now()
	fb.writeString(now.Format("15:04:05.000000"))
	fb.writeByte(' ')
	if !ok {
		return
	}
	if idx := strings.LastIndexByte(fn, filepath.Separator); idx > 0 {
		fn = fn[idx+1:]
	}
	fb.writeString(fn)
	fb.writeByte(':')
	fb.writeString(strconv.Itoa(ln))
	fb.writeByte(' ')
}

func sprintf(sev severity, depth int, format string, fb *fixed, args ...any) {
	formatHdr(sev, depth+1, fb)
	if format == "" {
		fmt.Fprintln(fb, args...)
	} else {
		fmt.Fprintf(fb, format, args...)
		fb.eol()
	}
}
