// -----------------------------------------------------------------------
// Crash Protection - Fatal error handling and crash file generation
// -----------------------------------------------------------------------

package common

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"
)

// CrashLogDir is where crash reports land, beside the log files.
var CrashLogDir = "./logs"

// RecoverWithCrashFile recovers a panic, writes a post-mortem report
// and exits non-zero. Deferred at the top of main so a panic anywhere
// in the pipeline leaves a file behind instead of a bare stack dump.
func RecoverWithCrashFile() {
	r := recover()
	if r == nil {
		return
	}

	buf := make([]byte, 8192)
	n := runtime.Stack(buf, false)
	path := WriteCrashFile(r, string(buf[:n]))

	fmt.Fprintf(os.Stderr, "\n!!! FATAL CRASH - report saved to %s !!!\n", path)
	fmt.Fprintf(os.Stderr, "Panic: %v\n", r)
	os.Exit(1)
}

// WriteCrashFile writes the report and returns its path, or an empty
// string when even that failed (the report goes to stderr instead).
func WriteCrashFile(panicVal interface{}, stackTrace string) string {
	var report bytes.Buffer
	fmt.Fprintf(&report, "=== THALA CRASH REPORT ===\n")
	fmt.Fprintf(&report, "Time: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(&report, "Version: %s\n", GetFullVersion())
	fmt.Fprintf(&report, "Goroutines: %d\n\n", runtime.NumGoroutine())

	fmt.Fprintf(&report, "=== PANIC ===\n%v\n\n", panicVal)
	fmt.Fprintf(&report, "=== STACK ===\n%s\n", stackTrace)

	// A stuck fan-out is the usual suspect, so dump everyone.
	fmt.Fprintf(&report, "=== ALL GOROUTINES ===\n%s\n", allGoroutineStacks())

	if err := os.MkdirAll(CrashLogDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: cannot create %s: %v\n%s", CrashLogDir, err, report.String())
		return ""
	}

	path := filepath.Join(CrashLogDir, fmt.Sprintf("crash-%s.log", time.Now().Format("2006-01-02T15-04-05")))
	if err := os.WriteFile(path, report.Bytes(), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "CRASH: cannot write %s: %v\n%s", path, err, report.String())
		return ""
	}
	return path
}

func allGoroutineStacks() string {
	buf := make([]byte, 1024*1024)
	n := runtime.Stack(buf, true)
	return string(buf[:n])
}
