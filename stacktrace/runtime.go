package stacktrace

import (
	"go/build"
	"runtime"
	"strings"

	"github.com/butschster/rr-sentry/event"
)

// sdkModule is the import path prefix of this SDK. Its own frames are
// dropped from synthetic stacks, except for test files.
const sdkModule = "github.com/butschster/rr-sentry/"

// FromCallers captures the stack of the calling goroutine, oldest frame first.
// skip is the number of additional callers to skip on top of FromCallers itself.
func FromCallers(skip int) []event.StackFrame {
	pcs := make([]uintptr, 100)
	n := runtime.Callers(skip+2, pcs)
	if n == 0 {
		return []event.StackFrame{}
	}
	return FromPCs(pcs[:n])
}

// FromPCs converts program counters into frames, oldest frame first
func FromPCs(pcs []uintptr) []event.StackFrame {
	frames := make([]event.StackFrame, 0, len(pcs))
	callers := runtime.CallersFrames(pcs)

	for {
		f, more := callers.Next()
		if f.Function != "" && !isSDKFrame(f) {
			frames = append(frames, goFrame(f))
		}
		if !more || len(frames) >= MaxFrames {
			break
		}
	}

	return reverse(frames)
}

func goFrame(f runtime.Frame) event.StackFrame {
	module, function := splitQualifiedName(f.Function)
	return event.StackFrame{
		Function: function,
		Module:   module,
		Filename: shortPath(f.File),
		AbsPath:  f.File,
		Lineno:   f.Line,
		InApp:    isGoInApp(module, f.File),
	}
}

func isSDKFrame(f runtime.Frame) bool {
	return strings.HasPrefix(f.Function, sdkModule) && !strings.HasSuffix(f.File, "_test.go")
}

func isGoInApp(module, file string) bool {
	if module == "main" {
		return true
	}
	if module == "runtime" || module == "testing" || !strings.Contains(module, ".") && !strings.Contains(module, "/") {
		// standard library packages have no dot in their first path element
		return false
	}
	if goroot := runtime.GOROOT(); goroot != "" && strings.HasPrefix(file, goroot) {
		return false
	}
	if strings.Contains(file, "/pkg/mod/") || strings.Contains(file, "/vendor/") {
		return false
	}
	if gopath := build.Default.GOPATH; gopath != "" && strings.HasPrefix(file, gopath+"/pkg/") {
		return false
	}
	return true
}

// splitQualifiedName splits "github.com/x/y.(*T).Method" into package and function
func splitQualifiedName(name string) (string, string) {
	lastSlash := strings.LastIndexByte(name, '/')
	dot := strings.IndexByte(name[lastSlash+1:], '.')
	if dot < 0 {
		return "", name
	}
	dot += lastSlash + 1
	return name[:dot], name[dot+1:]
}

// shortPath keeps the last two path segments of a Go source file
func shortPath(file string) string {
	idx := strings.LastIndexByte(file, '/')
	if idx < 0 {
		return file
	}
	if prev := strings.LastIndexByte(file[:idx], '/'); prev >= 0 {
		return file[prev+1:]
	}
	return file
}
