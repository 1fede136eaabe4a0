package stacktrace

import (
	"regexp"
	"strings"
)

// libraryMarkers classify a frame as library or vendor code
var libraryMarkers = []string{
	"node_modules",
	"/vendor/",
	"webpack/bootstrap",
	"/~/",
	"/unpkg.com/",
	"/cdnjs.",
	"/cdn.",
	"//cdn.",
	"/jsdelivr.",
	"/pkg/mod/",
	"<anonymous>",
	"[native code]",
}

var extensionSchemes = []string{
	"chrome-extension://",
	"moz-extension://",
	"safari-extension://",
	"safari-web-extension://",
	"ms-browser-extension://",
}

// contentHashRegex matches bundler hash suffixes such as app.3f2a9c1b.js or main-4f5e6a7b8c.min.js
var contentHashRegex = regexp.MustCompile(`[.-][0-9a-fA-F]{8,}((?:\.min)?\.[A-Za-z0-9]+)$`)

// IsInApp reports whether path belongs to application code
func IsInApp(path string) bool {
	if path == "" || path == "native" {
		return false
	}

	lower := strings.ToLower(path)
	for _, scheme := range extensionSchemes {
		if strings.HasPrefix(lower, scheme) {
			return false
		}
	}
	for _, marker := range libraryMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}

	return true
}

// NormalizeFilename strips query strings, hash fragments and content-hash
// suffixes so re-bundled builds keep the same filename.
func NormalizeFilename(path string) string {
	if i := strings.IndexByte(path, '#'); i >= 0 {
		path = path[:i]
	}
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}

	dir, base := "", path
	if i := strings.LastIndexByte(path, '/'); i >= 0 {
		dir, base = path[:i+1], path[i+1:]
	}

	if loc := contentHashRegex.FindStringSubmatchIndex(base); loc != nil {
		// keep the name before the hash and re-attach the extension
		base = base[:loc[0]] + base[loc[2]:loc[3]]
	}

	return dir + base
}
