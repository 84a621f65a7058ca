package entity

import (
	"path"
	"path/filepath"
	"regexp"
	"strings"
)

var windowsDrive = regexp.MustCompile(`^\w:`)

// ToPosix converts a local path into POSIX form: backslashes become slashes
// and a leading drive letter is dropped.
func ToPosix(p string) string {
	p = strings.ReplaceAll(p, `\`, "/")
	return windowsDrive.ReplaceAllString(p, "")
}

// ToLocal converts a POSIX path into the local OS form.
func ToLocal(p string) string {
	return filepath.FromSlash(p)
}

// Resolve joins `p` onto the working directory `cwd` and flattens the result.
// A ".." segment removes the segment before it, and is dropped when it would
// climb above the root. Resolve never fails.
func Resolve(cwd, p string) string {
	p = ToPosix(p)
	joined := p
	if !strings.HasPrefix(p, "/") {
		joined = ToPosix(cwd) + "/" + p
	}

	var parts []string
	for _, seg := range strings.Split(joined, "/") {
		switch seg {
		case "", ".":
		case "..":
			if len(parts) > 0 {
				parts = parts[:len(parts)-1]
			}
		default:
			parts = append(parts, seg)
		}
	}
	return "/" + strings.Join(parts, "/")
}

// Rel returns `p` relative to `root`, both absolute POSIX paths, without a
// leading slash. The root itself is ".". ok is false if `p` isn't within `root`.
func Rel(root, p string) (rel string, ok bool) {
	root = path.Clean("/" + root)
	p = path.Clean("/" + p)
	if p == root {
		return ".", true
	}
	prefix := root
	if prefix != "/" {
		prefix += "/"
	}
	if !strings.HasPrefix(p, prefix) {
		return "", false
	}
	return strings.TrimPrefix(p, prefix), true
}
