package sync

import (
	"strings"

	"github.com/gobwas/glob"

	"github.com/sidkik/mpysync/pkg/errors"
)

// Filter decides which paths take part in a sync. Paths are matched relative
// to the remote root, with forward slashes and no leading slash.
type Filter struct {
	include     []glob.Glob
	exclude     []glob.Glob
	allowHidden bool
}

// NewFilter compiles the include and exclude patterns.
func NewFilter(include, exclude []string, allowHidden bool) (Filter, error) {
	f := Filter{allowHidden: allowHidden}

	var err error
	if f.include, err = compilePatterns(include); err != nil {
		return Filter{}, errors.WithContext(err, "include")
	}
	if f.exclude, err = compilePatterns(exclude); err != nil {
		return Filter{}, errors.WithContext(err, "exclude")
	}
	return f, nil
}

func compilePatterns(patterns []string) ([]glob.Glob, error) {
	var globs []glob.Glob
	for _, pattern := range patterns {
		g, err := glob.Compile(strings.TrimPrefix(pattern, "/"), '/')
		if err != nil {
			return nil, errors.NewFriendlyError("Invalid pattern %q: %s", pattern, err)
		}
		globs = append(globs, g)
	}
	return globs, nil
}

// Match returns whether the path `rel` should be synced. Include patterns
// take precedence over exclude patterns, which take precedence over the
// hidden file rule. The root itself always matches.
func (f Filter) Match(rel string) bool {
	if rel == "." || rel == "" {
		return true
	}

	if matchAny(f.include, rel) {
		return true
	}
	if matchAny(f.exclude, rel) {
		return false
	}
	return f.allowHidden || !isHidden(rel)
}

func matchAny(globs []glob.Glob, rel string) bool {
	for _, g := range globs {
		if g.Match(rel) {
			return true
		}
	}
	return false
}

func isHidden(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if seg != "." && strings.HasPrefix(seg, ".") {
			return true
		}
	}
	return false
}
