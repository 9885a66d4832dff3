package results

import (
	"fmt"
	"path"
	"regexp"
	"strings"
)

// Filter decides per file whether it is copied. A filter without patterns
// accepts everything.
type Filter struct {
	patterns []*regexp.Regexp
}

// NewFilter compiles the non-blank patterns.
func NewFilter(patterns ...string) (*Filter, error) {
	f := &Filter{}
	for _, pat := range patterns {
		pat = strings.TrimSpace(pat)
		if pat == "" {
			continue
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("compile filename filter %q: %w", pat, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Match reports whether the file at rel (slash-separated, relative to the run's
// output directory) passes. A pattern may match the relative path or the base name.
func (f *Filter) Match(rel string) bool {
	if f == nil || len(f.patterns) == 0 {
		return true
	}
	base := path.Base(rel)
	for _, re := range f.patterns {
		if re.MatchString(rel) || re.MatchString(base) {
			return true
		}
	}
	return false
}

func (f *Filter) String() string {
	if f == nil || len(f.patterns) == 0 {
		return ""
	}
	var parts []string
	for _, re := range f.patterns {
		parts = append(parts, re.String())
	}
	return strings.Join(parts, "\n")
}
