package filter

import (
	"errors"
	"regexp"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/xerrors"
)

var ErrInvalidPattern = errors.New("invalid filter pattern")

// StringFilter is a compiled simple glob. "*" matches any run of characters;
// every other character must be alphanumeric, "_" or "." and matches itself.
// A leading "!" turns the filter into a negating one.
type StringFilter struct {
	pattern  string
	negating bool
	re       *regexp.Regexp
}

func Compile(pattern string) (StringFilter, error) {
	p := strings.TrimSpace(pattern)
	if p == "" {
		return StringFilter{}, xerrors.Errorf("pattern must not be empty: %w", ErrInvalidPattern)
	}

	negating := strings.HasPrefix(p, "!")
	body := strings.TrimPrefix(p, "!")
	if body == "" {
		return StringFilter{}, xerrors.Errorf("%q has nothing after '!': %w", pattern, ErrInvalidPattern)
	}

	var expr strings.Builder
	expr.WriteString("^")
	for _, c := range body {
		switch {
		case c == '*':
			expr.WriteString(".*")
		case c == '.':
			expr.WriteString(`\.`)
		case c == '_' || isAlnum(c):
			expr.WriteRune(c)
		default:
			return StringFilter{}, xerrors.Errorf("%q must be alphanumeric or underscore with * wildcards or a leading ! only: %w", pattern, ErrInvalidPattern)
		}
	}
	expr.WriteString("$")

	return StringFilter{
		pattern:  p,
		negating: negating,
		re:       regexp.MustCompile(expr.String()),
	}, nil
}

func MustCompile(pattern string) StringFilter {
	f, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return f
}

func (f StringFilter) Negating() bool {
	return f.negating
}

func (f StringFilter) Match(candidate string) bool {
	if f.re == nil || candidate == "" {
		return false
	}
	return f.re.MatchString(candidate)
}

func (f StringFilter) String() string {
	return f.pattern
}

// ParseList compiles a comma separated pattern list. Empty entries are ignored.
// Malformed entries are skipped and reported in the returned error; the valid
// ones are still returned.
func ParseList(list string) ([]StringFilter, error) {
	entries := lo.Filter(lo.Map(strings.Split(list, ","), func(s string, _ int) string {
		return strings.TrimSpace(s)
	}), func(s string, _ int) bool {
		return s != ""
	})

	filters := make([]StringFilter, 0, len(entries))
	var errs []error
	for _, entry := range entries {
		f, err := Compile(entry)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		filters = append(filters, f)
	}

	if len(errs) > 0 {
		return filters, errors.Join(errs...)
	}
	return filters, nil
}

func isAlnum(c rune) bool {
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
