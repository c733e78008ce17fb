package vmconf

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	cueerrors "cuelang.org/go/cue/errors"
)

// Detail describes one schema violation.
type Detail struct {
	Path    string // 0.group
	Code    string // missing_required | unknown_field | conflicting_values | invalid
	Message string
	Line    int
}

func (d Detail) Error() string {
	if d.Line > 0 {
		return fmt.Sprintf("line %d: %s", d.Line, d.Message)
	}
	return d.Message
}

var (
	reIncomplete = regexp.MustCompile(`(?i)incomplete value|field is required`)
	reNotAllowed = regexp.MustCompile(`(?i)not allowed|unknown field`)
	reConflict   = regexp.MustCompile(`(?i)conflicting values|cannot unify|incompatible|empty disjunction`)
)

// Details returns the schema violations carried by err.
func Details(err error) []Detail {
	switch e := err.(type) {
	case Detail:
		return []Detail{e}
	case interface{ Unwrap() []error }:
		var out []Detail
		for _, x := range e.Unwrap() {
			out = append(out, Details(x)...)
		}
		return out
	case interface{ Unwrap() error }:
		return Details(e.Unwrap())
	}
	return nil
}

// humanize turns a cue validation error into one Detail per distinct
// position.
func humanize(err error) error {
	seen := make(map[string]struct{})
	var errs []error
	for _, e := range cueerrors.Errors(err) {
		format, args := e.Msg()
		raw := fmt.Sprintf(format, args...)
		path := normalizePath(e.Path())
		line := 0
		for _, p := range cueerrors.Positions(e) {
			if p.Filename() != "" && p.Filename() != "vms.cue" {
				line = p.Line()
				break
			}
		}
		key := path + "\x00" + strconv.Itoa(line)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		errs = append(errs, classify(raw, path, line))
	}
	if len(errs) == 0 {
		return err
	}
	return errors.Join(errs...)
}

func classify(raw, path string, line int) Detail {
	d := Detail{Path: path, Line: line}
	field := describe(path)
	switch {
	case reNotAllowed.MatchString(raw):
		d.Code, d.Message = "unknown_field", fmt.Sprintf("field %s is not allowed", field)
	case reIncomplete.MatchString(raw):
		d.Code, d.Message = "missing_required", fmt.Sprintf("field %s is required", field)
	case reConflict.MatchString(raw):
		d.Code, d.Message = "conflicting_values", fmt.Sprintf("invalid value for %s: %s", field, raw)
	default:
		d.Code, d.Message = "invalid", fmt.Sprintf("%s: %s", field, raw)
	}
	return d
}

// describe renders "0.group" as "group of vm #1".
func describe(path string) string {
	idx, rest, ok := strings.Cut(path, ".")
	n, err := strconv.Atoi(idx)
	if err != nil {
		if path == "" {
			return "configuration"
		}
		return path
	}
	if !ok {
		return fmt.Sprintf("vm #%d", n+1)
	}
	return fmt.Sprintf("%s of vm #%d", rest, n+1)
}

func normalizePath(p []string) string {
	if len(p) > 0 && strings.HasPrefix(p[0], "#") {
		p = p[1:]
	}
	return strings.Join(p, ".")
}
