package interp

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/ohler55/ojg/jp"
	"github.com/ohler55/ojg/oj"

	"github.com/3cpo-dev/trellis/pkg/api"
)

// MarkerPrefix starts a stdout line that sets an output: ::output::key=value
const MarkerPrefix = "::output::"

// Capture extracts the declared outputs from a successful attempt's stdout.
// Values that are not present are left out; a downstream reference to them
// then fails resolution. Invalid expressions are returned as errors.
func Capture(outputs []api.OutputSpec, stdout string) (map[string]string, error) {
	values := make(map[string]string, len(outputs))
	var markers map[string]string
	var doc any
	var docErr error
	parsed := false

	for _, o := range outputs {
		switch o.From {
		case "", api.OutputMarker:
			if markers == nil {
				markers = parseMarkers(stdout)
			}
			key := o.Name
			if o.Expr != "" {
				key = o.Expr
			}
			if v, ok := markers[key]; ok {
				values[o.Name] = v
			}
		case api.OutputStdout:
			values[o.Name] = strings.TrimSpace(stdout)
		case api.OutputLine:
			n, err := strconv.Atoi(strings.TrimSpace(o.Expr))
			if err != nil {
				return nil, fmt.Errorf("output %s: line index %q: %w", o.Name, o.Expr, err)
			}
			if v, ok := line(stdout, n); ok {
				values[o.Name] = v
			}
		case api.OutputRegex:
			re, err := regexp.Compile(o.Expr)
			if err != nil {
				return nil, fmt.Errorf("output %s: compile regex: %w", o.Name, err)
			}
			if m := re.FindStringSubmatch(stdout); m != nil {
				if len(m) > 1 {
					values[o.Name] = m[1]
				} else {
					values[o.Name] = m[0]
				}
			}
		case api.OutputJSONPath:
			path, err := jp.ParseString(o.Expr)
			if err != nil {
				return nil, fmt.Errorf("output %s: parse jsonpath: %w", o.Name, err)
			}
			if !parsed {
				doc, docErr = oj.ParseString(strings.TrimSpace(stdout))
				parsed = true
			}
			if docErr != nil {
				continue
			}
			if res := path.Get(doc); len(res) > 0 {
				values[o.Name] = stringify(res[0])
			}
		default:
			return nil, fmt.Errorf("output %s: unknown source %q", o.Name, o.From)
		}
	}
	return values, nil
}

// parseMarkers returns the last value set for each key.
func parseMarkers(stdout string) map[string]string {
	out := make(map[string]string)
	for _, l := range strings.Split(stdout, "\n") {
		l = strings.TrimRight(l, "\r")
		if !strings.HasPrefix(l, MarkerPrefix) {
			continue
		}
		kv := strings.TrimPrefix(l, MarkerPrefix)
		i := strings.IndexByte(kv, '=')
		if i <= 0 {
			continue
		}
		out[strings.TrimSpace(kv[:i])] = kv[i+1:]
	}
	return out
}

// line returns the nth line (0-based); negative n counts from the end.
// Trailing empty lines are ignored.
func line(stdout string, n int) (string, bool) {
	lines := strings.Split(strings.TrimRight(stdout, "\r\n"), "\n")
	if n < 0 {
		n += len(lines)
	}
	if n < 0 || n >= len(lines) {
		return "", false
	}
	return strings.TrimRight(lines[n], "\r"), true
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "null"
	}
	return oj.JSON(v)
}
