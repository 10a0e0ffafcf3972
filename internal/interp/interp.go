// Package interp resolves {{task.key}} placeholders in command templates
// against the outputs of upstream tasks.
package interp

import (
	"fmt"
	"regexp"
	"strings"
)

// VarsNamespace prefixes pipeline variables: {{vars.NAME}}.
const VarsNamespace = "vars"

var placeholder = regexp.MustCompile(`\{\{\s*([^{}\s]*)\s*\}\}`)

// Ref is one placeholder. Key is the text after the last dot, so task ids may
// themselves contain dots.
type Ref struct {
	Task string
	Key  string
	Raw  string
}

func (r Ref) IsVar() bool { return r.Task == VarsNamespace }

func (r Ref) String() string {
	if r.Task == "" {
		return r.Raw
	}
	return r.Task + "." + r.Key
}

func (r Ref) valid() bool { return r.Task != "" && r.Key != "" }

func parseRef(expr string) Ref {
	i := strings.LastIndexByte(expr, '.')
	if i <= 0 || i == len(expr)-1 {
		return Ref{Raw: expr}
	}
	return Ref{Task: expr[:i], Key: expr[i+1:], Raw: expr}
}

// References lists the placeholders of template in order of appearance,
// without duplicates.
func References(template string) []Ref {
	var out []Ref
	seen := make(map[string]bool)
	for _, m := range placeholder.FindAllStringSubmatch(template, -1) {
		if seen[m[1]] {
			continue
		}
		seen[m[1]] = true
		out = append(out, parseRef(m[1]))
	}
	return out
}

// UnresolvedError lists every placeholder that could not be resolved. It is a
// configuration error and is never retried.
type UnresolvedError struct {
	Refs []Ref
}

func (e *UnresolvedError) Error() string {
	names := make([]string, len(e.Refs))
	for i, r := range e.Refs {
		names[i] = r.String()
	}
	return fmt.Sprintf("unresolved reference: %s", strings.Join(names, ", "))
}

// Lookup returns the value behind ref, or false when it is not available.
type Lookup func(ref Ref) (string, bool)

// Resolve substitutes every placeholder in template. It fails closed: if any
// reference is malformed or missing, nothing is substituted and an
// *UnresolvedError is returned.
func Resolve(template string, lookup Lookup) (string, error) {
	var missing []Ref
	values := make(map[string]string)
	for _, ref := range References(template) {
		if !ref.valid() {
			missing = append(missing, ref)
			continue
		}
		v, ok := lookup(ref)
		if !ok {
			missing = append(missing, ref)
			continue
		}
		values[ref.Raw] = v
	}
	if len(missing) > 0 {
		return "", &UnresolvedError{Refs: missing}
	}
	return placeholder.ReplaceAllStringFunc(template, func(m string) string {
		return values[placeholder.FindStringSubmatch(m)[1]]
	}), nil
}

// MapLookup resolves vars from vars and task outputs from outputs.
func MapLookup(vars map[string]string, outputs map[string]map[string]string) Lookup {
	return func(ref Ref) (string, bool) {
		if ref.IsVar() {
			v, ok := vars[ref.Key]
			return v, ok
		}
		out, ok := outputs[ref.Task]
		if !ok {
			return "", false
		}
		v, ok := out[ref.Key]
		return v, ok
	}
}
