package dsl

import (
	"fmt"
	"regexp"
	"strings"
)

// rePlaceholder matches {{name}} and {{name:default}}.
var rePlaceholder = regexp.MustCompile(`\{\{\s*([^{}:\s]+)\s*(?::([^{}]*))?\}\}`)

// UnresolvedPlaceholderError reports a {{name}} token that no property or default resolved.
type UnresolvedPlaceholderError struct {
	Name  string
	Input string
}

func (e *UnresolvedPlaceholderError) Error() string {
	return fmt.Sprintf("unresolved placeholder {{%s}} in %q", e.Name, e.Input)
}

// HasPlaceholders reports whether s still contains a {{...}} token.
func HasPlaceholders(s string) bool {
	return rePlaceholder.MatchString(s)
}

// Substitute resolves placeholder tokens in s against props.
//
// Substitution runs twice so a property may expand to another placeholder.
// Anything left after the second pass is an *UnresolvedPlaceholderError.
func Substitute(s string, props map[string]string) (string, error) {
	if !strings.Contains(s, "{{") {
		return s, nil
	}
	out := s
	for pass := 0; pass < 2; pass++ {
		out = substituteOnce(out, props)
	}
	if m := rePlaceholder.FindStringSubmatch(out); m != nil {
		return "", &UnresolvedPlaceholderError{Name: m[1], Input: s}
	}
	return out, nil
}

func substituteOnce(s string, props map[string]string) string {
	return rePlaceholder.ReplaceAllStringFunc(s, func(tok string) string {
		m := rePlaceholder.FindStringSubmatch(tok)
		if v, ok := props[m[1]]; ok {
			return v
		}
		if strings.Contains(tok, ":") {
			return m[2]
		}
		return tok
	})
}

// SubstituteKnown resolves only the tokens whose names appear in props and
// leaves all others untouched. Include expansion uses it to bind template
// parameters before the property table is applied.
func SubstituteKnown(s string, props map[string]string) string {
	if !strings.Contains(s, "{{") {
		return s
	}
	return rePlaceholder.ReplaceAllStringFunc(s, func(tok string) string {
		m := rePlaceholder.FindStringSubmatch(tok)
		if v, ok := props[m[1]]; ok {
			return v
		}
		return tok
	})
}
