package runtime

import (
	"bytes"
	"fmt"
	"regexp"
	"strings"

	"github.com/anvil-platform/conduit/plugin"
)

// Predicate decides a choice branch.
type Predicate func(msg *plugin.Message) bool

var (
	reHeaderCompare = regexp.MustCompile(`^header\.([A-Za-z0-9_.\-]+)\s*(==|!=)\s*'([^']*)'$`)
	reHeaderExists  = regexp.MustCompile(`^(not\s+)?exists\s+header\.([A-Za-z0-9_.\-]+)$`)
	reBodyContains  = regexp.MustCompile(`^body\s+contains\s+'([^']*)'$`)
)

// CompilePredicate parses the choice expression language:
//
//	true | false
//	header.<name> == '<value>'
//	header.<name> != '<value>'
//	exists header.<name> | not exists header.<name>
//	body contains '<value>'
func CompilePredicate(expr string) (Predicate, error) {
	expr = strings.TrimSpace(expr)
	switch expr {
	case "true":
		return func(*plugin.Message) bool { return true }, nil
	case "false":
		return func(*plugin.Message) bool { return false }, nil
	}
	if m := reHeaderCompare.FindStringSubmatch(expr); m != nil {
		name, op, want := m[1], m[2], m[3]
		return func(msg *plugin.Message) bool {
			got, ok := msg.Header(name)
			if op == "==" {
				return ok && got == want
			}
			return !ok || got != want
		}, nil
	}
	if m := reHeaderExists.FindStringSubmatch(expr); m != nil {
		negate, name := m[1] != "", m[2]
		return func(msg *plugin.Message) bool {
			_, ok := msg.Header(name)
			return ok != negate
		}, nil
	}
	if m := reBodyContains.FindStringSubmatch(expr); m != nil {
		needle := []byte(m[1])
		return func(msg *plugin.Message) bool {
			return bytes.Contains(msg.Body, needle)
		}, nil
	}
	return nil, fmt.Errorf("unsupported expression %q", expr)
}
