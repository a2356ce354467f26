package runtime

import (
	"context"
	"sort"

	"github.com/anvil-platform/conduit/plugin"
)

// DefaultHeaderDuplicatorName is the bean name a HeaderDuplication binds to
// when it does not name one.
const DefaultHeaderDuplicatorName = "headerDuplicator"

// HeaderDuplication configures the header duplicator singleton: every
// message passing through it gets header To set from header From.
type HeaderDuplication struct {
	BeanName string
	// Pairs maps source header to target header.
	Pairs map[string]string
}

// Name is the bean name routes reference the duplicator by.
func (h HeaderDuplication) Name() string {
	if h.BeanName == "" {
		return DefaultHeaderDuplicatorName
	}
	return h.BeanName
}

// Processor builds the duplicator. Missing source headers are skipped.
func (h HeaderDuplication) Processor() plugin.Processor {
	from := make([]string, 0, len(h.Pairs))
	for k := range h.Pairs {
		from = append(from, k)
	}
	sort.Strings(from)
	pairs := make([][2]string, 0, len(from))
	for _, k := range from {
		pairs = append(pairs, [2]string{k, h.Pairs[k]})
	}
	return plugin.ProcessorFunc(func(_ context.Context, msg *plugin.Message) error {
		for _, p := range pairs {
			if v, ok := msg.Headers[p[0]]; ok {
				msg.SetHeader(p[1], v)
			}
		}
		return nil
	})
}
