package runtime

import (
	"sort"

	"github.com/anvil-platform/conduit/plugin"
)

// Context schemes are resolved by the context's bean registry rather than by
// a registered component.
const (
	BeanScheme = "bean"
	RefScheme  = "ref"
)

var builtinComponents = map[string]func(*Context) plugin.Component{
	"direct": newDirectComponent,
	"seda":   newSedaComponent,
	"timer":  newTimerComponent,
	"log":    newLogComponent,
	"mock":   newMockComponent,
	"stub":   newStubComponent,
}

var builtinCodecs = map[string]func() plugin.Codec{
	"base64": func() plugin.Codec { return base64Codec{} },
	"gzip":   func() plugin.Codec { return gzipCodec{} },
	"string": func() plugin.Codec { return stringCodec{} },
}

// BuiltinComponentSchemes lists the schemes every context serves without a
// plugin, sorted.
func BuiltinComponentSchemes() []string {
	return sortedKeys(builtinComponents)
}

// ContextSchemes lists the schemes the context resolves itself, sorted.
func ContextSchemes() []string {
	return []string{BeanScheme, RefScheme}
}

// BuiltinCodecNames lists the codecs every context serves, sorted.
func BuiltinCodecNames() []string {
	return sortedKeys(builtinCodecs)
}

func isContextScheme(scheme string) bool {
	return scheme == BeanScheme || scheme == RefScheme
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
