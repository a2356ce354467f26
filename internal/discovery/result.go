package discovery

import (
	"k8s.io/apimachinery/pkg/util/sets"
)

// Result holds the four disjoint capability sets of a pipeline. Endpoint
// schemes and codec names are tracked independently.
type Result struct {
	ExternalCapabilities sets.Set[string]
	SystemCapabilities   sets.Set[string]
	ExternalCodecs       sets.Set[string]
	SystemCodecs         sets.Set[string]
}

func newResult() Result {
	return Result{
		ExternalCapabilities: sets.New[string](),
		SystemCapabilities:   sets.New[string](),
		ExternalCodecs:       sets.New[string](),
		SystemCodecs:         sets.New[string](),
	}
}

// Empty reports whether nothing at all was discovered.
func (r Result) Empty() bool {
	return r.ExternalCapabilities.Len() == 0 && r.SystemCapabilities.Len() == 0 &&
		r.ExternalCodecs.Len() == 0 && r.SystemCodecs.Len() == 0
}

// NeedsFetch reports whether any capability or codec must be resolved.
func (r Result) NeedsFetch() bool {
	return r.ExternalCapabilities.Len() > 0 || r.ExternalCodecs.Len() > 0
}

// Summary renders the sets as sorted slices, for logs and comparisons.
func (r Result) Summary() map[string][]string {
	return map[string][]string{
		"externalCapabilities": sets.List(r.ExternalCapabilities),
		"systemCapabilities":   sets.List(r.SystemCapabilities),
		"externalCodecs":       sets.List(r.ExternalCodecs),
		"systemCodecs":         sets.List(r.SystemCodecs),
	}
}
