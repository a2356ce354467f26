// Package v1alpha1 contains the pipeline object model understood by the conduit runtime.
package v1alpha1

import (
	"k8s.io/apimachinery/pkg/runtime/schema"
)

var (
	// GroupVersion is the group/version used in block-structured pipeline manifests.
	GroupVersion = schema.GroupVersion{Group: "conduit.anvil.dev", Version: "v1alpha1"}
)

const (
	// PipelineKind is the manifest kind of a Pipeline.
	PipelineKind = "Pipeline"
)
