package v1alpha1

import (
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
)

// DeepCopyInto copies the receiver, writing into out. in must be non-nil.
func (in *Pipeline) DeepCopyInto(out *Pipeline) {
	*out = *in
	out.TypeMeta = in.TypeMeta
	in.ObjectMeta.DeepCopyInto(&out.ObjectMeta)
	in.Spec.DeepCopyInto(&out.Spec)
	in.Status.DeepCopyInto(&out.Status)
}

// DeepCopy copies the receiver, creating a new Pipeline.
func (in *Pipeline) DeepCopy() *Pipeline {
	if in == nil {
		return nil
	}
	out := new(Pipeline)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyInto copies the receiver, writing into out. in must be non-nil.
func (in *PipelineSpec) DeepCopyInto(out *PipelineSpec) {
	*out = *in
	if in.Routes != nil {
		out.Routes = make([]Route, len(in.Routes))
		for i := range in.Routes {
			out.Routes[i].ID = in.Routes[i].ID
			out.Routes[i].Steps = copySteps(in.Routes[i].Steps)
		}
	}
	if in.Templates != nil {
		out.Templates = make([]Template, len(in.Templates))
		for i := range in.Templates {
			in.Templates[i].DeepCopyInto(&out.Templates[i])
		}
	}
	if in.Beans != nil {
		out.Beans = make([]Bean, len(in.Beans))
		for i := range in.Beans {
			out.Beans[i] = in.Beans[i]
			out.Beans[i].Properties = copyStringMap(in.Beans[i].Properties)
		}
	}
}

// DeepCopy copies the receiver, creating a new PipelineSpec.
func (in *PipelineSpec) DeepCopy() *PipelineSpec {
	if in == nil {
		return nil
	}
	out := new(PipelineSpec)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyInto copies the receiver, writing into out. in must be non-nil.
func (in *Template) DeepCopyInto(out *Template) {
	*out = *in
	if in.Parameters != nil {
		out.Parameters = make([]TemplateParameter, len(in.Parameters))
		for i, p := range in.Parameters {
			out.Parameters[i].Name = p.Name
			if p.Default != nil {
				d := *p.Default
				out.Parameters[i].Default = &d
			}
		}
	}
	out.Steps = copySteps(in.Steps)
}

// DeepCopy copies the receiver, creating a new Step.
func (in *Step) DeepCopy() *Step {
	if in == nil {
		return nil
	}
	out := new(Step)
	in.DeepCopyInto(out)
	return out
}

// DeepCopyInto copies the receiver, writing into out. in must be non-nil.
func (in *Step) DeepCopyInto(out *Step) {
	*out = Step{}
	if in.Endpoint != nil {
		e := *in.Endpoint
		out.Endpoint = &e
	}
	if in.Codec != nil {
		c := *in.Codec
		out.Codec = &c
	}
	if in.Processor != nil {
		p := *in.Processor
		out.Processor = &p
	}
	if in.Include != nil {
		out.Include = &IncludeStep{
			Template:   in.Include.Template,
			Parameters: copyStringMap(in.Include.Parameters),
		}
	}
	if in.Choice != nil {
		c := &ChoiceStep{Otherwise: copySteps(in.Choice.Otherwise)}
		if in.Choice.When != nil {
			c.When = make([]WhenBranch, len(in.Choice.When))
			for i, w := range in.Choice.When {
				c.When[i] = WhenBranch{Expression: w.Expression, Steps: copySteps(w.Steps)}
			}
		}
		out.Choice = c
	}
}

// DeepCopyInto copies the receiver, writing into out. in must be non-nil.
func (in *PipelineStatus) DeepCopyInto(out *PipelineStatus) {
	*out = *in
	if in.Conditions != nil {
		out.Conditions = make([]metav1.Condition, len(in.Conditions))
		for i := range in.Conditions {
			in.Conditions[i].DeepCopyInto(&out.Conditions[i])
		}
	}
}

func copySteps(in []Step) []Step {
	if in == nil {
		return nil
	}
	out := make([]Step, len(in))
	for i := range in {
		in[i].DeepCopyInto(&out[i])
	}
	return out
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
