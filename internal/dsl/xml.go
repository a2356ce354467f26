package dsl

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"

	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	conduitv1alpha1 "github.com/anvil-platform/conduit/api/v1alpha1"
)

// ParseXML parses the tag-structured encoding:
//
//	<pipeline name="orders">
//	  <bean name="dedup" uri="hazelcast:dedup"/>
//	  <template id="archive">
//	    <parameter name="bucket"/>
//	    <to uri="aws2-s3:{{bucket}}"/>
//	  </template>
//	  <route id="ingest">
//	    <from uri="timer:tick"/>
//	    <marshal library="csv"/>
//	    <choice>
//	      <when expression="header.kind == 'a'"><to uri="mock:a"/></when>
//	      <otherwise><to uri="direct:b"/></otherwise>
//	    </choice>
//	    <include template="archive"><parameter name="bucket" value="x"/></include>
//	  </route>
//	</pipeline>
//
// <routes>, <templates> and <beans> wrappers are accepted and flattened.
func ParseXML(content []byte) (*conduitv1alpha1.Pipeline, error) {
	d := xml.NewDecoder(bytes.NewReader(content))
	p := &conduitv1alpha1.Pipeline{
		TypeMeta: metav1.TypeMeta{
			APIVersion: conduitv1alpha1.GroupVersion.String(),
			Kind:       conduitv1alpha1.PipelineKind,
		},
	}

	root, err := nextStart(d)
	if err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}
	switch root.Name.Local {
	case "pipeline", "routes":
	default:
		return nil, fmt.Errorf("parse xml: unexpected root element <%s>", root.Name.Local)
	}
	p.Name = attr(root, "name")

	if err := parseTopLevel(d, &p.Spec); err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}
	p.Spec.Normalize()
	if err := p.Spec.Validate(); err != nil {
		return nil, fmt.Errorf("parse xml: %w", err)
	}
	return p, nil
}

func parseTopLevel(d *xml.Decoder, spec *conduitv1alpha1.PipelineSpec) error {
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return nil
		case xml.StartElement:
			switch t.Name.Local {
			case "routes", "templates", "beans":
				if err := parseTopLevel(d, spec); err != nil {
					return err
				}
			case "route":
				steps, err := parseSteps(d, nil)
				if err != nil {
					return fmt.Errorf("route %q: %w", attr(t, "id"), err)
				}
				spec.Routes = append(spec.Routes, conduitv1alpha1.Route{ID: attr(t, "id"), Steps: steps})
			case "template", "routeTemplate":
				tpl := conduitv1alpha1.Template{ID: attr(t, "id")}
				steps, err := parseSteps(d, func(el xml.StartElement) (bool, error) {
					if el.Name.Local != "parameter" {
						return false, nil
					}
					param := conduitv1alpha1.TemplateParameter{Name: attr(el, "name")}
					if def, ok := attrOK(el, "default"); ok {
						param.Default = &def
					}
					tpl.Parameters = append(tpl.Parameters, param)
					return true, d.Skip()
				})
				if err != nil {
					return fmt.Errorf("template %q: %w", tpl.ID, err)
				}
				tpl.Steps = steps
				spec.Templates = append(spec.Templates, tpl)
			case "bean":
				bean := conduitv1alpha1.Bean{Name: attr(t, "name"), URI: attr(t, "uri")}
				if bean.URI == "" {
					bean.URI = attr(t, "type")
				}
				props, err := parseProperties(d)
				if err != nil {
					return fmt.Errorf("bean %q: %w", bean.Name, err)
				}
				bean.Properties = props
				spec.Beans = append(spec.Beans, bean)
			default:
				return fmt.Errorf("unexpected element <%s>", t.Name.Local)
			}
		}
	}
}

// parseSteps reads step elements until the enclosing end tag. extra may claim
// elements that are not steps (template parameters).
func parseSteps(d *xml.Decoder, extra func(xml.StartElement) (bool, error)) ([]conduitv1alpha1.Step, error) {
	var steps []conduitv1alpha1.Step
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return steps, nil
		case xml.StartElement:
			if extra != nil {
				handled, err := extra(t)
				if err != nil {
					return nil, err
				}
				if handled {
					continue
				}
			}
			st, err := parseStep(d, t)
			if err != nil {
				return nil, err
			}
			steps = append(steps, st)
		}
	}
}

func parseStep(d *xml.Decoder, el xml.StartElement) (conduitv1alpha1.Step, error) {
	switch el.Name.Local {
	case "from", "to":
		role := conduitv1alpha1.EndpointRoleSink
		if el.Name.Local == "from" {
			role = conduitv1alpha1.EndpointRoleSource
		}
		return conduitv1alpha1.Step{Endpoint: &conduitv1alpha1.EndpointStep{URI: attr(el, "uri"), Role: role}}, d.Skip()
	case "marshal", "unmarshal":
		op := conduitv1alpha1.CodecMarshal
		if el.Name.Local == "unmarshal" {
			op = conduitv1alpha1.CodecUnmarshal
		}
		return conduitv1alpha1.Step{Codec: &conduitv1alpha1.CodecStep{Library: attr(el, "library"), Operation: op}}, d.Skip()
	case "process", "bean":
		return conduitv1alpha1.Step{Processor: &conduitv1alpha1.ProcessorRef{Ref: attr(el, "ref"), URI: attr(el, "uri")}}, d.Skip()
	case "include":
		inc := &conduitv1alpha1.IncludeStep{Template: attr(el, "template")}
		props, err := parseParameters(d)
		if err != nil {
			return conduitv1alpha1.Step{}, fmt.Errorf("include %q: %w", inc.Template, err)
		}
		inc.Parameters = props
		return conduitv1alpha1.Step{Include: inc}, nil
	case "choice":
		choice, err := parseChoice(d)
		if err != nil {
			return conduitv1alpha1.Step{}, err
		}
		return conduitv1alpha1.Step{Choice: choice}, nil
	default:
		return conduitv1alpha1.Step{}, fmt.Errorf("unknown step element <%s>", el.Name.Local)
	}
}

func parseChoice(d *xml.Decoder) (*conduitv1alpha1.ChoiceStep, error) {
	choice := &conduitv1alpha1.ChoiceStep{}
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return choice, nil
		case xml.StartElement:
			switch t.Name.Local {
			case "when":
				steps, err := parseSteps(d, nil)
				if err != nil {
					return nil, fmt.Errorf("when %q: %w", attr(t, "expression"), err)
				}
				choice.When = append(choice.When, conduitv1alpha1.WhenBranch{Expression: attr(t, "expression"), Steps: steps})
			case "otherwise":
				steps, err := parseSteps(d, nil)
				if err != nil {
					return nil, fmt.Errorf("otherwise: %w", err)
				}
				choice.Otherwise = steps
			default:
				return nil, fmt.Errorf("unexpected element <%s> in <choice>", t.Name.Local)
			}
		}
	}
}

// parseParameters reads <parameter name="" value=""/> children into a map.
func parseParameters(d *xml.Decoder) (map[string]string, error) {
	return parseKeyValues(d, "parameter", "name", "value")
}

// parseProperties reads <property key="" value=""/> children into a map.
func parseProperties(d *xml.Decoder) (map[string]string, error) {
	return parseKeyValues(d, "property", "key", "value")
}

func parseKeyValues(d *xml.Decoder, element, keyAttr, valueAttr string) (map[string]string, error) {
	var out map[string]string
	for {
		tok, err := d.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.EndElement:
			return out, nil
		case xml.StartElement:
			if t.Name.Local != element {
				return nil, fmt.Errorf("unexpected element <%s>, want <%s>", t.Name.Local, element)
			}
			if out == nil {
				out = make(map[string]string)
			}
			out[attr(t, keyAttr)] = attr(t, valueAttr)
			if err := d.Skip(); err != nil {
				return nil, err
			}
		}
	}
}

func nextStart(d *xml.Decoder) (xml.StartElement, error) {
	for {
		tok, err := d.Token()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return xml.StartElement{}, errors.New("empty document")
			}
			return xml.StartElement{}, err
		}
		if start, ok := tok.(xml.StartElement); ok {
			return start, nil
		}
	}
}

func attr(el xml.StartElement, name string) string {
	v, _ := attrOK(el, name)
	return v
}

func attrOK(el xml.StartElement, name string) (string, bool) {
	for _, a := range el.Attr {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}
