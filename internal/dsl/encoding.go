package dsl

import (
	"fmt"
	"path/filepath"
	"strings"

	conduitv1alpha1 "github.com/anvil-platform/conduit/api/v1alpha1"
)

// Encoding names a textual pipeline encoding.
type Encoding string

const (
	EncodingXML  Encoding = "xml"
	EncodingYAML Encoding = "yaml"
	EncodingJSON Encoding = "json"
)

// Parse parses content in the given encoding.
func Parse(content []byte, enc Encoding) (*conduitv1alpha1.Pipeline, error) {
	switch Encoding(strings.ToLower(string(enc))) {
	case EncodingXML:
		return ParseXML(content)
	case EncodingYAML, EncodingJSON, "yml":
		return ParseYAML(content)
	default:
		return nil, fmt.Errorf("unsupported pipeline encoding %q", enc)
	}
}

// DetectEncoding derives the encoding from a file name extension.
func DetectEncoding(filename string) (Encoding, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".xml":
		return EncodingXML, nil
	case ".yaml", ".yml":
		return EncodingYAML, nil
	case ".json":
		return EncodingJSON, nil
	default:
		return "", fmt.Errorf("cannot detect pipeline encoding of %q", filename)
	}
}
