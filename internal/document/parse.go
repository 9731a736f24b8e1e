package document

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// Parse decodes an Arazzo document from raw bytes. JSON is a subset of YAML,
// so a single yaml.v3 decode handles both formats; the detected format is
// kept for persistence.
func Parse(raw []byte) (*Document, Format, error) {
	var doc Document
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, "", fmt.Errorf("parse arazzo document: %w", err)
	}
	doc.Raw = append([]byte(nil), raw...)
	sum := sha256.Sum256(raw)
	doc.Hash = hex.EncodeToString(sum[:])
	return &doc, detectFormat(raw), nil
}

// ParseFile reads and parses the document at path.
func ParseFile(path string) (*Document, Format, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, "", fmt.Errorf("read %s: %w", path, err)
	}
	doc, format, err := Parse(raw)
	if err != nil {
		return nil, "", fmt.Errorf("%s: %w", path, err)
	}
	return doc, format, nil
}

func detectFormat(raw []byte) Format {
	trimmed := strings.TrimLeft(string(raw), " \t\r\n")
	if strings.HasPrefix(trimmed, "{") {
		return FormatJSON
	}
	return FormatYAML
}

// MarshalJSON-able view for persistence: the document without Raw/Hash.
func (d *Document) CanonicalJSON() ([]byte, error) {
	return json.Marshal(d)
}
