package core

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParsePipeline parses YAML content into a Pipeline. The document is checked
// against the pipeline JSON schema first; every problem comes back as a ConfigError.
func ParsePipeline(data []byte) (*Pipeline, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, configf("parsing pipeline: %v", err)
	}
	if raw == nil {
		return nil, configf("pipeline definition is empty")
	}

	doc, err := json.Marshal(raw)
	if err != nil {
		return nil, configf("pipeline must be a mapping with string keys: %v", err)
	}
	problems, err := ValidateSchema(doc)
	if err != nil {
		return nil, err
	}
	if len(problems) > 0 {
		return nil, configf("pipeline does not match schema: %s", strings.Join(problems, "; "))
	}

	var pipeline Pipeline
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&pipeline); err != nil && !errors.Is(err, io.EOF) {
		return nil, configf("decoding pipeline: %v", err)
	}
	return &pipeline, nil
}

// LoadPipeline reads and parses a pipeline file.
func LoadPipeline(path string) (*Pipeline, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePipeline(data)
}
