package workflow

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// Decode unmarshals a workflow definition from YAML bytes without applying
// defaults or validating. Most callers want Parse; Decode exists for callers
// that layer their own defaults onto the definition before normalizing it.
func Decode(data []byte) (Definition, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Definition{}, fmt.Errorf("workflow: definition is empty")
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("workflow: decode definition: %w", err)
	}
	return def, nil
}

// Parse decodes a workflow definition from YAML bytes and returns the
// normalized, validated result.
func Parse(data []byte) (Definition, error) {
	def, err := Decode(data)
	if err != nil {
		return Definition{}, err
	}
	return def.Normalized()
}

// LoadReader reads and parses a workflow definition from an io.Reader.
func LoadReader(r io.Reader) (Definition, error) {
	content, err := io.ReadAll(r)
	if err != nil {
		return Definition{}, fmt.Errorf("workflow: read definition: %w", err)
	}
	return Parse(content)
}

// LoadFile loads a workflow definition from a file path.
func LoadFile(path string) (Definition, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, fmt.Errorf("workflow: read %s: %w", path, err)
	}
	def, parseErr := Parse(content)
	if parseErr != nil {
		return Definition{}, fmt.Errorf("workflow: %s: %w", path, parseErr)
	}
	return def, nil
}
