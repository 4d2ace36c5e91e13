// Package pipeline runs a manifest of stages in-process, in order.
package pipeline

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Manifest is a YAML pipeline definition:
//
//	name: gemma-d3
//	stages:
//	  - name: generate
//	    stage: generate
//	    args:
//	      input: data/selected.csv
//	      model: gemma
//	  - stage: plot
//	    args:
//	      series: [gemma=out/gemma.csv, llama=out/llama.csv]
type Manifest struct {
	Name  string `yaml:"name"`
	Steps []Step `yaml:"stages"`
}

// Step is one stage invocation
type Step struct {
	Name  string `yaml:"name"`  // display name, defaults to Stage
	Stage string `yaml:"stage"` // registered stage
	Args  Args   `yaml:"args"`
	Skip  bool   `yaml:"skip"`
}

// Label is the name used in logs
func (s Step) Label() string {
	if s.Name != "" {
		return s.Name
	}
	return s.Stage
}

// Args holds stage arguments. Scalars become one value, sequences one per item.
type Args map[string][]string

// UnmarshalYAML flattens scalar and sequence values into strings
func (a *Args) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: args must be a mapping", node.Line)
	}
	out := make(Args, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, val := node.Content[i].Value, node.Content[i+1]
		switch val.Kind {
		case yaml.ScalarNode:
			out[key] = []string{val.Value}
		case yaml.SequenceNode:
			values := make([]string, 0, len(val.Content))
			for _, item := range val.Content {
				if item.Kind != yaml.ScalarNode {
					return fmt.Errorf("line %d: arg %q must be a list of scalars", item.Line, key)
				}
				values = append(values, item.Value)
			}
			out[key] = values
		default:
			return fmt.Errorf("line %d: arg %q must be a scalar or a list", val.Line, key)
		}
	}
	*a = out
	return nil
}

// Get returns the first value of key
func (a Args) Get(key string) string {
	if v := a[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// Int returns key as an integer, def when absent
func (a Args) Int(key string, def int) (int, error) {
	v := a.Get(key)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("arg %q: %w", key, err)
	}
	return n, nil
}

// Require reports missing keys
func (a Args) Require(keys ...string) error {
	var missing []string
	for _, k := range keys {
		if a.Get(k) == "" {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing args: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Keys returns the argument names, sorted
func (a Args) Keys() []string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// LoadManifest reads and validates a manifest file
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return ParseManifest(data)
}

// ParseManifest decodes a manifest, rejecting unknown fields
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("manifest is empty")
		}
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks every step names a stage and labels are unique
func (m *Manifest) Validate() error {
	if len(m.Steps) == 0 {
		return fmt.Errorf("manifest has no stages")
	}
	seen := make(map[string]int)
	for i, s := range m.Steps {
		if strings.TrimSpace(s.Stage) == "" {
			return fmt.Errorf("stages[%d]: stage is required", i)
		}
		if prev, ok := seen[s.Label()]; ok {
			return fmt.Errorf("stages[%d]: duplicate name %q (also stages[%d])", i, s.Label(), prev)
		}
		seen[s.Label()] = i
	}
	return nil
}
