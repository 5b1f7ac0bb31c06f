package graph

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads and validates a GraphSpec from a YAML file. A graph that
// fails validation is not returned at all — there is no partially-loaded
// Spec for callers to inspect.
func LoadFile(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read graph spec: %w", err)
	}
	return Load(data)
}

// Load parses and validates a GraphSpec from YAML bytes.
func Load(data []byte) (*Spec, error) {
	var s Spec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil {
		return nil, fmt.Errorf("parse graph spec: %w", err)
	}
	applyDefaults(&s)
	s.Index()
	if err := Validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

func applyDefaults(s *Spec) {
	for i := range s.Nodes {
		n := &s.Nodes[i]
		if n.IsolationLevel == "" {
			n.IsolationLevel = IsolationShared
		}
		if n.ConversationMode == "" {
			n.ConversationMode = ConversationContinuous
		}
		if n.MaxRetries <= 0 {
			n.MaxRetries = 3
		}
	}
	for i := range s.Edges {
		e := &s.Edges[i]
		if e.Condition == "" {
			e.Condition = Always
		}
	}
	for i := range s.EntryPoints {
		ep := &s.EntryPoints[i]
		if ep.IsolationLevel == "" {
			ep.IsolationLevel = IsolationShared
		}
		if ep.MaxConcurrent <= 0 {
			ep.MaxConcurrent = 1
		}
	}
}
