// Package personas loads named system-prompt presets. A conversation sent
// with a persona always starts with that persona's system message.
package personas

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"chat-relay/internal/models"
)

var ErrUnknownPersona = errors.New("unknown persona")

type Persona struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	System      string `yaml:"system"`
}

type file struct {
	Personas []Persona `yaml:"personas"`
}

// Set is an immutable collection of personas keyed by name.
type Set struct {
	byName map[string]Persona
}

func Empty() *Set {
	return &Set{byName: map[string]Persona{}}
}

// Load reads a YAML persona file. An empty path yields an empty set.
func Load(path string) (*Set, error) {
	if strings.TrimSpace(path) == "" {
		return Empty(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read personas: %w", err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Set, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse personas: %w", err)
	}
	set := Empty()
	for i, p := range f.Personas {
		p.Name = strings.TrimSpace(p.Name)
		if p.Name == "" {
			return nil, fmt.Errorf("persona %d: name is required", i)
		}
		if strings.TrimSpace(p.System) == "" {
			return nil, fmt.Errorf("persona %q: system prompt is required", p.Name)
		}
		if _, dup := set.byName[p.Name]; dup {
			return nil, fmt.Errorf("persona %q defined twice", p.Name)
		}
		set.byName[p.Name] = p
	}
	return set, nil
}

func (s *Set) Get(name string) (Persona, bool) {
	p, ok := s.byName[name]
	return p, ok
}

func (s *Set) Names() []string {
	names := make([]string, 0, len(s.byName))
	for name := range s.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Apply returns a copy of conversation whose first message is the persona's
// system prompt, replacing an existing leading system message.
func (s *Set) Apply(name string, conversation []models.ChatMessage) ([]models.ChatMessage, error) {
	p, ok := s.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownPersona, name)
	}
	rest := conversation
	if len(rest) > 0 && rest[0].Role == models.RoleSystem {
		rest = rest[1:]
	}
	out := make([]models.ChatMessage, 0, len(rest)+1)
	out = append(out, models.SystemMessage(p.System))
	return append(out, rest...), nil
}
