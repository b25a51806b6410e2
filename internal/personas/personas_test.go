package personas

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"chat-relay/internal/models"
)

const sample = `
personas:
  - name: writer
    description: free-form writing assistant
    system: |
      Stay in character and keep the story consistent.
  - name: editor
    system: Tighten prose without changing meaning.
`

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "personas.yaml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatalf("write file: %v", err)
	}

	set, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got := strings.Join(set.Names(), ","); got != "editor,writer" {
		t.Fatalf("unexpected names: %s", got)
	}
	p, ok := set.Get("writer")
	if !ok || !strings.Contains(p.System, "Stay in character") {
		t.Fatalf("unexpected persona: %+v", p)
	}
}

func TestLoadEmptyPath(t *testing.T) {
	set, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(set.Names()) != 0 {
		t.Fatalf("expected empty set")
	}
}

func TestParseRejectsInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"missing name", "personas:\n  - system: x\n"},
		{"missing system", "personas:\n  - name: a\n"},
		{"duplicate", "personas:\n  - name: a\n    system: x\n  - name: a\n    system: y\n"},
		{"bad yaml", "personas: [\n"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.data)); err == nil {
				t.Fatalf("expected error")
			}
		})
	}
}

func TestApply(t *testing.T) {
	set, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	conv := []models.ChatMessage{
		models.SystemMessage("old"),
		models.UserMessage("hi"),
	}
	out, err := set.Apply("editor", conv)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(out) != 2 || out[0].Role != models.RoleSystem || out[0].Content != "Tighten prose without changing meaning." || out[1].Content != "hi" {
		t.Fatalf("unexpected conversation: %+v", out)
	}
	if conv[0].Content != "old" {
		t.Fatalf("input conversation must not be modified")
	}

	out, err = set.Apply("editor", []models.ChatMessage{models.UserMessage("hi")})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if len(out) != 2 || out[0].Role != models.RoleSystem {
		t.Fatalf("expected system prompt prepended: %+v", out)
	}

	if _, err := set.Apply("nobody", conv); !errors.Is(err, ErrUnknownPersona) {
		t.Fatalf("expected ErrUnknownPersona, got %v", err)
	}
}
