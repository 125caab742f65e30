// Package policy loads the optional operator policy file: a YAML document
// carrying a command denylist and per-session capacity overrides. Absent a
// configured file, every lookup is a no-op and the built-in defaults apply.
package policy

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// CapacityOverride replaces the default buffer bounds for one named
// session. Zero fields keep the default.
type CapacityOverride struct {
	QueueCapacity         int `yaml:"queue_capacity"`
	BrowserBufferCapacity int `yaml:"browser_buffer_capacity"`
	TranscriptCapacity    int `yaml:"transcript_capacity"`
}

// Policy is the decoded operator policy file.
type Policy struct {
	// DeniedCommands lists commands refused on every surface. An entry
	// matches a submitted command when the trimmed command equals it or
	// starts with it followed by a space.
	DeniedCommands []string `yaml:"denied_commands"`

	// Sessions maps a session name to its capacity overrides.
	Sessions map[string]CapacityOverride `yaml:"sessions"`
}

// Load reads and parses the policy file at path. An empty path returns an
// empty policy, which denies nothing and overrides nothing.
func Load(path string) (*Policy, error) {
	if path == "" {
		return &Policy{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	return &p, nil
}

// Denied reports whether command is refused by the denylist.
func (p *Policy) Denied(command string) bool {
	if p == nil {
		return false
	}
	trimmed := strings.TrimSpace(command)
	for _, d := range p.DeniedCommands {
		if trimmed == d || strings.HasPrefix(trimmed, d+" ") {
			return true
		}
	}
	return false
}

// Override returns the capacity overrides for a session name, if any.
func (p *Policy) Override(name string) (CapacityOverride, bool) {
	if p == nil || p.Sessions == nil {
		return CapacityOverride{}, false
	}
	o, ok := p.Sessions[name]
	return o, ok
}
