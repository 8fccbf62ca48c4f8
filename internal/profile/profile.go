// Package profile loads the instruction profile bound to every intake session.
package profile

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default_profile.yaml
var defaultProfileYAML []byte

// Profile is the static prompt configuration for a session. Values are
// copied into each session at creation and never change afterwards.
type Profile struct {
	Name                  string `yaml:"name"`
	AssistantInstructions string `yaml:"assistant_instructions"`
	RealtimeInstructions  string `yaml:"realtime_instructions"`
	Greeting              string `yaml:"greeting"`
}

// Default returns the built-in nurse practitioner intake profile.
func Default() Profile {
	p, err := parse(defaultProfileYAML)
	if err == nil {
		err = p.Validate()
	}
	if err != nil {
		// The embedded file is part of the binary.
		panic(fmt.Sprintf("profile: invalid embedded default: %v", err))
	}
	return p
}

// Load reads a profile from path. Fields missing from the file fall back to
// the built-in defaults. An empty path returns Default().
func Load(path string) (Profile, error) {
	if path == "" {
		return Default(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, fmt.Errorf("read profile: %w", err)
	}
	p, err := parse(data)
	if err != nil {
		return Profile{}, err
	}
	p = p.withDefaults(Default())
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	return p, nil
}

func parse(data []byte) (Profile, error) {
	var p Profile
	if err := yaml.Unmarshal(data, &p); err != nil {
		return Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	p.AssistantInstructions = strings.TrimSpace(p.AssistantInstructions)
	p.RealtimeInstructions = strings.TrimSpace(p.RealtimeInstructions)
	p.Greeting = strings.TrimSpace(p.Greeting)
	return p, nil
}

func (p Profile) withDefaults(d Profile) Profile {
	if p.Name == "" {
		p.Name = d.Name
	}
	if p.AssistantInstructions == "" {
		p.AssistantInstructions = d.AssistantInstructions
	}
	if p.RealtimeInstructions == "" {
		p.RealtimeInstructions = d.RealtimeInstructions
	}
	if p.Greeting == "" {
		p.Greeting = d.Greeting
	}
	return p
}

// Validate rejects profiles that could not drive a conversation.
func (p Profile) Validate() error {
	if p.AssistantInstructions == "" && p.RealtimeInstructions == "" {
		return errors.New("profile needs assistant_instructions or realtime_instructions")
	}
	return nil
}

// SystemPrompt is the instruction text sent to the model when a session opens.
func (p Profile) SystemPrompt() string {
	parts := make([]string, 0, 2)
	if p.AssistantInstructions != "" {
		parts = append(parts, p.AssistantInstructions)
	}
	if p.RealtimeInstructions != "" {
		parts = append(parts, p.RealtimeInstructions)
	}
	return strings.Join(parts, "\n\n")
}
