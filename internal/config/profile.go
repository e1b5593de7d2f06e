package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// StageProfile tunes the model call of one stage.
type StageProfile struct {
	Model       string        `yaml:"model"`
	MaxTokens   int           `yaml:"max_tokens"`
	Temperature float64       `yaml:"temperature"`
	Timeout     time.Duration `yaml:"timeout"`
	// Instructions are appended to the stage's built-in system prompt.
	Instructions string `yaml:"instructions"`
}

// AgentProfile maps stage names to their model settings. Stages that are
// absent use Defaults.
type AgentProfile struct {
	Defaults StageProfile            `yaml:"defaults"`
	Stages   map[string]StageProfile `yaml:"stages"`
}

// DefaultAgentProfile returns the settings used when no profile file is set.
func DefaultAgentProfile() *AgentProfile {
	return &AgentProfile{
		Defaults: StageProfile{MaxTokens: 2048, Temperature: 0.4},
		Stages: map[string]StageProfile{
			"design": {MaxTokens: 4096},
			"coding": {MaxTokens: 8192, Temperature: 0.2},
		},
	}
}

// LoadAgentProfile reads a YAML profile. An empty path yields the defaults.
func LoadAgentProfile(path string) (*AgentProfile, error) {
	if path == "" {
		return DefaultAgentProfile(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent profile: %w", err)
	}
	return ParseAgentProfile(data)
}

// ParseAgentProfile decodes a YAML profile document.
func ParseAgentProfile(data []byte) (*AgentProfile, error) {
	p := DefaultAgentProfile()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(p); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse agent profile: %w", err)
	}
	for name, sp := range p.Stages {
		if sp.MaxTokens < 0 || sp.Temperature < 0 || sp.Timeout < 0 {
			return nil, fmt.Errorf("agent profile stage %q: negative value", name)
		}
	}
	return p, nil
}

// For returns the effective settings of a stage.
func (p *AgentProfile) For(stage string) StageProfile {
	out := p.Defaults
	sp, ok := p.Stages[stage]
	if !ok {
		return out
	}
	if sp.Model != "" {
		out.Model = sp.Model
	}
	if sp.MaxTokens > 0 {
		out.MaxTokens = sp.MaxTokens
	}
	if sp.Temperature > 0 {
		out.Temperature = sp.Temperature
	}
	if sp.Timeout > 0 {
		out.Timeout = sp.Timeout
	}
	if sp.Instructions != "" {
		out.Instructions = sp.Instructions
	}
	return out
}
