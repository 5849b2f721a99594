package config

import (
	"bytes"
	"fmt"
	"os"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

// Interview is the question catalogue and instruction template used to seed
// both the realtime model and the text-mode fallback responder.
type Interview struct {
	InstructionTemplate string                         `yaml:"instruction"`
	Greeting            string                         `yaml:"greeting"`
	Closing             string                         `yaml:"closing"`
	Roles               map[string]map[string][]string `yaml:"roles"`   // role -> difficulty -> questions
	Generic             map[string][]string            `yaml:"generic"` // difficulty -> questions
}

const defaultInstruction = `You are a professional interviewer conducting a {{.Difficulty}}-level interview for the role of {{.Role}}.
Ask one question at a time and wait for the candidate to finish answering.
Keep follow-ups short. When you have asked {{.Count}} questions, call complete_interview with structured feedback.`

// DefaultInterview returns the built-in catalogue.
func DefaultInterview() *Interview {
	return &Interview{
		InstructionTemplate: defaultInstruction,
		Greeting:            "Hi, thanks for joining. We'll start with a few questions about your background for the {{.Role}} role.",
		Closing:             "That's all the questions I have. Thank you for your time.",
		Generic: map[string][]string{
			"entry": {
				"Tell me about yourself.",
				"What project are you most proud of and what was your part in it?",
				"How do you approach learning a tool you have never used before?",
			},
			"mid": {
				"Tell me about yourself.",
				"Describe a technical decision you made that you later had to revisit.",
				"How do you handle disagreement with a teammate about an approach?",
				"Walk me through how you would debug a production incident.",
			},
			"senior": {
				"Tell me about yourself.",
				"Describe a system you designed end to end and the trade-offs you made.",
				"How have you grown other engineers on your team?",
				"Tell me about a time you changed the technical direction of a project.",
				"How do you decide when to pay down technical debt?",
			},
		},
	}
}

// LoadInterview reads a YAML catalogue from path. An empty path returns the default.
func LoadInterview(path string) (*Interview, error) {
	if path == "" {
		return DefaultInterview(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read interview catalogue: %w", err)
	}
	return ParseInterview(raw)
}

// ParseInterview decodes a YAML catalogue, filling missing sections from the default.
func ParseInterview(raw []byte) (*Interview, error) {
	var iv Interview
	if err := yaml.Unmarshal(raw, &iv); err != nil {
		return nil, fmt.Errorf("parse interview catalogue: %w", err)
	}
	def := DefaultInterview()
	if iv.InstructionTemplate == "" {
		iv.InstructionTemplate = def.InstructionTemplate
	}
	if iv.Greeting == "" {
		iv.Greeting = def.Greeting
	}
	if iv.Closing == "" {
		iv.Closing = def.Closing
	}
	if len(iv.Generic) == 0 {
		iv.Generic = def.Generic
	}
	if _, err := template.New("instruction").Parse(iv.InstructionTemplate); err != nil {
		return nil, fmt.Errorf("parse instruction template: %w", err)
	}
	return &iv, nil
}

// Questions returns the questions for role and difficulty. Role matching is
// case-insensitive; unknown roles use the generic list.
func (iv *Interview) Questions(role, difficulty string) []string {
	for name, byLevel := range iv.Roles {
		if strings.EqualFold(name, strings.TrimSpace(role)) {
			if qs := byLevel[difficulty]; len(qs) > 0 {
				return qs
			}
		}
	}
	if qs := iv.Generic[difficulty]; len(qs) > 0 {
		return qs
	}
	return iv.Generic["mid"]
}

// Instruction renders the system instruction for role and difficulty.
func (iv *Interview) Instruction(role, difficulty string) string {
	return iv.render(iv.InstructionTemplate, role, difficulty)
}

// Greet renders the opening line.
func (iv *Interview) Greet(role, difficulty string) string {
	return iv.render(iv.Greeting, role, difficulty)
}

func (iv *Interview) render(text, role, difficulty string) string {
	tmpl, err := template.New("t").Parse(text)
	if err != nil {
		return text
	}
	var buf bytes.Buffer
	data := struct {
		Role       string
		Difficulty string
		Count      int
	}{role, difficulty, len(iv.Questions(role, difficulty))}
	if err := tmpl.Execute(&buf, data); err != nil {
		return text
	}
	return buf.String()
}
