// Package adapter holds the static per-agent profiles that decide framing and
// payload field naming for an agent executable.
package adapter

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"

	"github.com/kandev/acphost/pkg/acp/jsonrpc"
)

// Profile describes how one family of agent executables speaks ACP.
type Profile struct {
	ID             string          `yaml:"id" json:"id"`
	Title          string          `yaml:"title" json:"title"`
	Framing        jsonrpc.Framing `yaml:"framing" json:"framing"`
	SnakeCase      bool            `yaml:"snakeCase" json:"snakeCase"`
	SupportsModels bool            `yaml:"supportsModels" json:"supportsModels"`
	// Match holds regular expressions tried against "<executable> <args...>".
	Match []string `yaml:"match" json:"match,omitempty"`

	patterns []*regexp.Regexp
}

// Generic is used when no signature matches.
var Generic = &Profile{ID: "generic", Title: "ACP agent", Framing: jsonrpc.FramingLine}

func builtins() []*Profile {
	return []*Profile{
		{
			ID:             "claude-code",
			Title:          "Claude Code",
			Framing:        jsonrpc.FramingLine,
			SupportsModels: true,
			Match:          []string{`claude-code-acp`, `claude-agent-acp`},
		},
		{
			ID:             "codex",
			Title:          "Codex",
			Framing:        jsonrpc.FramingHeader,
			SnakeCase:      true,
			SupportsModels: true,
			Match:          []string{`codex-acp`, `(^|[\\/])codex(\.exe)?\s.*--acp`},
		},
	}
}

func (p *Profile) compile() error {
	p.patterns = p.patterns[:0]
	for _, expr := range p.Match {
		re, err := regexp.Compile(expr)
		if err != nil {
			return fmt.Errorf("adapter %s: invalid match pattern %q: %w", p.ID, expr, err)
		}
		p.patterns = append(p.patterns, re)
	}
	return nil
}

func (p *Profile) matches(commandLine string) bool {
	for _, re := range p.patterns {
		if re.MatchString(commandLine) {
			return true
		}
	}
	return false
}

// Key returns the wire name of a protocol field under this profile. Names
// outside the protocol's own fields are returned as is.
func (p *Profile) Key(camel string) string {
	if !p.SnakeCase {
		return camel
	}
	if snake, ok := toWire[camel]; ok {
		return snake
	}
	return camel
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Set is an ordered list of profiles. User profiles are consulted before the
// built-in ones.
type Set struct {
	profiles []*Profile
}

// NewSet returns the built-in profiles preceded by extra.
func NewSet(extra ...*Profile) (*Set, error) {
	all := append(append([]*Profile(nil), extra...), builtins()...)
	for _, p := range all {
		if p.ID == "" {
			return nil, fmt.Errorf("adapter profile without id")
		}
		if err := p.compile(); err != nil {
			return nil, err
		}
	}
	return &Set{profiles: all}, nil
}

// Detect picks the profile for an executable and its arguments.
func (s *Set) Detect(command string, args []string) *Profile {
	line := strings.TrimSpace(strings.Join(append([]string{filepath.ToSlash(command)}, args...), " "))
	for _, p := range s.profiles {
		if p.matches(line) {
			return p
		}
	}
	return Generic
}

// Lookup returns the profile with the given id.
func (s *Set) Lookup(id string) (*Profile, bool) {
	if id == Generic.ID {
		return Generic, true
	}
	for _, p := range s.profiles {
		if p.ID == id {
			return p, true
		}
	}
	return nil, false
}

// Profiles returns every known profile, generic last.
func (s *Set) Profiles() []*Profile {
	return append(append([]*Profile(nil), s.profiles...), Generic)
}

type fileFormat struct {
	Adapters []*Profile `yaml:"adapters"`
}

// LoadFile reads extra profiles from a YAML file of the form
//
//	adapters:
//	  - id: gemini
//	    framing: line
//	    match: ["gemini .*--experimental-acp"]
func LoadFile(path string) ([]*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read adapters file: %w", err)
	}
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse adapters file: %w", err)
	}
	for _, p := range f.Adapters {
		if p.Title == "" {
			p.Title = p.ID
		}
	}
	return f.Adapters, nil
}
