// Package battery holds the fixed, ordered payload sets genomes are scored
// against.
package battery

import (
	"bytes"
	"crypto/sha256"
	"embed"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/aegisforge/internal/model"
)

//go:embed batteries/*.yaml
var builtinFS embed.FS

// Battery is a named, ordered payload set. Order is fixed for the lifetime
// of a run.
type Battery struct {
	Name        string
	Version     string
	Description string
	Payloads    []model.Payload
}

// file is the on-disk battery format.
type file struct {
	Name        string        `yaml:"name"`
	Version     string        `yaml:"version"`
	Description string        `yaml:"description"`
	Payloads    []payloadSpec `yaml:"payloads"`
}

// payloadSpec extends a payload with repeat, which feeds Input repeated
// that many times.
type payloadSpec struct {
	model.Payload `yaml:",inline"`
	Repeat        int `yaml:"repeat"`
}

// LoadBuiltin loads an embedded battery by name.
func LoadBuiltin(name string) (*Battery, error) {
	data, err := builtinFS.ReadFile("batteries/" + name + ".yaml")
	if err != nil {
		return nil, fmt.Errorf("unknown battery: %q", name)
	}
	return parse(data, "")
}

// ListBuiltin returns sorted names of all embedded batteries.
func ListBuiltin() []string {
	entries, err := builtinFS.ReadDir("batteries")
	if err != nil {
		return nil
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, strings.TrimSuffix(e.Name(), ".yaml"))
	}
	sort.Strings(names)
	return names
}

// LoadFile loads a battery from a YAML file. input_file paths are resolved
// relative to the battery file.
func LoadFile(path string) (*Battery, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read battery: %w", err)
	}
	b, err := parse(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("battery %s: %w", path, err)
	}
	return b, nil
}

// Load prefers the battery file at path and falls back to the named builtin.
func Load(builtin, path string) (*Battery, error) {
	if path != "" {
		return LoadFile(path)
	}
	if builtin == "" {
		return nil, fmt.Errorf("no battery configured")
	}
	return LoadBuiltin(builtin)
}

func parse(data []byte, baseDir string) (*Battery, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse battery: %w", err)
	}

	b := &Battery{
		Name:        f.Name,
		Version:     f.Version,
		Description: f.Description,
		Payloads:    make([]model.Payload, 0, len(f.Payloads)),
	}
	for i, spec := range f.Payloads {
		p, err := spec.resolve(baseDir)
		if err != nil {
			return nil, fmt.Errorf("payload %d (%s): %w", i, spec.ID, err)
		}
		b.Payloads = append(b.Payloads, p)
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

func (s payloadSpec) resolve(baseDir string) (model.Payload, error) {
	p := s.Payload
	if p.Input != "" && p.InputFile != "" {
		return p, fmt.Errorf("input and input_file are mutually exclusive")
	}
	if s.Repeat < 0 {
		return p, fmt.Errorf("repeat must be >= 0")
	}

	if p.InputFile != "" {
		path := p.InputFile
		if !filepath.IsAbs(path) && baseDir != "" {
			path = filepath.Join(baseDir, path)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return p, fmt.Errorf("read input_file: %w", err)
		}
		p = p.WithData(data)
	}
	if s.Repeat > 1 {
		p = p.WithData(bytes.Repeat(p.Data(), s.Repeat))
	}
	return p, nil
}

// Validate checks ids are present and unique and labels are known.
func (b *Battery) Validate() error {
	if len(b.Payloads) == 0 {
		return fmt.Errorf("battery %q has no payloads", b.Name)
	}
	seen := make(map[string]bool, len(b.Payloads))
	for i, p := range b.Payloads {
		if p.ID == "" {
			return fmt.Errorf("payload %d: missing id", i)
		}
		if seen[p.ID] {
			return fmt.Errorf("payload %d: duplicate id %q", i, p.ID)
		}
		seen[p.ID] = true
		if p.Label != model.Benign && p.Label != model.Malicious {
			return fmt.Errorf("payload %s: label must be benign or malicious, got %q", p.ID, p.Label)
		}
	}
	return nil
}

// Counts returns the number of benign and malicious payloads.
func (b *Battery) Counts() (benign, malicious int) {
	for _, p := range b.Payloads {
		if p.Label == model.Benign {
			benign++
		} else {
			malicious++
		}
	}
	return benign, malicious
}

// Fingerprint hashes ids, labels and payload bytes in battery order.
func (b *Battery) Fingerprint() string {
	h := sha256.New()
	for _, p := range b.Payloads {
		fmt.Fprintf(h, "%s\x00%s\x00%d\x00", p.ID, p.Label, len(p.Data()))
		h.Write(p.Data())
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
