package genome

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ppiankov/aegisforge/internal/model"
)

// Encode returns the canonical JSON encoding of g.
func Encode(g model.Genome) ([]byte, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return nil, fmt.Errorf("encode genome %s: %w", g.ID, err)
	}
	return data, nil
}

// Decode parses a JSON genome and validates it.
func Decode(data []byte) (model.Genome, error) {
	var g model.Genome
	if err := json.Unmarshal(data, &g); err != nil {
		return model.Genome{}, fmt.Errorf("decode genome: %w", err)
	}
	if err := Validate(g); err != nil {
		return model.Genome{}, err
	}
	return g, nil
}

// Load reads a genome from a .json, .yaml or .yml file and validates it.
func Load(path string) (model.Genome, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return model.Genome{}, fmt.Errorf("read genome: %w", err)
	}

	var g model.Genome
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &g); err != nil {
			return model.Genome{}, fmt.Errorf("parse genome %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, &g); err != nil {
			return model.Genome{}, fmt.Errorf("parse genome %s: %w", path, err)
		}
	}

	if err := Validate(g); err != nil {
		return model.Genome{}, err
	}
	return g, nil
}

// Save writes g as indented JSON, or YAML when path ends in .yaml/.yml.
func Save(path string, g model.Genome) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(g)
	default:
		data, err = json.MarshalIndent(g, "", "  ")
		data = append(data, '\n')
	}
	if err != nil {
		return fmt.Errorf("encode genome %s: %w", g.ID, err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return fmt.Errorf("create genome directory: %w", err)
	}
	return os.WriteFile(path, data, 0640)
}

// Fingerprint hashes the behavior-relevant part of g (default action and
// rules), ignoring identity and lineage. Two genomes with equal fingerprints
// enforce identically.
func Fingerprint(g model.Genome) string {
	body := struct {
		DefaultAction model.Action `json:"default_action"`
		Rules         []model.Rule `json:"rules"`
	}{g.DefaultAction, g.Rules}
	data, _ := json.Marshal(body)
	h := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(h[:])
}
