package battery

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ppiankov/aegisforge/internal/model"
)

func TestListBuiltin(t *testing.T) {
	want := []string{"json-parser", "shell-loop"}
	if diff := cmp.Diff(want, ListBuiltin()); diff != "" {
		t.Errorf("builtin batteries (-want +got):\n%s", diff)
	}
}

func TestBuiltinBatteriesLoad(t *testing.T) {
	for _, name := range ListBuiltin() {
		t.Run(name, func(t *testing.T) {
			b, err := LoadBuiltin(name)
			if err != nil {
				t.Fatalf("LoadBuiltin(%s): %v", name, err)
			}
			if b.Name != name {
				t.Errorf("name = %q", b.Name)
			}
			benign, malicious := b.Counts()
			if benign == 0 || malicious == 0 {
				t.Errorf("battery needs both labels, got %d benign %d malicious", benign, malicious)
			}
		})
	}
}

func TestJSONParserRepeat(t *testing.T) {
	b, err := LoadBuiltin("json-parser")
	if err != nil {
		t.Fatal(err)
	}
	var overflow model.Payload
	for _, p := range b.Payloads {
		if p.ID == "attack-overflow" {
			overflow = p
		}
	}
	if got := string(overflow.Data()); got != strings.Repeat("A", 512) {
		t.Errorf("overflow payload has %d bytes", len(got))
	}
	if b.Payloads[0].ID != "benign-name" {
		t.Errorf("battery order not preserved, first = %s", b.Payloads[0].ID)
	}
}

func TestLoadBuiltinUnknown(t *testing.T) {
	if _, err := LoadBuiltin("nope"); err == nil {
		t.Fatal("expected error")
	}
}

func TestLoadFileWithInputFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "doc.json"), []byte(`{"a":1}`), 0600); err != nil {
		t.Fatal(err)
	}
	data := `
name: custom
payloads:
  - id: ok
    label: benign
    input_file: doc.json
  - id: bad
    label: malicious
    input: "{"
    repeat: 3
`
	path := filepath.Join(dir, "battery.yaml")
	if err := os.WriteFile(path, []byte(data), 0600); err != nil {
		t.Fatal(err)
	}

	b, err := Load("json-parser", path)
	if err != nil {
		t.Fatal(err)
	}
	if b.Name != "custom" {
		t.Errorf("file battery should win over builtin, got %q", b.Name)
	}
	if got := string(b.Payloads[0].Data()); got != `{"a":1}` {
		t.Errorf("input_file data = %q", got)
	}
	if got := string(b.Payloads[1].Data()); got != "{{{" {
		t.Errorf("repeated data = %q", got)
	}
}

func TestLoadFallsBackToBuiltin(t *testing.T) {
	b, err := Load("shell-loop", "")
	if err != nil {
		t.Fatal(err)
	}
	if b.Name != "shell-loop" {
		t.Errorf("name = %q", b.Name)
	}
	if _, err := Load("", ""); err == nil {
		t.Error("expected error with nothing configured")
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"empty", "name: x\n", "no payloads"},
		{"missing id", "payloads:\n  - label: benign\n", "missing id"},
		{"duplicate id", "payloads:\n  - {id: a, label: benign}\n  - {id: a, label: malicious}\n", "duplicate"},
		{"bad label", "payloads:\n  - {id: a, label: suspicious}\n", "label"},
		{"both inputs", "payloads:\n  - {id: a, label: benign, input: x, input_file: y}\n", "mutually exclusive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "b.yaml")
			if err := os.WriteFile(path, []byte(tt.data), 0600); err != nil {
				t.Fatal(err)
			}
			_, err := LoadFile(path)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error mentioning %q, got %v", tt.want, err)
			}
		})
	}
}

func TestFingerprint(t *testing.T) {
	a, _ := LoadBuiltin("json-parser")
	b, _ := LoadBuiltin("json-parser")
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("same battery should fingerprint identically")
	}
	b.Payloads[0] = b.Payloads[0].WithData([]byte("changed"))
	if a.Fingerprint() == b.Fingerprint() {
		t.Error("fingerprint should change with payload bytes")
	}
}
