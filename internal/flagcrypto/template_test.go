package flagcrypto

import (
	"errors"
	"regexp"
	"testing"
)

func TestGenerate(t *testing.T) {
	tests := []struct {
		name     string
		template string
		owner    string
		want     string // regexp the output must match
		wantErr  bool
	}{
		{"two hex groups", "pwn_<hex>_<hex>", "7", `^pwn_[0-9a-f]{6}_[0-9a-f]{6}$`, false},
		{"uuid placeholder", "ctf{<uuid>}", "7", `^ctf\{[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}\}$`, false},
		{"owner placeholder", "flag_<owner>_<hex>", "team42", `^flag_team42_[0-9a-f]{6}$`, false},
		{"no placeholders", "static{flag}", "7", `^static\{flag\}$`, false},
		{"empty template falls back", "", "7", `^default_[0-9a-f]{6}$`, false},
		{"unknown placeholder", "flag_<bogus>", "7", "", true},
		{"unclosed delimiter", "flag_<hex", "7", "", true},
		{"stray delimiter", "flag_>oops_<hex>", "7", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Generate(tt.template, tt.owner)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Generate(%q) error = %v, wantErr %v", tt.template, err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrTemplate) {
					t.Errorf("error = %v, want ErrTemplate", err)
				}
				return
			}
			if !regexp.MustCompile(tt.want).MatchString(got) {
				t.Errorf("Generate(%q) = %q, want match for %q", tt.template, got, tt.want)
			}
		})
	}
}

func TestGenerateUniqueness(t *testing.T) {
	a, err := Generate("pwn_<hex>_<hex>", "7")
	if err != nil {
		t.Fatal(err)
	}
	b, err := Generate("pwn_<hex>_<hex>", "7")
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Errorf("two generations produced identical flags: %q", a)
	}
}

func TestRedact(t *testing.T) {
	if got := Redact("ctf{super_secret_value_12345}"); got != "ctf{...345}" {
		t.Errorf("Redact = %q", got)
	}
	if got := Redact("short"); got != "[REDACTED]" {
		t.Errorf("Redact short = %q, want [REDACTED]", got)
	}
}
