package orchestrator

import (
	"errors"
	"testing"
)

func validRequest() CreateRequest {
	return CreateRequest{
		Name:   "chal-1a2b3c",
		Image:  "registry.local/pwn-101:latest",
		Ports:  []int{80},
		Secret: SecretInjection{EnvVar: "FLAG", Value: "ctf{abc}"},
	}
}

func TestValidateCreateRequest(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*CreateRequest)
		wantErr bool
	}{
		{"valid", func(r *CreateRequest) {}, false},
		{"missing image", func(r *CreateRequest) { r.Image = "" }, true},
		{"bad name prefix", func(r *CreateRequest) { r.Name = "sandbox-1a2b3c" }, true},
		{"shell metachars in name", func(r *CreateRequest) { r.Name = "chal-$(reboot)" }, true},
		{"no ports", func(r *CreateRequest) { r.Ports = nil }, true},
		{"port out of range", func(r *CreateRequest) { r.Ports = []int{70000} }, true},
		{"duplicate port", func(r *CreateRequest) { r.Ports = []int{80, 80} }, true},
		{"secret without env var", func(r *CreateRequest) { r.Secret = SecretInjection{Value: "x"} }, true},
		{"bad limits", func(r *CreateRequest) { r.Limits = ResourceLimits{CPUShares: 1, MemoryMB: 1, PidsLimit: 1} }, true},
		{"valid limits", func(r *CreateRequest) { r.Limits = DefaultLimits() }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := validRequest()
			tt.modify(&req)
			err := validateCreateRequest(req)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateCreateRequest() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("error = %v, want ErrInvalidRequest", err)
			}
		})
	}
}

func TestAllocateHostPorts(t *testing.T) {
	ports, err := allocateHostPorts([]int{80, 443, 1337})
	if err != nil {
		t.Fatal(err)
	}
	if len(ports) != 3 {
		t.Fatalf("allocated %d ports, want 3", len(ports))
	}

	seen := make(map[int]struct{})
	for containerPort, hostPort := range ports {
		if hostPort < hostPortMin || hostPort >= hostPortMax {
			t.Errorf("port %d -> %d outside [%d, %d)", containerPort, hostPort, hostPortMin, hostPortMax)
		}
		if _, dup := seen[hostPort]; dup {
			t.Errorf("host port %d assigned twice", hostPort)
		}
		seen[hostPort] = struct{}{}
	}
}

func TestBuildRunArgs(t *testing.T) {
	req := validRequest()
	args := buildRunArgs(req, map[int]int{80: 31337}, DefaultLimits(), "/tmp/profile.json")

	want := map[string]bool{
		"--name":                           false,
		"chal-1a2b3c":                      false,
		"-p":                               false,
		"31337:80":                         false,
		"FLAG=ctf{abc}":                    false,
		"registry.local/pwn-101:latest":    false,
		"no-new-privileges":                false,
		"seccomp=/tmp/profile.json":        false,
		"--pids-limit":                     false,
	}
	for _, a := range args {
		if _, ok := want[a]; ok {
			want[a] = true
		}
	}
	for arg, found := range want {
		if !found {
			t.Errorf("args missing %q: %v", arg, args)
		}
	}

	if args[len(args)-1] != req.Image {
		t.Errorf("image must be the last argument, got %q", args[len(args)-1])
	}
}

func TestBuildRunArgsNoSecret(t *testing.T) {
	req := validRequest()
	req.Secret = SecretInjection{}
	args := buildRunArgs(req, map[int]int{80: 31337}, DefaultLimits(), "")

	for _, a := range args {
		if a == "-e" {
			t.Errorf("no env flag expected without a secret: %v", args)
		}
		if a == "seccomp=" {
			t.Errorf("empty seccomp path must not produce an opt: %v", args)
		}
	}
}

func TestContainerIDPattern(t *testing.T) {
	tests := []struct {
		id   string
		want bool
	}{
		{"4f5e6d7c8b9a0f1e2d3c4b5a6978", true},
		{"abc123def456", true},
		{"", false},
		{"Error: no such image", false},
		{"chal-uppercase-ID", false},
	}
	for _, tt := range tests {
		if got := containerIDPattern.MatchString(tt.id); got != tt.want {
			t.Errorf("containerIDPattern(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestFirstLine(t *testing.T) {
	if got := firstLine("line one\nline two"); got != "line one" {
		t.Errorf("firstLine = %q", got)
	}
	if got := firstLine("  trimmed  "); got != "trimmed" {
		t.Errorf("firstLine = %q", got)
	}
}

func TestResourceLimitsValidate(t *testing.T) {
	if err := DefaultLimits().Validate(); err != nil {
		t.Errorf("default limits invalid: %v", err)
	}

	bad := []ResourceLimits{
		{CPUShares: 1, MemoryMB: 256, PidsLimit: 100},
		{CPUShares: 512, MemoryMB: 8, PidsLimit: 100},
		{CPUShares: 512, MemoryMB: 256, PidsLimit: 1},
	}
	for _, limits := range bad {
		if err := limits.Validate(); !errors.Is(err, ErrInvalidRequest) {
			t.Errorf("Validate(%+v) = %v, want ErrInvalidRequest", limits, err)
		}
	}
}
