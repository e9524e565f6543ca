package seccomp

import (
	"encoding/json"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

func TestChallengeProfile_DenyByDefault(t *testing.T) {
	p := ChallengeProfile()
	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
}

func TestChallengeProfile_AllowsNetworkService(t *testing.T) {
	p := ChallengeProfile()

	needed := map[string]bool{
		"socket": false, "bind": false, "listen": false, "accept4": false,
		"execve": false, "clone": false,
	}
	for _, rule := range p.Syscalls {
		if rule.Action != specs.ActAllow {
			continue
		}
		for _, name := range rule.Names {
			if _, ok := needed[name]; ok {
				needed[name] = true
			}
		}
	}
	for name, found := range needed {
		if !found {
			t.Errorf("challenge profile missing allowed syscall %q", name)
		}
	}
}

func TestChallengeProfile_BlocksEscapeVectors(t *testing.T) {
	p := ChallengeProfile()

	blocked := map[string]specs.LinuxSeccompAction{
		"mount":   specs.ActErrno,
		"setns":   specs.ActErrno,
		"unshare": specs.ActErrno,
		"ptrace":  specs.ActTrap,
		"bpf":     specs.ActTrap,
	}
	for _, rule := range p.Syscalls {
		for _, name := range rule.Names {
			if want, ok := blocked[name]; ok {
				if rule.Action != want {
					t.Errorf("%s action = %v, want %v", name, rule.Action, want)
				}
				delete(blocked, name)
			}
		}
	}
	for name := range blocked {
		t.Errorf("no rule found for %q", name)
	}
}

func TestDockerProfileJSON_ValidJSON(t *testing.T) {
	data, err := DockerProfileJSON()
	if err != nil {
		t.Fatalf("DockerProfileJSON: %v", err)
	}

	var dp struct {
		DefaultAction string `json:"defaultAction"`
		Syscalls      []struct {
			Names  []string `json:"names"`
			Action string   `json:"action"`
		} `json:"syscalls"`
	}
	if err := json.Unmarshal(data, &dp); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if dp.DefaultAction != "SCMP_ACT_ERRNO" {
		t.Errorf("defaultAction = %q, want SCMP_ACT_ERRNO", dp.DefaultAction)
	}
	if len(dp.Syscalls) == 0 {
		t.Error("expected syscall rules, got none")
	}
}

func TestProfileBuilder(t *testing.T) {
	p := NewBuilder().AllowSyscalls("read", "write").Build()

	if p.DefaultAction != specs.ActErrno {
		t.Errorf("DefaultAction = %v, want ActErrno", p.DefaultAction)
	}
	if len(p.Syscalls) != 1 {
		t.Fatalf("got %d rules, want 1", len(p.Syscalls))
	}
	rule := p.Syscalls[0]
	if rule.Action != specs.ActAllow {
		t.Errorf("rule Action = %v, want ActAllow", rule.Action)
	}
	if len(rule.Names) != 2 {
		t.Errorf("got %d names, want 2", len(rule.Names))
	}
	if rule.Names[0] != "read" || rule.Names[1] != "write" {
		t.Errorf("names = %v, want [read write]", rule.Names)
	}
}
