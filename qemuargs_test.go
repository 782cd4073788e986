package vmoor

import (
	"strings"
	"testing"
)

func TestBuildQEMUArgsIncludesHostfwdForSSHAndPortFwd(t *testing.T) {
	c := &Config{
		Arch:    "x86_64",
		Memory:  512,
		SMP:     1,
		PortFwd: [][2]int{{80, 8080}},
	}
	args, err := BuildQEMUArgs(c, "/home/testuser/.containers", "demo", 2222, 4096, 4)
	if err != nil {
		t.Fatalf("BuildQEMUArgs: %v", err)
	}
	joined := strings.Join(args, " ")
	if !strings.Contains(joined, "hostfwd=tcp::2222-:22") {
		t.Errorf("missing implicit ssh hostfwd in %q", joined)
	}
	if !strings.Contains(joined, "hostfwd=tcp::8080-:80") {
		t.Errorf("missing configured port forward in %q", joined)
	}
}

func TestBuildQEMUArgsRejectsUnknownArch(t *testing.T) {
	c := &Config{Arch: "sparc", Memory: 512}
	if _, err := BuildQEMUArgs(c, "/home/testuser/.containers", "demo", 2222, 4096, 4); err == nil {
		t.Fatal("expected an error for an unsupported arch")
	}
}

func TestBuildQEMUArgsOmitsKernelInitrdForLegacy(t *testing.T) {
	c := &Config{Arch: "x86_64", Memory: 512, Legacy: true}
	args, err := BuildQEMUArgs(c, "/home/testuser/.containers", "demo", 2222, 4096, 4)
	if err != nil {
		t.Fatalf("BuildQEMUArgs: %v", err)
	}
	joined := strings.Join(args, " ")
	if strings.Contains(joined, "-kernel") {
		t.Errorf("legacy config should not pass -kernel: %q", joined)
	}
}

func TestCappedResourceClampsToFraction(t *testing.T) {
	if got := cappedResource(4096, 4096); got != 3072 {
		t.Errorf("got %d, want 3072 (75%% of 4096)", got)
	}
	if got := cappedResource(100, 4096); got != 100 {
		t.Errorf("got %d, want unclamped 100", got)
	}
}

func TestRenderArgumentsSortedDeterministic(t *testing.T) {
	args := renderArguments(map[string]any{"z": "1", "a": "2"})
	if len(args) != 4 || args[0] != "-a" || args[2] != "-z" {
		t.Errorf("got %v, want sorted -a before -z", args)
	}
}
