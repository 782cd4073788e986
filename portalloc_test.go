package vmoor

import (
	"net"
	"testing"
)

func TestAllocatePortSkipsBoundPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	bound := ln.Addr().(*net.TCPAddr).Port

	got, err := AllocatePort(bound, bound+50)
	if err != nil {
		t.Fatalf("AllocatePort: %v", err)
	}
	if got == bound {
		t.Errorf("AllocatePort returned the already-bound port %d", bound)
	}
	if got < bound || got > bound+50 {
		t.Errorf("AllocatePort returned %d outside range [%d,%d]", got, bound, bound+50)
	}
}

func TestAllocatePortExhaustedRange(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	bound := ln.Addr().(*net.TCPAddr).Port

	_, err = AllocatePort(bound, bound)
	if err == nil {
		t.Fatal("AllocatePort: want error when the only candidate is bound")
	}
	if _, ok := err.(*NoPortAvailableError); !ok {
		t.Errorf("AllocatePort error type = %T, want *NoPortAvailableError", err)
	}
}
