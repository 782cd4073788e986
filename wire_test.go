package vmoor

import (
	"net"
	"testing"
)

func TestWireConnKeywordRoundTrip(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	server := newWireConn(serverSide)
	client := newWireConn(clientSide)

	done := make(chan error, 1)
	go func() {
		done <- server.sendKeyword(KeywordReady)
	}()

	if err := client.recvExpect(KeywordReady); err != nil {
		t.Fatalf("recvExpect: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("sendKeyword: %v", err)
	}
}

func TestWireErrorWithDetailRoundTrip(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	server := newWireConn(serverSide)
	client := newWireConn(clientSide)

	want := &WireError{Keyword: ErrInvalidPath, Detail: "/no/such/file"}
	go func() {
		server.sendWireError(want)
	}()

	kw, err := client.recvLine()
	if err != nil {
		t.Fatalf("recvLine: %v", err)
	}
	if kw != ErrInvalidPath {
		t.Fatalf("got keyword %q, want %q", kw, ErrInvalidPath)
	}
	got, err := client.recvWireErrorDetail(kw)
	if err != nil {
		t.Fatalf("recvWireErrorDetail: %v", err)
	}
	if got.Keyword != want.Keyword || got.Detail != want.Detail {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestWireErrorWithoutDetailRoundTrip(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	server := newWireConn(serverSide)
	client := newWireConn(clientSide)

	want := &WireError{Keyword: ErrNoSuchContainer}
	go func() {
		server.sendWireError(want)
	}()

	kw, err := client.recvLine()
	if err != nil {
		t.Fatalf("recvLine: %v", err)
	}
	got, err := client.recvWireErrorDetail(kw)
	if err != nil {
		t.Fatalf("recvWireErrorDetail: %v", err)
	}
	if got.Detail != "" {
		t.Errorf("got detail %q, want empty", got.Detail)
	}
}
