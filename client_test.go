package vmoor

import (
	"context"
	"net"
	"path/filepath"
	"testing"
)

// startFakeDaemon listens on a Unix socket and runs handle once per
// accepted connection, so Client methods can be exercised without a real
// Daemon.
func startFakeDaemon(t *testing.T, handle func(conn *wireConn)) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "vmoor.sock")
	ln, err := net.Listen("unix", socketPath)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			raw, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer raw.Close()
				conn := newWireConn(raw)
				conn.sendKeyword(KeywordReady)
				handle(conn)
			}()
		}
	}()
	return socketPath
}

func TestClientPingSuccess(t *testing.T) {
	socketPath := startFakeDaemon(t, func(conn *wireConn) {
		req, _ := conn.recvLine()
		if req != ReqPing {
			t.Errorf("got request %q, want %q", req, ReqPing)
		}
		conn.sendKeyword(KeywordOK)
	})

	c := &Client{socketPath: socketPath}
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}

func TestClientStartPropagatesTypedError(t *testing.T) {
	socketPath := startFakeDaemon(t, func(conn *wireConn) {
		conn.recvLine() // request keyword
		conn.recvLine() // container name
		conn.sendWireError(&WireError{Keyword: ErrBootFailure, Detail: "address-in-use"})
	})

	c := &Client{socketPath: socketPath}
	err := c.Start(context.Background(), "demo")
	wireErr, ok := err.(*WireError)
	if !ok {
		t.Fatalf("got error type %T, want *WireError", err)
	}
	if wireErr.Keyword != ErrBootFailure || wireErr.Detail != "address-in-use" {
		t.Errorf("got %+v, want BOOT_FAILURE/address-in-use", wireErr)
	}
}

func TestClientSSHAddressDecodesTuple(t *testing.T) {
	socketPath := startFakeDaemon(t, func(conn *wireConn) {
		conn.recvLine()
		conn.recvLine()
		conn.sendKeyword(KeywordOK)
		conn.sendField("root:secret:127.0.0.1:22301")
	})

	c := &Client{socketPath: socketPath}
	user, pass, host, port, err := c.SSHAddress(context.Background(), "demo")
	if err != nil {
		t.Fatalf("SSHAddress: %v", err)
	}
	if user != "root" || pass != "secret" || host != "127.0.0.1" || port != 22301 {
		t.Errorf("got %s:%s:%s:%d, want root:secret:127.0.0.1:22301", user, pass, host, port)
	}
}

func TestClientHistoryDecodesRows(t *testing.T) {
	socketPath := startFakeDaemon(t, func(conn *wireConn) {
		conn.recvLine()
		conn.recvLine()
		conn.sendKeyword(KeywordOK)
		conn.sendField("2")
		conn.sendField("2\tdemo\t1700000100\tstop\t")
		conn.sendField("1\tdemo\t1700000000\tboot_success\tssh_host_port=22301")
	})

	c := &Client{socketPath: socketPath}
	records, err := c.History(context.Background(), "demo")
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want 2", len(records))
	}
	if records[0].Event != "stop" || records[1].Event != "boot_success" {
		t.Errorf("got events %q, %q", records[0].Event, records[1].Event)
	}
}
