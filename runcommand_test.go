package vmoor

import (
	"bytes"
	"net"
	"strings"
	"testing"
	"time"
)

func TestFrameWriterSerializesWrites(t *testing.T) {
	var buf bytes.Buffer
	fw := &frameWriter{w: &buf}
	if err := fw.writeByte(streamStdout, 'h'); err != nil {
		t.Fatalf("writeByte: %v", err)
	}
	if err := fw.writeExitStatus(0); err != nil {
		t.Fatalf("writeExitStatus: %v", err)
	}
	got := buf.Bytes()
	want := []byte{streamStdout, 'h', streamExitStatus, '0'}
	if !bytes.Equal(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestWriteChunkAndPumpFromClientRoundTrip(t *testing.T) {
	var wire bytes.Buffer
	if err := writeChunk(&wire, []byte("hi")); err != nil {
		t.Fatalf("writeChunk: %v", err)
	}
	if err := writeChunk(&wire, nil); err != nil {
		t.Fatalf("writeChunk keepalive: %v", err)
	}

	var stdin bytes.Buffer
	done := make(chan struct{})
	go func() {
		pumpFromClient(&wire, &stdin)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
	}
	if stdin.String() != "hi" {
		t.Errorf("got %q, want %q", stdin.String(), "hi")
	}
}

func TestRunCommandClientDecodesStdoutAndExitStatus(t *testing.T) {
	server, client := net.Pipe()
	defer server.Close()
	defer client.Close()

	go func() {
		fw := &frameWriter{w: server}
		for _, b := range []byte("ok") {
			fw.writeByte(streamStdout, b)
		}
		fw.writeExitStatus(0)
		server.Close()
	}()

	var stdout, stderr bytes.Buffer
	code, err := RunCommandClient(client, strings.NewReader(""), &stdout, &stderr)
	if err != nil {
		t.Fatalf("RunCommandClient: %v", err)
	}
	if code != 0 {
		t.Errorf("got exit code %d, want 0", code)
	}
	if stdout.String() != "ok" {
		t.Errorf("got stdout %q, want %q", stdout.String(), "ok")
	}
}
