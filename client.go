package vmoor

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

// Client is a thin handle to the daemon's Unix socket path; each method
// opens its own short-lived connection, exactly as the daemon expects one
// request per connection.
type Client struct {
	socketPath string
}

// NewClient returns a Client bound to the daemon socket under home.
func NewClient(home string) *Client {
	return &Client{socketPath: DaemonSocketPath(home)}
}

func (c *Client) dial() (*wireConn, net.Conn, error) {
	raw, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to vmoor daemon: %w", err)
	}
	conn := newWireConn(raw)
	if err := conn.recvExpect(KeywordReady); err != nil {
		raw.Close()
		return nil, nil, fmt.Errorf("daemon handshake: %w", err)
	}
	return conn, raw, nil
}

// readOutcome consumes the server's reply: OK (success), a typed error
// keyword (translated to a *WireError), or anything else is protocol
// corruption.
func readOutcome(conn *wireConn) error {
	kw, err := conn.recvLine()
	if err != nil {
		return err
	}
	if kw == KeywordOK {
		return nil
	}
	wireErr, err := conn.recvWireErrorDetail(kw)
	if err != nil {
		return err
	}
	return wireErr
}

// Ping checks that the daemon is alive and responsive.
func (c *Client) Ping(ctx context.Context) error {
	conn, raw, err := c.dial()
	if err != nil {
		return err
	}
	defer raw.Close()
	if err := conn.sendKeyword(ReqPing); err != nil {
		return err
	}
	return readOutcome(conn)
}

// Started reports whether name is currently in the daemon's live map.
func (c *Client) Started(ctx context.Context, name string) (bool, error) {
	conn, raw, err := c.dial()
	if err != nil {
		return false, err
	}
	defer raw.Close()
	if err := conn.sendKeyword(ReqStarted); err != nil {
		return false, err
	}
	if err := conn.sendField(name); err != nil {
		return false, err
	}
	kw, err := conn.recvLine()
	if err != nil {
		return false, err
	}
	return kw == KeywordYes, nil
}

// Start boots name, or returns success immediately if it is already
// running (START is idempotent per SPEC_FULL.md's state model).
func (c *Client) Start(ctx context.Context, name string) error {
	conn, raw, err := c.dial()
	if err != nil {
		return err
	}
	defer raw.Close()
	if err := conn.sendKeyword(ReqStart); err != nil {
		return err
	}
	if err := conn.sendField(name); err != nil {
		return err
	}
	return readOutcome(conn)
}

// Stop gracefully powers off name.
func (c *Client) Stop(ctx context.Context, name string) error {
	conn, raw, err := c.dial()
	if err != nil {
		return err
	}
	defer raw.Close()
	if err := conn.sendKeyword(ReqStop); err != nil {
		return err
	}
	if err := conn.sendField(name); err != nil {
		return err
	}
	return readOutcome(conn)
}

// Kill hard-terminates name.
func (c *Client) Kill(ctx context.Context, name string) error {
	conn, raw, err := c.dial()
	if err != nil {
		return err
	}
	defer raw.Close()
	if err := conn.sendKeyword(ReqKill); err != nil {
		return err
	}
	if err := conn.sendField(name); err != nil {
		return err
	}
	return readOutcome(conn)
}

// SSHAddress returns the connection tuple for a running container.
func (c *Client) SSHAddress(ctx context.Context, name string) (username, password, host string, port int, err error) {
	conn, raw, err := c.dial()
	if err != nil {
		return "", "", "", 0, err
	}
	defer raw.Close()
	if err := conn.sendKeyword(ReqSSHAddress); err != nil {
		return "", "", "", 0, err
	}
	if err := conn.sendField(name); err != nil {
		return "", "", "", 0, err
	}
	kw, err := conn.recvLine()
	if err != nil {
		return "", "", "", 0, err
	}
	if kw != KeywordOK {
		wireErr, err := conn.recvWireErrorDetail(kw)
		if err != nil {
			return "", "", "", 0, err
		}
		return "", "", "", 0, wireErr
	}
	line, err := conn.recvLine()
	if err != nil {
		return "", "", "", 0, err
	}
	parts := strings.SplitN(line, ":", 4)
	if len(parts) != 4 {
		return "", "", "", 0, fmt.Errorf("malformed ssh-address reply %q", line)
	}
	port, err = strconv.Atoi(parts[3])
	if err != nil {
		return "", "", "", 0, fmt.Errorf("malformed ssh-address port %q: %w", parts[3], err)
	}
	return parts[0], parts[1], parts[2], port, nil
}

// UpdateHostkey rotates the named container's host key.
func (c *Client) UpdateHostkey(ctx context.Context, name string) error {
	conn, raw, err := c.dial()
	if err != nil {
		return err
	}
	defer raw.Close()
	if err := conn.sendKeyword(ReqUpdateHostkey); err != nil {
		return err
	}
	if err := conn.sendField(name); err != nil {
		return err
	}
	return readOutcome(conn)
}

// GetFile downloads remote from name's guest to local on the client host.
func (c *Client) GetFile(ctx context.Context, name, remote, local string) error {
	conn, raw, err := c.dial()
	if err != nil {
		return err
	}
	defer raw.Close()
	if err := conn.sendKeyword(ReqGetFile); err != nil {
		return err
	}
	for _, f := range []string{name, remote, local} {
		if err := conn.sendField(f); err != nil {
			return err
		}
	}
	return readOutcome(conn)
}

// PutFile uploads local on the client host to remote inside name's guest.
func (c *Client) PutFile(ctx context.Context, name, local, remote string) error {
	conn, raw, err := c.dial()
	if err != nil {
		return err
	}
	defer raw.Close()
	if err := conn.sendKeyword(ReqPutFile); err != nil {
		return err
	}
	for _, f := range []string{name, local, remote} {
		if err := conn.sendField(f); err != nil {
			return err
		}
	}
	return readOutcome(conn)
}

// RunCommand executes argv inside name's guest, bridging stdin/stdout/
// stderr over the C9 streaming sub-protocol once the server replies
// BEGIN. It returns 0 if the guest command exited zero and 1 otherwise.
func (c *Client) RunCommand(ctx context.Context, name string, argv []string, stdin io.Reader, stdout, stderr io.Writer) (int, error) {
	conn, raw, err := c.dial()
	if err != nil {
		return 0, err
	}
	defer raw.Close()

	if err := conn.sendKeyword(ReqRunCommand); err != nil {
		return 0, err
	}
	if err := conn.sendField(name); err != nil {
		return 0, err
	}
	if err := conn.sendField(strconv.Itoa(len(argv))); err != nil {
		return 0, err
	}
	for _, arg := range argv {
		if err := conn.sendField(arg); err != nil {
			return 0, err
		}
	}

	kw, err := conn.recvLine()
	if err != nil {
		return 0, err
	}
	if kw != KeywordBegin {
		wireErr, err := conn.recvWireErrorDetail(kw)
		if err != nil {
			return 0, err
		}
		return 0, wireErr
	}

	return RunCommandClient(raw, stdin, stdout, stderr)
}

// Install untars archivePath into a new container directory named name.
func (c *Client) Install(ctx context.Context, name, archivePath string) error {
	conn, raw, err := c.dial()
	if err != nil {
		return err
	}
	defer raw.Close()
	if err := conn.sendKeyword(ReqInstall); err != nil {
		return err
	}
	for _, f := range []string{name, archivePath} {
		if err := conn.sendField(f); err != nil {
			return err
		}
	}
	return readOutcome(conn)
}

// Archive tars a stopped container's config.json and hdd.qcow2 to destPath.
func (c *Client) Archive(ctx context.Context, name, destPath string) error {
	conn, raw, err := c.dial()
	if err != nil {
		return err
	}
	defer raw.Close()
	if err := conn.sendKeyword(ReqArchive); err != nil {
		return err
	}
	for _, f := range []string{name, destPath} {
		if err := conn.sendField(f); err != nil {
			return err
		}
	}
	return readOutcome(conn)
}

// Delete recursively removes a stopped container's directory.
func (c *Client) Delete(ctx context.Context, name string) error {
	conn, raw, err := c.dial()
	if err != nil {
		return err
	}
	defer raw.Close()
	if err := conn.sendKeyword(ReqDelete); err != nil {
		return err
	}
	if err := conn.sendField(name); err != nil {
		return err
	}
	return readOutcome(conn)
}

// Rename renames a stopped container's directory.
func (c *Client) Rename(ctx context.Context, oldName, newName string) error {
	conn, raw, err := c.dial()
	if err != nil {
		return err
	}
	defer raw.Close()
	if err := conn.sendKeyword(ReqRename); err != nil {
		return err
	}
	for _, f := range []string{oldName, newName} {
		if err := conn.sendField(f); err != nil {
			return err
		}
	}
	return readOutcome(conn)
}

// HistoryRecord mirrors one row of the audit trail over the wire.
type HistoryRecord struct {
	ID            int64
	ContainerName string
	AtUnix        int64
	Event         string
	Detail        string
}

// History returns name's audit trail, newest first, capped at 200 rows.
// An empty name requests every container's history.
func (c *Client) History(ctx context.Context, name string) ([]HistoryRecord, error) {
	conn, raw, err := c.dial()
	if err != nil {
		return nil, err
	}
	defer raw.Close()
	if err := conn.sendKeyword(ReqHistory); err != nil {
		return nil, err
	}
	if err := conn.sendField(name); err != nil {
		return nil, err
	}

	kw, err := conn.recvLine()
	if err != nil {
		return nil, err
	}
	if kw != KeywordOK {
		wireErr, err := conn.recvWireErrorDetail(kw)
		if err != nil {
			return nil, err
		}
		return nil, wireErr
	}

	countLine, err := conn.recvLine()
	if err != nil {
		return nil, err
	}
	count, err := strconv.Atoi(countLine)
	if err != nil {
		return nil, fmt.Errorf("malformed history count %q: %w", countLine, err)
	}

	records := make([]HistoryRecord, 0, count)
	for i := 0; i < count; i++ {
		line, err := conn.recvLine()
		if err != nil {
			return nil, err
		}
		fields := strings.SplitN(line, "\t", 5)
		if len(fields) != 5 {
			return nil, fmt.Errorf("malformed history row %q", line)
		}
		id, err := strconv.ParseInt(fields[0], 10, 64)
		if err != nil {
			return nil, err
		}
		atUnix, err := strconv.ParseInt(fields[2], 10, 64)
		if err != nil {
			return nil, err
		}
		records = append(records, HistoryRecord{
			ID:            id,
			ContainerName: fields[1],
			AtUnix:        atUnix,
			Event:         fields[3],
			Detail:        fields[4],
		})
	}
	return records, nil
}

// Halt requests a graceful daemon shutdown.
func (c *Client) Halt(ctx context.Context) error {
	conn, raw, err := c.dial()
	if err != nil {
		return err
	}
	defer raw.Close()
	if err := conn.sendKeyword(ReqHalt); err != nil {
		return err
	}
	return readOutcome(conn)
}

// Panic requests the daemon's kill-all-own-QEMU escape hatch.
func (c *Client) Panic(ctx context.Context) error {
	conn, raw, err := c.dial()
	if err != nil {
		return err
	}
	defer raw.Close()
	if err := conn.sendKeyword(ReqPanic); err != nil {
		return err
	}
	return readOutcome(conn)
}
