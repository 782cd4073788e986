package vmoor

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
)

// PoweroffTimeoutExceededError is returned when a guest doesn't reach a
// zombie state within the poweroff grace period, signalling the caller
// to fall back to a hard kill.
type PoweroffTimeoutExceededError struct {
	QEMUPid int
}

func (e *PoweroffTimeoutExceededError) Error() string {
	return fmt.Sprintf("poweroff wait exceeded for qemu pid %d", e.QEMUPid)
}

// poweroffGracePeriod bounds how long SSHSession.Poweroff waits for the
// host-side QEMU process to become a zombie before giving up.
const poweroffGracePeriod = 15 * time.Second

// SSHSession is an authenticated channel to a booted guest, opened once
// the boot handshake (C6) observes the login prompt.
type SSHSession struct {
	client   *ssh.Client
	sftp     *sftp.Client
	Username string
	Password string
	Host     string
	Port     int

	home          string
	containerName string
	fs            FileSystem
	kg            KeyGenerator
}

// OpenSSHSession dials a freshly booted guest and opens both an SSH
// session and its companion SFTP session. golang.org/x/crypto/ssh has no
// SFTP client of its own, so github.com/pkg/sftp rides on top of the same
// ssh.Client connection.
func OpenSSHSession(home, containerName, host string, port int, username, password string) (*SSHSession, error) {
	cfg := &ssh.ClientConfig{
		User:            username,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         10 * time.Second,
	}

	addr := net.JoinHostPort(host, strconv.Itoa(port))
	client, err := ssh.Dial("tcp", addr, cfg)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}

	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("opening sftp session: %w", err)
	}

	return &SSHSession{
		client:        client,
		sftp:          sftpClient,
		Username:      username,
		Password:      password,
		Host:          host,
		Port:          port,
		home:          home,
		containerName: containerName,
		fs:            RealFileSystem{},
		kg:            RealKeyGenerator{},
	}, nil
}

// Close releases both the SFTP and SSH connections.
func (s *SSHSession) Close() error {
	if s.sftp != nil {
		s.sftp.Close()
	}
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

// ExecHandle is a running guest command: its pipes, its guest-side pid
// (parsed off the first line of stdout), and a Wait that blocks for the
// command's exit status.
type ExecHandle struct {
	Stdin  io.WriteCloser
	Stdout io.Reader
	Stderr io.Reader
	Pid    int

	session *ssh.Session
}

// Wait blocks until the guest command exits, returning its exit code.
// A command killed by a signal gets the nonzero status the ssh library
// reports for it; a command whose status can't be determined is reported
// as exit code 1, matching the convention a shell uses for "the command
// did not exit cleanly".
func (h *ExecHandle) Wait() int {
	err := h.session.Wait()
	h.session.Close()
	if err == nil {
		return 0
	}
	if exitErr, ok := err.(*ssh.ExitError); ok {
		return exitErr.ExitStatus()
	}
	return 1
}

// Exec runs argv in the guest as `echo $$ && exec <quoted argv>`, so the
// first line of stdout is the guest-side PID the caller can signal later.
// It returns a handle with live stdin/stdout/stderr pipes for the
// duration of the command.
func (s *SSHSession) Exec(argv []string) (*ExecHandle, error) {
	session, err := s.client.NewSession()
	if err != nil {
		return nil, fmt.Errorf("opening ssh session: %w", err)
	}

	stdinPipe, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		session.Close()
		return nil, err
	}
	stderrPipe, err := session.StderrPipe()
	if err != nil {
		session.Close()
		return nil, err
	}

	cmd := "echo $$ && exec " + shellQuoteArgv(argv)
	if err := session.Start(cmd); err != nil {
		session.Close()
		return nil, fmt.Errorf("starting command: %w", err)
	}

	bufferedStdout := bufio.NewReader(stdoutPipe)
	pidLine, err := bufferedStdout.ReadString('\n')
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("reading guest pid: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(pidLine))
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("parsing guest pid from %q: %w", pidLine, err)
	}

	return &ExecHandle{
		Stdin:   stdinPipe,
		Stdout:  bufferedStdout,
		Stderr:  stderrPipe,
		Pid:     pid,
		session: session,
	}, nil
}

// shellQuoteArgv renders argv as a single POSIX-shell-safe command line.
func shellQuoteArgv(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ")
}

// InvalidPathError and IsADirectoryError translate to the matching wire
// error keywords for PUT-FILE/GET-FILE handling.
type InvalidPathError struct{ Path string }

func (e *InvalidPathError) Error() string { return fmt.Sprintf("invalid path: %s", e.Path) }

type IsADirectoryError struct{ Path string }

func (e *IsADirectoryError) Error() string { return fmt.Sprintf("is a directory: %s", e.Path) }

// Put uploads local to remote. A local directory is rejected outright; if
// remote already exists as a directory on the guest, the local file's
// basename is appended to it.
func (s *SSHSession) Put(local, remote string) error {
	localInfo, err := os.Stat(local)
	if err != nil {
		return &InvalidPathError{Path: local}
	}
	if localInfo.IsDir() {
		return &IsADirectoryError{Path: local}
	}

	remote = s.resolveRemoteDestination(remote, filepath.Base(local))

	src, err := os.Open(local)
	if err != nil {
		return &InvalidPathError{Path: local}
	}
	defer src.Close()

	dst, err := s.sftp.Create(remote)
	if err != nil {
		return &InvalidPathError{Path: remote}
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// Get downloads remote to local. A remote directory is rejected outright;
// if the local path exists and is a directory, the remote file's
// basename is appended to it.
func (s *SSHSession) Get(remote, local string) error {
	remoteInfo, err := s.sftp.Stat(remote)
	if err != nil {
		return &InvalidPathError{Path: remote}
	}
	if remoteInfo.IsDir() {
		return &IsADirectoryError{Path: remote}
	}

	if localInfo, err := os.Stat(local); err == nil && localInfo.IsDir() {
		local = filepath.Join(local, filepath.Base(remote))
	}

	src, err := s.sftp.Open(remote)
	if err != nil {
		return &InvalidPathError{Path: remote}
	}
	defer src.Close()

	dst, err := os.Create(local)
	if err != nil {
		return &InvalidPathError{Path: local}
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

func (s *SSHSession) resolveRemoteDestination(remote, basename string) string {
	if info, err := s.sftp.Stat(remote); err == nil && info.IsDir() {
		return filepath.Join(remote, basename)
	}
	return remote
}

// Poweroff issues a guest poweroff, then polls the host-side QEMU process
// for up to poweroffGracePeriod for it to become a zombie (POSIX: exited
// but not yet reaped), sending it SIGKILL once it is. On timeout it returns
// PoweroffTimeoutExceededError so the caller can fall back to a hard
// kill.
func (s *SSHSession) Poweroff(qemuPid int) error {
	session, err := s.client.NewSession()
	if err != nil {
		return fmt.Errorf("opening poweroff session: %w", err)
	}
	defer session.Close()

	if err := session.Run("poweroff"); err != nil {
		// A poweroff that tears down the connection out from under us
		// looks like an error to the ssh library; that is the expected
		// happy path, so only propagate genuine exec failures.
		if _, ok := err.(*ssh.ExitMissingError); !ok {
			if _, ok := err.(*net.OpError); !ok {
				return fmt.Errorf("running poweroff: %w", err)
			}
		}
	}

	deadline := time.Now().Add(poweroffGracePeriod)
	for time.Now().Before(deadline) {
		if isZombie(qemuPid) {
			if qemuPid > 0 {
				_ = syscall.Kill(qemuPid, syscall.SIGKILL)
			}
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	return &PoweroffTimeoutExceededError{QEMUPid: qemuPid}
}

// isZombie reports whether pid is a zombie process on this POSIX host.
func isZombie(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		// Already reaped/gone counts as "done powering off" too.
		return true
	}
	fields := strings.Fields(string(data))
	if len(fields) < 3 {
		return false
	}
	return fields[2] == "Z"
}

// RotateHostKey creates a fresh RSA key pair, writes it to the
// container's per-container key paths via an atomic write-then-rename,
// and appends its public half to the guest's authorized_keys so
// subsequent sessions can use key auth instead of the password.
func (s *SSHSession) RotateHostKey() error {
	key, err := s.kg.GenerateKeyPair()
	if err != nil {
		return fmt.Errorf("generating key pair: %w", err)
	}

	privPEM, err := encodePrivateKeyToPEM(key)
	if err != nil {
		return err
	}
	signer, err := ssh.NewSignerFromKey(key)
	if err != nil {
		return fmt.Errorf("creating signer: %w", err)
	}
	pubLine := ssh.MarshalAuthorizedKey(signer.PublicKey())

	privPath := ContainerPrivateKeyPath(s.home, s.containerName)
	pubPath := ContainerPublicKeyPath(s.home, s.containerName)

	if err := s.fs.SafeWriteFile(privPath, privPEM, 0o600); err != nil {
		return fmt.Errorf("writing private key: %w", err)
	}
	if err := s.fs.SafeWriteFile(pubPath, pubLine, 0o644); err != nil {
		return fmt.Errorf("writing public key: %w", err)
	}

	if err := s.appendAuthorizedKey(pubLine); err != nil {
		return fmt.Errorf("authorizing key on guest: %w", err)
	}
	return nil
}

// appendAuthorizedKey appends pubLine to the guest's
// ~/.ssh/authorized_keys, creating the directory/file if needed.
func (s *SSHSession) appendAuthorizedKey(pubLine []byte) error {
	session, err := s.client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()

	cmd := "mkdir -p ~/.ssh && chmod 700 ~/.ssh && cat >> ~/.ssh/authorized_keys && chmod 600 ~/.ssh/authorized_keys"
	stdin, err := session.StdinPipe()
	if err != nil {
		return err
	}
	if err := session.Start(cmd); err != nil {
		return err
	}
	if _, err := stdin.Write(pubLine); err != nil {
		return err
	}
	stdin.Close()
	return session.Wait()
}

// signalPid sends sig to a guest-side PID, used by the run-command bridge
// to force-kill a lingering guest process once its client disconnects.
// This executes over a throwaway SSH session rather than the original
// Exec session, which may already be torn down.
func (s *SSHSession) signalPid(pid int, sig syscall.Signal) error {
	session, err := s.client.NewSession()
	if err != nil {
		return err
	}
	defer session.Close()
	return session.Run(fmt.Sprintf("kill -%d %d", int(sig), pid))
}
