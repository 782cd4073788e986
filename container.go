package vmoor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/sven-oakley/vmoor/internal/auditlog"
)

// maxPortCollisionRetries bounds how many times Start will reallocate a
// fresh ssh_host_port and retry the boot after observing a port-in-use
// failure from QEMU itself (a race against AllocatePort's probe-then-bind
// window).
const maxPortCollisionRetries = 25

// bootTimeout bounds how long Start waits for the login prompt before
// giving up and classifying the failure.
const bootTimeout = 360 * time.Second

// BootFailure is a typed classification of why a guest failed to reach
// the login prompt.
type BootFailure struct {
	Reason string // "address-in-use", "permission", "unknown-exit", "timeout"
	Detail string
}

func (e *BootFailure) Error() string {
	return fmt.Sprintf("boot failure (%s): %s", e.Reason, e.Detail)
}

// Container owns exactly one QEMU child process and drives it from cold
// to authenticated-and-ready.
type Container struct {
	Name   string
	Home   string
	Config *Config

	mu          sync.Mutex
	cmd         *exec.Cmd
	ptmx        *os.File
	bootLog     *lumberjack.Logger
	ssh         *SSHSession
	sshHostPort int
	qemuPid     int
	audit       *auditlog.Log
	msg         UserMessenger
}

// NewContainer wires up a Container for a config already parsed and
// validated by C5. audit may be nil, in which case lifecycle transitions
// are simply not recorded.
func NewContainer(home, name string, cfg *Config, audit *auditlog.Log) *Container {
	return &Container{
		Name:   name,
		Home:   home,
		Config: cfg,
		audit:  audit,
		msg:    NewNullMessenger(),
	}
}

// SetMessenger overrides the container's user-facing progress messenger,
// which is a null messenger (progress discarded) unless replaced here.
func (c *Container) SetMessenger(m UserMessenger) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msg = m
}

// Start runs the full boot algorithm: allocate a port, materialize argv,
// spawn QEMU attached to a pty, and wait for the login prompt, retrying
// on port collisions up to maxPortCollisionRetries times.
func (c *Container) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.recordTransition(ctx, "boot_start", "")
	c.msg.Message(ctx, fmt.Sprintf("starting %s...", c.Name))

	c.bootLog = &lumberjack.Logger{
		Filename:   ContainerBootLogPath(c.Home, c.Name),
		MaxSize:    10,
		MaxBackups: 3,
	}

	var lastErr error
	for attempt := 0; attempt <= maxPortCollisionRetries; attempt++ {
		port, err := AllocatePort(DefaultPortRangeLow, DefaultPortRangeHigh)
		if err != nil {
			c.recordTransition(ctx, "boot_failure", err.Error())
			return fmt.Errorf("allocating ssh port: %w", err)
		}

		err = c.bootOnce(ctx, port)
		if err == nil {
			c.sshHostPort = port
			c.recordTransition(ctx, "boot_success", fmt.Sprintf("ssh_host_port=%d", port))
			c.msg.Message(ctx, fmt.Sprintf("%s booted, ssh port %d", c.Name, port))
			return nil
		}

		lastErr = err
		if bf, ok := err.(*BootFailure); ok && bf.Reason == "address-in-use" {
			slog.WarnContext(ctx, "vmoor: port collision on boot, retrying", "container", c.Name, "attempt", attempt)
			continue
		}
		break
	}

	c.recordTransition(ctx, "boot_failure", lastErr.Error())
	return lastErr
}

// bootOnce spawns QEMU once on the given port and waits for the login
// prompt, classifying any failure encountered along the way. It is the
// Go analogue of a pexpect expect() loop: the boot transcript is scanned
// for the literal "<hostname> login:" line as it streams in.
func (c *Container) bootOnce(ctx context.Context, port int) error {
	hostMemoryMB, hostCPUs := hostResources()
	argv, err := BuildQEMUArgs(c.Config, c.Home, c.Name, port, hostMemoryMB, hostCPUs)
	if err != nil {
		return fmt.Errorf("building qemu argv: %w", err)
	}

	binary := QEMUBinary(c.Config.Arch)
	cmd := exec.CommandContext(ctx, binary, argv...)
	cmd.Dir = ContainerRoot(c.Home, c.Name)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return classifyStartError(err)
	}

	watcher := newLoginWatcher(c.Config.Hostname)
	copyDone := make(chan struct{})
	go func() {
		io.Copy(io.MultiWriter(c.bootLog, watcher), ptmx)
		close(copyDone)
	}()

	select {
	case <-watcher.ready:
		c.cmd = cmd
		c.ptmx = ptmx
		c.qemuPid = cmd.Process.Pid
		return nil
	case <-copyDone:
		c.teardownFailedBoot(cmd, ptmx)
		return classifyBootLogFailure(c.bootLog.Filename, &BootFailure{Reason: "unknown-exit", Detail: "qemu exited before the login prompt"})
	case <-time.After(bootTimeout):
		c.teardownFailedBoot(cmd, ptmx)
		return classifyBootLogFailure(c.bootLog.Filename, &BootFailure{Reason: "timeout", Detail: "no login prompt before deadline"})
	case <-ctx.Done():
		c.teardownFailedBoot(cmd, ptmx)
		return ctx.Err()
	}
}

func (c *Container) teardownFailedBoot(cmd *exec.Cmd, ptmx *os.File) {
	ptmx.Close()
	if cmd.Process != nil {
		_ = cmd.Process.Kill()
	}
	_ = cmd.Wait()
}

// classifyStartError maps a failure to start the QEMU process itself
// (before any boot log exists) into a BootFailure.
func classifyStartError(err error) error {
	msg := err.Error()
	switch {
	case strings.Contains(msg, "permission denied"):
		return &BootFailure{Reason: "permission", Detail: msg}
	default:
		return &BootFailure{Reason: "unknown-exit", Detail: msg}
	}
}

// classifyBootLogFailure rescans the boot log for known QEMU error
// substrings to refine a generic failure (commonly a timeout) into a more
// specific classification, notably address-in-use so the caller can
// retry with a fresh port.
func classifyBootLogFailure(logPath string, fallback *BootFailure) error {
	data, err := os.ReadFile(logPath)
	if err != nil {
		return fallback
	}
	text := string(data)
	switch {
	case strings.Contains(text, "Address already in use"):
		return &BootFailure{Reason: "address-in-use", Detail: "hostfwd port already bound"}
	case strings.Contains(text, "Could not open") || strings.Contains(text, "Permission denied"):
		return &BootFailure{Reason: "permission", Detail: "could not open a required resource"}
	default:
		return fallback
	}
}

// loginWatcher scans a byte stream for the literal "<hostname> login:"
// prompt and closes ready once seen.
type loginWatcher struct {
	want  string
	buf   strings.Builder
	ready chan struct{}
	once  sync.Once
}

func newLoginWatcher(hostname string) *loginWatcher {
	want := hostname
	if want == "" {
		want = "vmoor"
	}
	return &loginWatcher{want: want + " login:", ready: make(chan struct{})}
}

func (w *loginWatcher) Write(p []byte) (int, error) {
	w.buf.Write(p)
	if strings.Contains(w.buf.String(), w.want) {
		w.once.Do(func() { close(w.ready) })
	}
	// Cap the retained buffer so a chatty boot doesn't grow unbounded.
	if w.buf.Len() > 64*1024 {
		trimmed := w.buf.String()[w.buf.Len()-4096:]
		w.buf.Reset()
		w.buf.WriteString(trimmed)
	}
	return len(p), nil
}

// Connect opens the C4 SSH session once bootOnce has observed the login
// prompt, rotates the host key, and syncs ~/.ssh/config.
func (c *Container) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	session, err := OpenSSHSession(c.Home, c.Name, "127.0.0.1", c.sshHostPort, c.Config.Username, c.Config.Password)
	if err != nil {
		return fmt.Errorf("opening ssh session: %w", err)
	}
	c.ssh = session

	if err := session.RotateHostKey(); err != nil {
		slog.WarnContext(ctx, "vmoor: host key rotation failed", "container", c.Name, "error", err)
	}
	if err := SyncSSHConfig(c.Name, "127.0.0.1", c.sshHostPort, c.Config.Username); err != nil {
		slog.WarnContext(ctx, "vmoor: ssh config sync failed", "container", c.Name, "error", err)
	}
	return nil
}

// Run executes argv inside the guest over the open SSH session.
func (c *Container) Run(argv []string) (*ExecHandle, error) {
	c.mu.Lock()
	ssh := c.ssh
	c.mu.Unlock()
	if ssh == nil {
		return nil, &WireError{Keyword: ErrContainerNotStarted}
	}
	return ssh.Exec(argv)
}

// SignalGuestPid forwards a signal to a guest-side pid over a throwaway
// SSH session, used by the run-command bridge to force-kill a lingering
// process once its client disconnects.
func (c *Container) SignalGuestPid(pid int, sig syscall.Signal) error {
	c.mu.Lock()
	ssh := c.ssh
	c.mu.Unlock()
	if ssh == nil {
		return &WireError{Keyword: ErrContainerNotStarted}
	}
	return ssh.signalPid(pid, sig)
}

// Put uploads local to remote inside the guest.
func (c *Container) Put(local, remote string) error {
	c.mu.Lock()
	ssh := c.ssh
	c.mu.Unlock()
	if ssh == nil {
		return &WireError{Keyword: ErrContainerNotStarted}
	}
	return ssh.Put(local, remote)
}

// Get downloads remote from the guest to local.
func (c *Container) Get(remote, local string) error {
	c.mu.Lock()
	ssh := c.ssh
	c.mu.Unlock()
	if ssh == nil {
		return &WireError{Keyword: ErrContainerNotStarted}
	}
	return ssh.Get(remote, local)
}

// SSHAddress reports the live session's connection tuple for the
// SSH-ADDRESS wire request.
func (c *Container) SSHAddress() (username, password, host string, port int, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ssh == nil {
		return "", "", "", 0, false
	}
	return c.ssh.Username, c.ssh.Password, c.ssh.Host, c.ssh.Port, true
}

// Stop asks the guest to power off cleanly via C4, escalating to Kill on
// any poweroff error (including the grace-period timeout).
func (c *Container) Stop(ctx context.Context) error {
	c.mu.Lock()
	ssh, pid := c.ssh, c.qemuPid
	c.mu.Unlock()

	if ssh == nil {
		return c.Kill(ctx)
	}
	if err := ssh.Poweroff(pid); err != nil {
		slog.WarnContext(ctx, "vmoor: poweroff failed, escalating to kill", "container", c.Name, "error", err)
		return c.Kill(ctx)
	}
	c.recordTransition(ctx, "stop", "")
	return c.closeAll()
}

// Kill hard-terminates the QEMU process and tears down the SSH session
// and boot log.
func (c *Container) Kill(ctx context.Context) error {
	c.mu.Lock()
	cmd := c.cmd
	c.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGKILL)
		_ = cmd.Wait()
	}
	c.recordTransition(ctx, "kill", "")
	return c.closeAll()
}

func (c *Container) closeAll() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ssh != nil {
		c.ssh.Close()
		c.ssh = nil
	}
	if c.ptmx != nil {
		c.ptmx.Close()
		c.ptmx = nil
	}
	if c.bootLog != nil {
		c.bootLog.Close()
	}
	return nil
}

// QEMUPid returns the host-side pid of the QEMU child, or 0 if not
// running.
func (c *Container) QEMUPid() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.qemuPid
}

func (c *Container) recordTransition(ctx context.Context, event, detail string) {
	if c.audit == nil {
		return
	}
	if err := c.audit.Record(ctx, c.Name, event, detail, time.Now().Unix()); err != nil {
		slog.WarnContext(ctx, "vmoor: audit log write failed", "container", c.Name, "event", event, "error", err)
	}
}
