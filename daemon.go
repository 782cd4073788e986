package vmoor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/sven-oakley/vmoor/internal/auditlog"
)

// daemonTCPPortLow/High is the reserved range the daemon's informational
// TCP port is chosen from; nothing dials this port, it's recorded in the
// info file purely for external tooling that expects a numeric port.
const (
	daemonTCPPortLow  = 22300
	daemonTCPPortHigh = 22399
)

// daemonInfo is the on-disk liveness record written to DaemonInfoPath.
type daemonInfo struct {
	Addr string  `json:"addr"`
	Port int     `json:"port"`
	Pid  int     `json:"pid"`
	Boot float64 `json:"boot"`
}

// Daemon is the singleton process that owns every live Container and
// serves the C3 wire protocol over a Unix domain socket.
type Daemon struct {
	home     string
	listener net.Listener
	lockFile *os.File
	audit    *auditlog.Log

	mu   sync.Mutex
	live map[string]*Container
	sf   singleflight.Group

	halt     chan struct{}
	haltOnce sync.Once
}

// NewDaemon acquires the singleton lock, opens the audit log, and binds
// the listening Unix socket, refusing to start if another live daemon
// already holds the lock.
func NewDaemon(home string) (*Daemon, error) {
	if err := refuseIfAnotherDaemonIsLive(home); err != nil {
		return nil, err
	}

	lockFile, err := acquireDaemonLock(DaemonLockPath(home))
	if err != nil {
		return nil, err
	}

	auditLog, err := auditlog.Open(AuditDBPath(home))
	if err != nil {
		lockFile.Close()
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	socketPath := DaemonSocketPath(home)
	os.Remove(socketPath)
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		auditLog.Close()
		lockFile.Close()
		return nil, fmt.Errorf("listening on %s: %w", socketPath, err)
	}

	return &Daemon{
		home:     home,
		listener: listener,
		lockFile: lockFile,
		audit:    auditLog,
		live:     make(map[string]*Container),
		halt:     make(chan struct{}),
	}, nil
}

// refuseIfAnotherDaemonIsLive implements the liveness predicate: an info
// file whose recorded boot time is at or after the current OS boot time
// and whose pid is still running belongs to a daemon that is genuinely
// still alive.
func refuseIfAnotherDaemonIsLive(home string) error {
	info, err := readDaemonInfo(home)
	if err != nil {
		return nil // no info file, or unreadable: nothing to refuse against
	}
	if !pidIsRunning(info.Pid) {
		return nil
	}
	osBoot, err := osBootTime()
	if err != nil || info.Boot >= osBoot {
		return fmt.Errorf("a vmoor daemon is already running (pid %d)", info.Pid)
	}
	return nil
}

func readDaemonInfo(home string) (*daemonInfo, error) {
	data, err := os.ReadFile(DaemonInfoPath(home))
	if err != nil {
		return nil, err
	}
	var info daemonInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func pidIsRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// osBootTime reads the host's boot time in seconds since the epoch from
// /proc/stat's btime field, the standard Linux source for this value.
func osBootTime() (float64, error) {
	data, err := os.ReadFile("/proc/stat")
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "btime ") {
			fields := strings.Fields(line)
			if len(fields) != 2 {
				continue
			}
			v, err := strconv.ParseFloat(fields[1], 64)
			return v, err
		}
	}
	return 0, fmt.Errorf("btime not found in /proc/stat")
}

func acquireDaemonLock(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, err
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		return nil, fmt.Errorf("a vmoor daemon already holds the lock: %w", err)
	}
	file.Truncate(0)
	fmt.Fprintf(file, "%d", os.Getpid())
	return file, nil
}

// Serve writes the info file, then accepts and serves connections until
// Halt is called or ctx is canceled.
func (d *Daemon) Serve(ctx context.Context) error {
	boot, err := osBootTime()
	if err != nil {
		boot = float64(time.Now().Unix())
	}
	port, err := AllocatePort(daemonTCPPortLow, daemonTCPPortHigh)
	if err != nil {
		return fmt.Errorf("allocating informational daemon port: %w", err)
	}
	info := daemonInfo{Addr: "127.0.0.1", Port: port, Pid: os.Getpid(), Boot: boot}
	if err := d.writeInfo(info); err != nil {
		return err
	}
	defer d.removeInfo()

	go func() {
		select {
		case <-ctx.Done():
			d.Halt()
		case <-d.halt:
		}
	}()

	for {
		conn, err := d.listener.Accept()
		if err != nil {
			select {
			case <-d.halt:
				d.shutdownContainers(ctx)
				return nil
			default:
				return err
			}
		}
		go d.handleConn(ctx, conn)
	}
}

func (d *Daemon) writeInfo(info daemonInfo) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return RealFileSystem{}.SafeWriteFile(DaemonInfoPath(d.home), data, 0o600)
}

func (d *Daemon) removeInfo() {
	os.Remove(DaemonInfoPath(d.home))
}

// Halt sets the halt event, causing Serve's accept loop to wind down.
func (d *Daemon) Halt() {
	d.haltOnce.Do(func() {
		close(d.halt)
		d.listener.Close()
	})
}

func (d *Daemon) shutdownContainers(ctx context.Context) {
	d.mu.Lock()
	containers := make([]*Container, 0, len(d.live))
	for _, c := range d.live {
		containers = append(containers, c)
	}
	d.mu.Unlock()

	for _, c := range containers {
		if err := c.Stop(ctx); err != nil {
			slog.WarnContext(ctx, "vmoor: stop failed during shutdown, killing", "container", c.Name, "error", err)
			if err := c.Kill(ctx); err != nil {
				slog.ErrorContext(ctx, "vmoor: kill failed during shutdown", "container", c.Name, "error", err)
			}
		}
	}
	d.audit.Close()
	d.lockFile.Close()
}

func (d *Daemon) handleConn(ctx context.Context, rawConn net.Conn) {
	defer rawConn.Close()
	conn := newWireConn(rawConn)

	if err := conn.sendKeyword(KeywordReady); err != nil {
		return
	}
	req, err := conn.recvLine()
	if err != nil {
		return
	}

	reqCtx, span := startRequestSpan(ctx, req)
	defer span.End()

	if err := d.dispatch(reqCtx, conn, rawConn, req); err != nil {
		slog.WarnContext(reqCtx, "vmoor: request handler error", "request", req, "error", err)
	}
}

// dispatch routes one already-received request keyword to its handler.
// Handlers are responsible for sending their own terminal reply (OK, a
// typed WireError, or BEGIN followed by the C9 sub-protocol).
func (d *Daemon) dispatch(ctx context.Context, conn *wireConn, raw net.Conn, req string) error {
	switch req {
	case ReqPing:
		return conn.sendKeyword(KeywordOK)
	case ReqStarted:
		return d.handleStarted(conn)
	case ReqStart:
		return d.handleStart(ctx, conn)
	case ReqStop:
		return d.handleStop(ctx, conn)
	case ReqKill:
		return d.handleKill(ctx, conn)
	case ReqSSHAddress:
		return d.handleSSHAddress(conn)
	case ReqUpdateHostkey:
		return d.handleUpdateHostkey(conn)
	case ReqGetFile:
		return d.handleGetFile(conn)
	case ReqPutFile:
		return d.handlePutFile(conn)
	case ReqRunCommand:
		return d.handleRunCommand(conn, raw)
	case ReqInstall:
		return d.handleInstall(conn)
	case ReqArchive:
		return d.handleArchive(conn)
	case ReqDelete:
		return d.handleDelete(conn)
	case ReqRename:
		return d.handleRename(conn)
	case ReqHistory:
		return d.handleHistory(ctx, conn)
	case ReqHalt:
		d.Halt()
		return conn.sendKeyword(KeywordOK)
	case ReqPanic:
		return d.handlePanic(conn)
	default:
		return conn.sendWireError(&WireError{Keyword: ErrUnknownRequest})
	}
}

func (d *Daemon) handleStarted(conn *wireConn) error {
	name, err := conn.recvLine()
	if err != nil {
		return err
	}
	d.mu.Lock()
	_, ok := d.live[name]
	d.mu.Unlock()
	if ok {
		return conn.sendKeyword(KeywordYes)
	}
	return conn.sendKeyword(KeywordNo)
}

// handleStart constructs a Container if absent and boots it, collapsing
// concurrent duplicate starts for the same name through singleflight so
// two clients racing to start the same container never double-boot it.
func (d *Daemon) handleStart(ctx context.Context, conn *wireConn) error {
	name, err := conn.recvLine()
	if err != nil {
		return err
	}

	result, err, _ := d.sf.Do(name, func() (any, error) {
		d.mu.Lock()
		existing, alreadyLive := d.live[name]
		d.mu.Unlock()
		if alreadyLive {
			return existing, nil
		}

		cfg, err := loadContainerConfig(d.home, name)
		if err != nil {
			return nil, err
		}
		c := NewContainer(d.home, name, cfg, d.audit)
		if err := c.Start(ctx); err != nil {
			_ = c.Kill(ctx)
			return nil, err
		}
		if err := c.Connect(ctx); err != nil {
			_ = c.Kill(ctx)
			return nil, err
		}

		d.mu.Lock()
		d.live[name] = c
		d.mu.Unlock()
		return c, nil
	})

	if err != nil {
		return conn.sendWireError(classifyDaemonError(err))
	}
	_ = result
	return conn.sendKeyword(KeywordOK)
}

func (d *Daemon) handleStop(ctx context.Context, conn *wireConn) error {
	name, err := conn.recvLine()
	if err != nil {
		return err
	}
	c, ok := d.takeLive(name)
	if !ok {
		return conn.sendWireError(d.notLiveError(name))
	}
	if err := c.Stop(ctx); err != nil {
		return conn.sendWireError(classifyDaemonError(err))
	}
	return conn.sendKeyword(KeywordOK)
}

func (d *Daemon) handleKill(ctx context.Context, conn *wireConn) error {
	name, err := conn.recvLine()
	if err != nil {
		return err
	}
	c, ok := d.takeLive(name)
	if !ok {
		return conn.sendWireError(&WireError{Keyword: ErrNoSuchContainer})
	}
	if err := c.Kill(ctx); err != nil {
		return conn.sendWireError(classifyDaemonError(err))
	}
	return conn.sendKeyword(KeywordOK)
}

func (d *Daemon) takeLive(name string) (*Container, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.live[name]
	if ok {
		delete(d.live, name)
	}
	return c, ok
}

func (d *Daemon) getLive(name string) (*Container, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	c, ok := d.live[name]
	return c, ok
}

// notLiveError picks NO_SUCH_CONTAINER when name has no container
// directory at all, and CONTAINER_NOT_STARTED when the directory exists
// but the container isn't in the live map.
func (d *Daemon) notLiveError(name string) *WireError {
	if _, err := os.Stat(ContainerRoot(d.home, name)); err != nil {
		return &WireError{Keyword: ErrNoSuchContainer}
	}
	return &WireError{Keyword: ErrContainerNotStarted}
}

func (d *Daemon) handleSSHAddress(conn *wireConn) error {
	name, err := conn.recvLine()
	if err != nil {
		return err
	}
	c, ok := d.getLive(name)
	if !ok {
		return conn.sendWireError(&WireError{Keyword: ErrNoSuchContainer})
	}
	user, pass, host, port, ok := c.SSHAddress()
	if !ok {
		return conn.sendWireError(&WireError{Keyword: ErrContainerNotStarted})
	}
	if err := conn.sendKeyword(KeywordOK); err != nil {
		return err
	}
	return conn.sendField(fmt.Sprintf("%s:%s:%s:%d", user, pass, host, port))
}

func (d *Daemon) handleUpdateHostkey(conn *wireConn) error {
	name, err := conn.recvLine()
	if err != nil {
		return err
	}
	c, ok := d.getLive(name)
	if !ok {
		return conn.sendWireError(&WireError{Keyword: ErrNoSuchContainer})
	}
	c.mu.Lock()
	ssh := c.ssh
	c.mu.Unlock()
	if ssh == nil {
		return conn.sendWireError(&WireError{Keyword: ErrContainerNotStarted})
	}
	if err := ssh.RotateHostKey(); err != nil {
		return conn.sendWireError(&WireError{Keyword: ErrExceptionOccured, Detail: err.Error()})
	}
	return conn.sendKeyword(KeywordOK)
}

func (d *Daemon) handleGetFile(conn *wireConn) error {
	name, err := conn.recvLine()
	if err != nil {
		return err
	}
	remote, err := conn.recvLine()
	if err != nil {
		return err
	}
	local, err := conn.recvLine()
	if err != nil {
		return err
	}
	c, ok := d.getLive(name)
	if !ok {
		return conn.sendWireError(d.notLiveError(name))
	}
	if err := c.Get(remote, local); err != nil {
		return conn.sendWireError(classifyDaemonError(err))
	}
	return conn.sendKeyword(KeywordOK)
}

func (d *Daemon) handlePutFile(conn *wireConn) error {
	name, err := conn.recvLine()
	if err != nil {
		return err
	}
	local, err := conn.recvLine()
	if err != nil {
		return err
	}
	remote, err := conn.recvLine()
	if err != nil {
		return err
	}
	c, ok := d.getLive(name)
	if !ok {
		return conn.sendWireError(d.notLiveError(name))
	}
	if err := c.Put(local, remote); err != nil {
		return conn.sendWireError(classifyDaemonError(err))
	}
	return conn.sendKeyword(KeywordOK)
}

// handleRunCommand reads the target container name and argv length, then
// upgrades the connection into the C9 streaming sub-protocol after
// replying BEGIN.
func (d *Daemon) handleRunCommand(conn *wireConn, raw net.Conn) error {
	name, err := conn.recvLine()
	if err != nil {
		return err
	}
	argvLenStr, err := conn.recvLine()
	if err != nil {
		return err
	}
	argvLen, err := strconv.Atoi(argvLenStr)
	if err != nil {
		return fmt.Errorf("invalid argv length %q: %w", argvLenStr, err)
	}
	argv := make([]string, 0, argvLen)
	for i := 0; i < argvLen; i++ {
		arg, err := conn.recvLine()
		if err != nil {
			return err
		}
		argv = append(argv, arg)
	}

	c, ok := d.getLive(name)
	if !ok {
		return conn.sendWireError(&WireError{Keyword: ErrNoSuchContainer})
	}

	handle, err := c.Run(argv)
	if err != nil {
		return conn.sendWireError(classifyDaemonError(err))
	}
	if err := conn.sendKeyword(KeywordBegin); err != nil {
		return err
	}
	return ServeRunCommand(raw, handle, c.SignalGuestPid)
}

func (d *Daemon) handleInstall(conn *wireConn) error {
	name, err := conn.recvLine()
	if err != nil {
		return err
	}
	archivePath, err := conn.recvLine()
	if err != nil {
		return err
	}
	if err := installContainer(d.home, name, archivePath); err != nil {
		return conn.sendWireError(classifyDaemonError(err))
	}
	return conn.sendKeyword(KeywordOK)
}

func (d *Daemon) handleArchive(conn *wireConn) error {
	name, err := conn.recvLine()
	if err != nil {
		return err
	}
	destPath, err := conn.recvLine()
	if err != nil {
		return err
	}
	if _, ok := d.getLive(name); ok {
		return conn.sendWireError(&WireError{Keyword: ErrContainerStartedCannotModify})
	}
	if err := archiveContainer(d.home, name, destPath); err != nil {
		return conn.sendWireError(classifyDaemonError(err))
	}
	return conn.sendKeyword(KeywordOK)
}

func (d *Daemon) handleDelete(conn *wireConn) error {
	name, err := conn.recvLine()
	if err != nil {
		return err
	}
	if _, ok := d.getLive(name); ok {
		return conn.sendWireError(&WireError{Keyword: ErrContainerStartedCannotModify})
	}
	if err := os.RemoveAll(ContainerRoot(d.home, name)); err != nil {
		return conn.sendWireError(&WireError{Keyword: ErrExceptionOccured, Detail: err.Error()})
	}
	return conn.sendKeyword(KeywordOK)
}

func (d *Daemon) handleRename(conn *wireConn) error {
	oldName, err := conn.recvLine()
	if err != nil {
		return err
	}
	newName, err := conn.recvLine()
	if err != nil {
		return err
	}
	if _, ok := d.getLive(oldName); ok {
		return conn.sendWireError(&WireError{Keyword: ErrContainerStartedCannotModify})
	}
	if !hostnamePattern.MatchString(newName) {
		return conn.sendWireError(&WireError{Keyword: ErrInvalidPath, Detail: newName})
	}
	if err := os.Rename(ContainerRoot(d.home, oldName), ContainerRoot(d.home, newName)); err != nil {
		return conn.sendWireError(&WireError{Keyword: ErrExceptionOccured, Detail: err.Error()})
	}
	return conn.sendKeyword(KeywordOK)
}

func (d *Daemon) handleHistory(ctx context.Context, conn *wireConn) error {
	name, err := conn.recvLine()
	if err != nil {
		return err
	}
	events, err := d.audit.History(ctx, name)
	if err != nil {
		return conn.sendWireError(&WireError{Keyword: ErrExceptionOccured, Detail: err.Error()})
	}
	if err := conn.sendKeyword(KeywordOK); err != nil {
		return err
	}
	if err := conn.sendField(strconv.Itoa(len(events))); err != nil {
		return err
	}
	for _, e := range events {
		if err := conn.sendField(fmt.Sprintf("%d\t%s\t%d\t%s\t%s", e.ID, e.ContainerName, e.AtUnix, e.Event, e.Detail)); err != nil {
			return err
		}
	}
	return nil
}

// handlePanic kills every qemu-system-* process owned by the current
// user, removes the info file, and aborts the daemon immediately. Scoped
// to the caller's own processes, not the whole host: see the Open
// Question decision recorded alongside this package.
func (d *Daemon) handlePanic(conn *wireConn) error {
	_ = conn.sendKeyword(KeywordOK)
	killOwnQEMUProcesses()
	d.removeInfo()
	os.Exit(1)
	return nil
}

// killOwnQEMUProcesses sends SIGKILL to every /proc pid owned by the
// current uid whose comm contains "qemu-system-". This is PANIC's escape
// hatch for unrecoverable daemon state: it doesn't go through any
// Container, so it also catches QEMU children the daemon's own
// bookkeeping has lost track of.
func killOwnQEMUProcesses() {
	entries, err := os.ReadDir("/proc")
	if err != nil {
		return
	}
	uid := os.Getuid()
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil {
			continue
		}
		if !procOwnedByAndMatches(pid, uid, "qemu-system-") {
			continue
		}
		_ = syscall.Kill(pid, syscall.SIGKILL)
	}
}

func procOwnedByAndMatches(pid, uid int, commSubstring string) bool {
	info, err := os.Stat(fmt.Sprintf("/proc/%d", pid))
	if err != nil {
		return false
	}
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok || int(stat.Uid) != uid {
		return false
	}
	comm, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return false
	}
	return strings.Contains(string(comm), commSubstring)
}

// classifyDaemonError maps an internal error into the wire-visible typed
// error keyword a client can decode, falling back to EXCEPTION_OCCURED
// for anything unrecognized.
func classifyDaemonError(err error) *WireError {
	switch e := err.(type) {
	case *WireError:
		return e
	case *BootFailure:
		return &WireError{Keyword: ErrBootFailure, Detail: e.Error()}
	case *InvalidPathError:
		return &WireError{Keyword: ErrInvalidPath, Detail: e.Path}
	case *IsADirectoryError:
		return &WireError{Keyword: ErrIsADirectory, Detail: e.Path}
	default:
		return &WireError{Keyword: ErrExceptionOccured, Detail: err.Error()}
	}
}

// loadContainerConfig reads and validates a container's config.json.
func loadContainerConfig(home, name string) (*Config, error) {
	data, err := os.ReadFile(ContainerConfigPath(home, name))
	if err != nil {
		return nil, &WireError{Keyword: ErrNoSuchContainer}
	}
	return ParseConfig(data)
}
