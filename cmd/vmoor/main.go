package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	kongyaml "github.com/alecthomas/kong-yaml"
	kongcompletion "github.com/jotaen/kong-completion"

	"github.com/sven-oakley/vmoor"
)

// Context is threaded into every subcommand's Run method, following the
// teacher's cmd/sand/main.go convention of a struct carrying resolved
// paths and shared state instead of package-level globals.
type Context struct {
	AppBaseDir string
	LogFile    string
	LogLevel   string
	client     *vmoor.Client
}

type CLI struct {
	LogFile  string `default:"" placeholder:"<log-file-path>" help:"daemon log file path (leave empty for a default under the app home directory)"`
	LogLevel string `default:"info" placeholder:"<debug|info|warn|error>" help:"the logging level (debug, info, warn, error)"`

	Start      StartCmd      `cmd:"" help:"boot a container"`
	Stop       StopCmd       `cmd:"" help:"gracefully power off a container"`
	Kill       KillCmd       `cmd:"" help:"hard-terminate a container"`
	Shell      ShellCmd      `cmd:"" help:"attach an interactive shell to a running container"`
	Sftp       SftpCmd       `cmd:"" help:"open an interactive sftp session to a running container"`
	Files      FilesCmd      `cmd:"" help:"alias for sftp"`
	Run        RunCmd        `cmd:"" help:"run a single command in a running container"`
	SendFile   SendFileCmd   `cmd:"" name:"send-file" help:"upload a file to a running container"`
	GetFile    GetFileCmd    `cmd:"" name:"get-file" help:"download a file from a running container"`
	Install    InstallCmd    `cmd:"" help:"install an archive as a new container"`
	Archive    ArchiveCmd    `cmd:"" help:"archive a stopped container"`
	Delete     DeleteCmd     `cmd:"" help:"delete a stopped container"`
	Rename     RenameCmd     `cmd:"" help:"rename a stopped container"`
	History    HistoryCmd    `cmd:"" help:"show a container's lifecycle audit trail"`
	Download   DownloadCmd   `cmd:"" help:"not implemented by this daemon"`
	AddRepo    AddRepoCmd    `cmd:"" name:"add-repo" help:"not implemented by this daemon"`
	UpdateRepo UpdateRepoCmd `cmd:"" name:"update-repo" help:"not implemented by this daemon"`
	ServerHalt ServerHaltCmd `cmd:"" name:"server-halt" help:"ask the daemon to shut down gracefully"`
	Panic      PanicCmd      `cmd:"" help:"kill every qemu-system process owned by this user"`
	Ping       PingCmd       `cmd:"" help:"check whether the daemon is responsive"`
	SSHAddress SSHAddressCmd `cmd:"" name:"ssh-address" help:"print a running container's ssh connection tuple"`
	List       ListCmd       `cmd:"" help:"list known containers and their running state"`
	Version    VersionCmd    `cmd:"" help:"print version information about this command"`
	BuildInit  BuildInitCmd  `cmd:"" name:"build-init" help:"not implemented by this daemon"`
	Build      BuildCmd      `cmd:"" help:"not implemented by this daemon"`
	BuildClean BuildCleanCmd `cmd:"" name:"build-clean" help:"not implemented by this daemon"`
	Daemon     DaemonCmd     `cmd:"" help:"start, stop, or check the status of the vmoor daemon"`
	Doc        DocCmd        `cmd:"" help:"print command reference documentation as markdown"`

	Completion kongcompletion.Completion `cmd:"" help:"generate shell completion scripts"`
}

func (c *CLI) initSlog(cctx *kong.Context, appBaseDir string) {
	level := parseLogLevel(c.LogLevel)

	logFile := c.LogFile
	if logFile == "" {
		logFile = vmoor.DaemonLogPath(appBaseDir)
	}
	if strings.HasPrefix(cctx.Command(), "daemon") {
		logFile = strings.TrimSuffix(logFile, filepath.Ext(logFile)) + "-daemon" + filepath.Ext(logFile)
	}

	vmoor.InitLogging(logFile, level)
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

const description = `Start, stop, and interact with QEMU-backed virtual machine containers.`

func appHomeDir() (string, error) {
	home, err := vmoor.EnsureHome()
	if err != nil {
		return "", fmt.Errorf("resolving vmoor home directory: %w", err)
	}
	return home, nil
}

// ensureDaemon dials the daemon socket, and on failure spawns a detached
// `vmoor daemon start`, polling for the socket to appear. Mirrors the
// teacher's EnsureDaemon autostart-on-first-use pattern.
func ensureDaemon(appBaseDir string) error {
	socketPath := vmoor.DaemonSocketPath(appBaseDir)
	if conn, err := net.DialTimeout("unix", socketPath, 200*time.Millisecond); err == nil {
		conn.Close()
		return nil
	}

	cmd := exec.Command(os.Args[0], "daemon", "start")
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Stdin = nil
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	for i := 0; i < 50; i++ {
		time.Sleep(100 * time.Millisecond)
		if conn, err := net.DialTimeout("unix", socketPath, 100*time.Millisecond); err == nil {
			conn.Close()
			return nil
		}
	}
	return fmt.Errorf("daemon did not become ready")
}

func main() {
	var cli CLI

	parser, err := kong.New(&cli,
		kong.Configuration(kongyaml.Loader, ".vmoor.yaml", "~/.vmoor.yaml"),
		kong.Description(description))
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	kongcompletion.Register(parser)

	ctx, err := parser.Parse(os.Args[1:])
	parser.FatalIfErrorf(err)

	appBaseDir, err := appHomeDir()
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to resolve vmoor home directory: %v\n", err)
		os.Exit(1)
	}
	cli.initSlog(ctx, appBaseDir)
	slog.Info("vmoor starting", "appBaseDir", appBaseDir, "command", ctx.Command())

	if !strings.HasPrefix(ctx.Command(), "daemon") && ctx.Command() != "server-halt" &&
		ctx.Command() != "doc" && ctx.Command() != "version" && ctx.Command() != "completion" {
		if err := ensureDaemon(appBaseDir); err != nil {
			fmt.Fprintf(os.Stderr, "daemon not running, and failed to start it: %v\n", err)
			os.Exit(1)
		}
	}

	err = ctx.Run(&Context{
		AppBaseDir: appBaseDir,
		LogFile:    cli.LogFile,
		LogLevel:   cli.LogLevel,
		client:     vmoor.NewClient(appBaseDir),
	})
	ctx.FatalIfErrorf(err)
}
