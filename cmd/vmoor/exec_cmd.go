package main

import (
	"context"
	"fmt"
	"os"
	"os/exec"

	"golang.org/x/term"
)

// ShellCmd attaches an interactive shell (/bin/sh -i) to a running
// container over RUN-COMMAND. It checks golang.org/x/term.IsTerminal on
// stdin only to warn when stdin is not a terminal; it always runs the same
// shell and allocates no local pty.
type ShellCmd struct {
	Name string `arg:"" help:"container name"`
}

func (c *ShellCmd) Run(cctx *Context) error {
	shellArgv := []string{"/bin/sh", "-i"}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Fprintln(os.Stderr, "warning: stdin is not a terminal, shell will not be interactive")
	}
	code, err := cctx.client.RunCommand(context.Background(), c.Name, shellArgv, os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	os.Exit(code)
	return nil
}

// RunCmd runs a single command in a running container and exits 0 if the
// command exited zero, 1 otherwise.
type RunCmd struct {
	Name string   `arg:"" help:"container name"`
	Argv []string `arg:"" help:"command and arguments to run inside the guest"`
}

func (c *RunCmd) Run(cctx *Context) error {
	code, err := cctx.client.RunCommand(context.Background(), c.Name, c.Argv, os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		return err
	}
	os.Exit(code)
	return nil
}

// SftpCmd opens an interactive sftp session by exec-ing the system sftp
// binary against the container's forwarded ssh port, the same way the
// ssh-config integration makes `ssh <container>` work without remembering
// the port.
type SftpCmd struct {
	Name string `arg:"" help:"container name"`
}

func (c *SftpCmd) Run(cctx *Context) error {
	return runSFTPClient(cctx, c.Name)
}

// FilesCmd is a CLI alias for sftp.
type FilesCmd struct {
	Name string `arg:"" help:"container name"`
}

func (c *FilesCmd) Run(cctx *Context) error {
	return runSFTPClient(cctx, c.Name)
}

func runSFTPClient(cctx *Context, name string) error {
	cmd := exec.Command("sftp", name)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

type SendFileCmd struct {
	Name   string `arg:"" help:"container name"`
	Local  string `arg:"" help:"local file path"`
	Remote string `arg:"" help:"destination path inside the guest"`
}

func (c *SendFileCmd) Run(cctx *Context) error {
	if err := cctx.client.PutFile(context.Background(), c.Name, c.Local, c.Remote); err != nil {
		return err
	}
	fmt.Printf("%s -> %s:%s\n", c.Local, c.Name, c.Remote)
	return nil
}

type GetFileCmd struct {
	Name   string `arg:"" help:"container name"`
	Remote string `arg:"" help:"source path inside the guest"`
	Local  string `arg:"" help:"local destination path"`
}

func (c *GetFileCmd) Run(cctx *Context) error {
	if err := cctx.client.GetFile(context.Background(), c.Name, c.Remote, c.Local); err != nil {
		return err
	}
	fmt.Printf("%s:%s -> %s\n", c.Name, c.Remote, c.Local)
	return nil
}
