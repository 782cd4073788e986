package main

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/sven-oakley/vmoor"
)

type DaemonCmd struct {
	Action string `arg:"" optional:"" default:"status" enum:"start,stop,restart,status" help:"start, stop, restart, or status (default)"`
}

func (c *DaemonCmd) Run(cctx *Context) error {
	ctx := context.Background()
	switch c.Action {
	case "start":
		return c.startDaemon(ctx, cctx)
	case "stop":
		return c.stopDaemon(ctx, cctx)
	case "restart":
		return c.restartDaemon(ctx, cctx)
	default:
		return c.checkStatus(ctx, cctx)
	}
}

func (c *DaemonCmd) checkStatus(ctx context.Context, cctx *Context) error {
	if err := cctx.client.Ping(ctx); err != nil {
		fmt.Println("daemon is not running")
		return nil
	}
	fmt.Println("daemon is running")
	return nil
}

func (c *DaemonCmd) startDaemon(ctx context.Context, cctx *Context) error {
	if err := cctx.client.Ping(ctx); err == nil {
		fmt.Println("daemon is already running")
		return nil
	}

	d, err := vmoor.NewDaemon(cctx.AppBaseDir)
	if err != nil {
		return fmt.Errorf("starting daemon: %w", err)
	}

	shutdownTracing, err := vmoor.InitTracing(ctx)
	if err != nil {
		return fmt.Errorf("initializing tracing: %w", err)
	}
	defer shutdownTracing(ctx)

	return d.Serve(ctx)
}

func (c *DaemonCmd) stopDaemon(ctx context.Context, cctx *Context) error {
	if err := cctx.client.Ping(ctx); err != nil {
		fmt.Println("daemon is not running")
		return nil
	}
	if err := cctx.client.Halt(ctx); err != nil {
		return fmt.Errorf("stopping daemon: %w", err)
	}
	fmt.Println("daemon stopped")
	return nil
}

func (c *DaemonCmd) restartDaemon(ctx context.Context, cctx *Context) error {
	if err := cctx.client.Ping(ctx); err == nil {
		if err := cctx.client.Halt(ctx); err != nil {
			return fmt.Errorf("stopping daemon: %w", err)
		}
		fmt.Println("daemon stopped")
	}

	if err := ensureDaemon(cctx.AppBaseDir); err != nil {
		return err
	}

	socketPath := vmoor.DaemonSocketPath(cctx.AppBaseDir)
	for i := 0; i < 20; i++ {
		time.Sleep(100 * time.Millisecond)
		conn, err := net.DialTimeout("unix", socketPath, 100*time.Millisecond)
		if err == nil {
			conn.Close()
			fmt.Println("daemon restarted successfully")
			return nil
		}
	}
	return fmt.Errorf("daemon failed to restart")
}
