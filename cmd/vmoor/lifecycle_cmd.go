package main

import (
	"context"
	"fmt"
	"os"
)

type StartCmd struct {
	Name string `arg:"" help:"container name"`
}

func (c *StartCmd) Run(cctx *Context) error {
	if err := cctx.client.Start(context.Background(), c.Name); err != nil {
		return err
	}
	fmt.Printf("%s started\n", c.Name)
	return nil
}

type StopCmd struct {
	Name string `arg:"" help:"container name"`
}

func (c *StopCmd) Run(cctx *Context) error {
	if err := cctx.client.Stop(context.Background(), c.Name); err != nil {
		return err
	}
	fmt.Printf("%s stopped\n", c.Name)
	return nil
}

type KillCmd struct {
	Name string `arg:"" help:"container name"`
}

func (c *KillCmd) Run(cctx *Context) error {
	if err := cctx.client.Kill(context.Background(), c.Name); err != nil {
		return err
	}
	fmt.Printf("%s killed\n", c.Name)
	return nil
}

type PingCmd struct{}

func (c *PingCmd) Run(cctx *Context) error {
	if err := cctx.client.Ping(context.Background()); err != nil {
		return err
	}
	fmt.Println("daemon is responsive")
	return nil
}

type SSHAddressCmd struct {
	Name string `arg:"" help:"container name"`
}

func (c *SSHAddressCmd) Run(cctx *Context) error {
	user, pass, host, port, err := cctx.client.SSHAddress(context.Background(), c.Name)
	if err != nil {
		return err
	}
	fmt.Printf("%s:%s:%s:%d\n", user, pass, host, port)
	return nil
}

type ListCmd struct{}

func (c *ListCmd) Run(cctx *Context) error {
	entries, err := os.ReadDir(cctx.AppBaseDir)
	if err != nil {
		return fmt.Errorf("listing containers: %w", err)
	}
	ctx := context.Background()
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		started, err := cctx.client.Started(ctx, e.Name())
		state := "stopped"
		if err == nil && started {
			state = "running"
		}
		fmt.Printf("%s\t%s\n", e.Name(), state)
	}
	return nil
}

type ServerHaltCmd struct{}

func (c *ServerHaltCmd) Run(cctx *Context) error {
	if err := cctx.client.Halt(context.Background()); err != nil {
		return err
	}
	fmt.Println("daemon halting")
	return nil
}

type PanicCmd struct{}

func (c *PanicCmd) Run(cctx *Context) error {
	if err := cctx.client.Panic(context.Background()); err != nil {
		return err
	}
	fmt.Println("panic sent")
	return nil
}
