package main

import (
	"context"
	"fmt"
)

type InstallCmd struct {
	Name        string `arg:"" help:"name for the new container"`
	ArchivePath string `arg:"" help:"path to a config.json+hdd.qcow2 archive"`
}

func (c *InstallCmd) Run(cctx *Context) error {
	if err := cctx.client.Install(context.Background(), c.Name, c.ArchivePath); err != nil {
		return err
	}
	fmt.Printf("installed %s\n", c.Name)
	return nil
}

type ArchiveCmd struct {
	Name     string `arg:"" help:"container name"`
	DestPath string `arg:"" help:"destination archive path"`
}

func (c *ArchiveCmd) Run(cctx *Context) error {
	if err := cctx.client.Archive(context.Background(), c.Name, c.DestPath); err != nil {
		return err
	}
	fmt.Printf("archived %s -> %s\n", c.Name, c.DestPath)
	return nil
}

type DeleteCmd struct {
	Name string `arg:"" help:"container name"`
}

func (c *DeleteCmd) Run(cctx *Context) error {
	if err := cctx.client.Delete(context.Background(), c.Name); err != nil {
		return err
	}
	fmt.Printf("deleted %s\n", c.Name)
	return nil
}

type RenameCmd struct {
	OldName string `arg:"" help:"current container name"`
	NewName string `arg:"" help:"new container name"`
}

func (c *RenameCmd) Run(cctx *Context) error {
	if err := cctx.client.Rename(context.Background(), c.OldName, c.NewName); err != nil {
		return err
	}
	fmt.Printf("renamed %s -> %s\n", c.OldName, c.NewName)
	return nil
}

type HistoryCmd struct {
	Name string `arg:"" optional:"" help:"container name (omit for every container)"`
}

func (c *HistoryCmd) Run(cctx *Context) error {
	records, err := cctx.client.History(context.Background(), c.Name)
	if err != nil {
		return err
	}
	for _, r := range records {
		fmt.Printf("%d\t%s\t%s\t%s\n", r.AtUnix, r.ContainerName, r.Event, r.Detail)
	}
	return nil
}

// The repository client and builder are out of core scope; these
// subcommands exist so the CLI surface and exit-code contract are
// complete, per SPEC_FULL.md's §4.11.
type notImplementedError struct{ subcommand string }

func (e *notImplementedError) Error() string {
	return fmt.Sprintf("%s: not implemented by this daemon", e.subcommand)
}

type DownloadCmd struct {
	Args []string `arg:"" optional:"" passthrough:""`
}

func (c *DownloadCmd) Run(cctx *Context) error { return &notImplementedError{"download"} }

type AddRepoCmd struct {
	Args []string `arg:"" optional:"" passthrough:""`
}

func (c *AddRepoCmd) Run(cctx *Context) error { return &notImplementedError{"add-repo"} }

type UpdateRepoCmd struct {
	Args []string `arg:"" optional:"" passthrough:""`
}

func (c *UpdateRepoCmd) Run(cctx *Context) error { return &notImplementedError{"update-repo"} }

type BuildInitCmd struct {
	Args []string `arg:"" optional:"" passthrough:""`
}

func (c *BuildInitCmd) Run(cctx *Context) error { return &notImplementedError{"build-init"} }

type BuildCmd struct {
	Args []string `arg:"" optional:"" passthrough:""`
}

func (c *BuildCmd) Run(cctx *Context) error { return &notImplementedError{"build"} }

type BuildCleanCmd struct {
	Args []string `arg:"" optional:"" passthrough:""`
}

func (c *BuildCleanCmd) Run(cctx *Context) error { return &notImplementedError{"build-clean"} }
