package main

import "github.com/alecthomas/kong"

// DocCmd prints complete command help as markdown, driven by
// MarkdownHelpPrinter. Useful for regenerating docs from the CLI's own
// kong model instead of hand-maintaining a reference page.
type DocCmd struct{}

func (c *DocCmd) Run(kctx *kong.Context) error {
	return MarkdownHelpPrinter(kong.HelpOptions{}, kctx)
}
