package main

import (
	"github.com/alecthomas/kong"
)

// CLI is the caseworkd command tree.
type CLI struct {
	Config string `help:"Path to a YAML config file." short:"c" type:"path" env:"CASEWORK_CONFIG"`

	Serve ServeCmd `cmd:"" help:"Run the poller, HTTP intake and maintenance jobs."`
	Emit  EmitCmd  `cmd:"" help:"Persist an event for delivery."`
	Runs  struct {
		List RunsListCmd `cmd:"" help:"List workflow runs."`
		Show RunsShowCmd `cmd:"" help:"Show one run with its steps."`
	} `cmd:"" help:"Inspect workflow runs."`
	Prune PruneCmd `cmd:"" help:"Delete finished runs older than a cutoff."`
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("caseworkd"),
		kong.Description("Durable workflow engine for forensic entomology casework."),
		kong.UsageOnError(),
	)
	ctx.FatalIfErrorf(ctx.Run(&cli))
}
