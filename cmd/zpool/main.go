// Command zpool runs a simulated dialer pool on top of rt/pool and serves its admin
// endpoints.
package main

import (
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
)

var version = "dev"

// CLI is the root command structure for kong.
type CLI struct {
	Config  string           `short:"c" help:"Config file path (.yaml, .yml or .toml)" type:"path"`
	Version kong.VersionFlag `short:"V" help:"Show version"`

	Run        RunCmd        `cmd:"" default:"withargs" help:"Run the dialer pool until interrupted"`
	ShowConfig ShowConfigCmd `cmd:"" name:"show-config" help:"Print the resolved configuration"`
}

func main() {
	// Load .env file if present (ignore errors if file doesn't exist)
	_ = godotenv.Load()

	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("zpool"),
		kong.Description("Task-lifecycle pool with mailbox backpressure, driven by a simulated dialer."),
		kong.UsageOnError(),
		kong.Vars{"version": version},
	)
	if err := ctx.Run(&cli); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
