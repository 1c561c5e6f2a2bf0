package main

import (
	"fmt"
	"io"
	"os"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/evan-idocoding/zpool/config"
)

// ShowConfigCmd prints the configuration after file and environment overrides.
type ShowConfigCmd struct {
	Format string `help:"Output format" enum:"yaml,toml" default:"yaml"`
}

func (c *ShowConfigCmd) Run(cli *CLI) error {
	cfg, err := config.Load(cli.Config)
	if err != nil {
		return err
	}
	return writeConfig(os.Stdout, cfg, c.Format)
}

func writeConfig(w io.Writer, cfg *config.Config, format string) error {
	switch format {
	case "toml":
		return toml.NewEncoder(w).Encode(cfg)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(cfg); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown format %q", format)
	}
}
