package main

import (
	"context"

	"github.com/alecthomas/kong"

	"github.com/wolfeidau/csrsign/cmd/server/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Debug   bool              `help:"Enable debug mode." env:"CSRSIGN_DEBUG"`
		Version kong.VersionFlag  `help:"Print version and exit."`
		Config  kong.ConfigFlag   `help:"Path to a YAML configuration file." env:"CSRSIGN_CONFIG"`
		Serve   commands.ServeCmd `cmd:"" default:"withargs" help:"Start the certificate signing server"`
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Name("csrsign-server"),
		kong.Description("Signs device and service certificate requests with a pre-provisioned CA."),
		kong.Vars{
			"version": version,
		},
		kong.Configuration(commands.YAMLConfig),
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
