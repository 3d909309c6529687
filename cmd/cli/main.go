package main

import (
	"context"

	"github.com/alecthomas/kong"
	"github.com/wolfeidau/csrsign/cmd/cli/internal/commands"
)

var (
	version = "dev"
	cli     struct {
		Request commands.RequestCmd `cmd:"" help:"Generate a key and request a certificate for it"`
		CA      commands.CACmd      `cmd:"" name:"ca" help:"Fetch the root CA certificate"`
		List    commands.ListCmd    `cmd:"" help:"List locally stored credentials"`
		Token   commands.TokenCmd   `cmd:"" help:"Generate a JWT token for the signing API"`
		Debug   bool                `help:"Enable debug mode." env:"CSRSIGN_DEBUG"`
		Version kong.VersionFlag
	}
)

func main() {
	ctx := context.Background()
	cmd := kong.Parse(&cli,
		kong.Vars{
			"version": version,
		},
		kong.BindTo(ctx, (*context.Context)(nil)))
	err := cmd.Run(&commands.Globals{Debug: cli.Debug, Version: version})
	cmd.FatalIfErrorf(err)
}
