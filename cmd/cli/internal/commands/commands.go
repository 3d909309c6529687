package commands

import (
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/csrsign/cmd/cli/internal/credentials"
	"github.com/wolfeidau/csrsign/internal/client"
	"github.com/wolfeidau/csrsign/internal/logger"
)

type Globals struct {
	Debug   bool
	Version string
}

// ClientFlags are shared by the commands that talk to the signing API.
type ClientFlags struct {
	Server   string        `help:"Signing service URL" default:"https://localhost:8443" env:"CSRSIGN_SERVER"`
	Token    string        `help:"Bearer token for the signing API" env:"CSRSIGN_TOKEN"`
	CABundle string        `help:"PEM bundle used to verify the service TLS certificate" type:"existingfile" env:"CSRSIGN_CA_BUNDLE"`
	CacheDir string        `help:"Directory for cached root CA responses" env:"CSRSIGN_CACHE_DIR"`
	Timeout  time.Duration `help:"Request timeout" default:"1m"`
}

func (f *ClientFlags) newClient(globals *Globals) (*client.Client, error) {
	return client.New(client.Config{
		ServerURL:  f.Server,
		Timeout:    f.Timeout,
		Token:      f.Token,
		CACertFile: f.CABundle,
		CacheDir:   f.CacheDir,
		Debug:      globals.Debug,
	})
}

// StoreFlags select the local credential directory.
type StoreFlags struct {
	Dir string `help:"Directory for keys and certificates (default ~/.csrsign/credentials)" env:"CSRSIGN_CREDENTIALS_DIR"`
}

func (f *StoreFlags) openStore() (*credentials.Store, error) {
	return credentials.NewStore(f.Dir)
}

// setupLogging routes zerolog output to stderr, quiet unless debugging.
func setupLogging(globals *Globals) {
	log.Logger = logger.Setup(globals.Debug)
	if !globals.Debug {
		log.Logger = log.Logger.Level(zerolog.WarnLevel)
	}
}
