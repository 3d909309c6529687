package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/rs/zerolog"

	"github.com/wolfeidau/csrsign/internal/artifact"
	"github.com/wolfeidau/csrsign/internal/auth"
	"github.com/wolfeidau/csrsign/internal/backend"
	"github.com/wolfeidau/csrsign/internal/bootstrap"
	"github.com/wolfeidau/csrsign/internal/issuer"
	"github.com/wolfeidau/csrsign/internal/logger"
	"github.com/wolfeidau/csrsign/internal/pki"
	"github.com/wolfeidau/csrsign/internal/server"
	"github.com/wolfeidau/csrsign/internal/ssmcerts"
	"github.com/wolfeidau/csrsign/internal/store"
	postgresstore "github.com/wolfeidau/csrsign/internal/store/postgres"
	"github.com/wolfeidau/csrsign/internal/telemetry"
)

type ServeCmd struct {
	// Server configuration
	Listen string `help:"HTTP server listen address" default:"0.0.0.0:8443" env:"CSRSIGN_LISTEN"`
	Cert   string `help:"path to TLS cert file" default:"" env:"CSRSIGN_TLS_CERT"`
	Key    string `help:"path to TLS key file" default:"" env:"CSRSIGN_TLS_KEY"`

	CertSSM string `help:"SSM parameter holding the TLS cert PEM" default:"" env:"CSRSIGN_TLS_CERT_SSM"`
	KeySSM  string `help:"SSM parameter holding the TLS key PEM" default:"" env:"CSRSIGN_TLS_KEY_SSM"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for browser clients" default:"http://localhost:3000" env:"CSRSIGN_CORS_ORIGINS"`

	// Authentication
	AuthPublicKey string `help:"path to the PEM ECDSA public key that verifies API tokens; empty disables authentication" default:"" env:"CSRSIGN_AUTH_PUBLIC_KEY"`

	// Telemetry
	Tracing          bool    `help:"enable tracing and metrics export" default:"false" env:"CSRSIGN_TRACING"`
	TraceSampleRatio float64 `help:"fraction of root spans sampled" default:"1.0" env:"CSRSIGN_TRACE_SAMPLE_RATIO"`

	// Signing
	Backend         string        `help:"signing backend (native or openssl)" default:"native" env:"CSRSIGN_BACKEND" enum:"native,openssl"`
	OpenSSLBinary   string        `help:"openssl binary for the openssl backend" default:"openssl" env:"CSRSIGN_OPENSSL_BINARY"`
	WorkDir         string        `help:"directory holding per-request signing artifacts" default:"./data/requests" env:"CSRSIGN_WORK_DIR"`
	SigningTimeout  time.Duration `help:"maximum time a signing may take" default:"15s" env:"CSRSIGN_SIGNING_TIMEOUT"`
	MaxConcurrent   int64         `help:"maximum concurrent signings" default:"16" env:"CSRSIGN_MAX_CONCURRENT"`
	SweepInterval   time.Duration `help:"interval between sweeps of abandoned request artifacts" default:"5m" env:"CSRSIGN_SWEEP_INTERVAL"`
	StaleAfter      time.Duration `help:"age after which request artifacts are considered abandoned" default:"10m" env:"CSRSIGN_STALE_AFTER"`
	DefaultValidity int           `help:"validity in days when a request does not specify one" default:"365" env:"CSRSIGN_DEFAULT_VALIDITY_DAYS"`
	MaxValidity     int           `help:"maximum validity in days a request may ask for" default:"825" env:"CSRSIGN_MAX_VALIDITY_DAYS"`

	CA       CAFlags       `embed:"" prefix:"ca-"`
	Ledger   LedgerFlags   `embed:"" prefix:"ledger-"`
	Postgres PostgresFlags `embed:"" prefix:"postgres-"`
	DynamoDB DynamoDBFlags `embed:"" prefix:"dynamodb-"`
}

// CAFlags locate the CA certificate and key.
type CAFlags struct {
	CertFile string `help:"path to the CA certificate PEM" default:"./ca/ca.crt" env:"CSRSIGN_CA_CERT_FILE"`
	KeyFile  string `help:"path to the CA private key PEM" default:"./ca/ca.key" env:"CSRSIGN_CA_KEY_FILE"`
	CertSSM  string `help:"SSM parameter holding the CA certificate PEM" default:"" env:"CSRSIGN_CA_CERT_SSM"`
	KeySSM   string `help:"SSM SecureString parameter holding the CA private key PEM" default:"" env:"CSRSIGN_CA_KEY_SSM"`
	KMSKeyID string `help:"AWS KMS key id or ARN that holds the CA private key" default:"" env:"CSRSIGN_CA_KMS_KEY_ID"`
}

func (c *CAFlags) authorityConfig() pki.AuthorityConfig {
	cfg := pki.AuthorityConfig{
		CertSSM:  c.CertSSM,
		KeySSM:   c.KeySSM,
		KMSKeyID: c.KMSKeyID,
	}
	if c.CertSSM == "" {
		cfg.CertPath = c.CertFile
	}
	if c.KeySSM == "" && c.KMSKeyID == "" {
		cfg.KeyPath = c.KeyFile
	}
	return cfg
}

// LedgerFlags select where serial numbers are allocated.
type LedgerFlags struct {
	Type       string `help:"serial ledger (file, memory, postgres or dynamodb)" default:"file" env:"CSRSIGN_LEDGER_TYPE" enum:"file,memory,postgres,dynamodb"`
	SerialFile string `help:"serial file for the file ledger" default:"./data/ca.srl" env:"CSRSIGN_LEDGER_SERIAL_FILE"`
	CAID       string `help:"CA id for shared ledgers" default:"default" env:"CSRSIGN_LEDGER_CA_ID"`
}

type PostgresFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32         `help:"maximum number of connections in pool" default:"4"`
	MinConns        int32         `help:"minimum number of connections in pool" default:"1"`
	MaxConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`
	MaxConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"CSRSIGN_POSTGRES_AUTO_MIGRATE"`
}

func (s *PostgresFlags) Validate() error {
	if s.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	return nil
}

type DynamoDBFlags struct {
	Table       string `help:"DynamoDB table holding serial counters" env:"CSRSIGN_DYNAMODB_TABLE"`
	EndpointURL string `help:"DynamoDB endpoint URL override (for DynamoDB Local)" default:"" env:"CSRSIGN_DYNAMODB_ENDPOINT_URL"`
	CreateTable bool   `help:"create the serial counter table if it does not exist" default:"false" env:"CSRSIGN_DYNAMODB_CREATE_TABLE"`
}

func (s *DynamoDBFlags) Validate() error {
	if s.Table == "" {
		return errors.New("DynamoDB table name is required (--dynamodb-table or CSRSIGN_DYNAMODB_TABLE)")
	}
	return nil
}

// Validate rejects settings that would let the sweeper or the validity
// limits contradict each other.
func (c *ServeCmd) Validate() error {
	if c.StaleAfter <= c.SigningTimeout {
		return fmt.Errorf("stale-after (%s) must exceed signing-timeout (%s) or live requests could be swept", c.StaleAfter, c.SigningTimeout)
	}
	if c.DefaultValidity > c.MaxValidity {
		return fmt.Errorf("default-validity (%d days) exceeds max-validity (%d days)", c.DefaultValidity, c.MaxValidity)
	}
	return nil
}

func (c *ServeCmd) Run(globals *Globals) error {
	if err := c.Validate(); err != nil {
		return err
	}

	log := logger.Setup(globals.Debug)
	zerolog.DefaultContextLogger = &log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	if c.Tracing {
		log.Info().Float64("sample_ratio", c.TraceSampleRatio).Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, "csrsign-server", globals.Version, c.TraceSampleRatio)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	authority, err := pki.LoadAuthority(ctx, c.CA.authorityConfig(), nil)
	if err != nil {
		return fmt.Errorf("failed to load CA: %w", err)
	}
	log.Info().
		Str("subject", authority.Certificate().Subject.String()).
		Str("fingerprint", pki.Fingerprint(authority.Certificate().Raw)).
		Time("not_after", authority.Certificate().NotAfter).
		Msg("CA loaded")

	ledger, closeLedger, err := c.createLedger(ctx, log)
	if err != nil {
		return err
	}
	defer closeLedger()

	if err := os.MkdirAll(c.WorkDir, 0o700); err != nil {
		return fmt.Errorf("failed to create work directory: %w", err)
	}
	dir, err := artifact.OpenDir(c.WorkDir)
	if err != nil {
		return err
	}
	defer dir.Close()

	sweeper, err := artifact.NewSweeper(ctx, dir, c.SweepInterval, c.StaleAfter)
	if err != nil {
		return fmt.Errorf("failed to start artifact sweeper: %w", err)
	}
	defer sweeper.Stop()

	coordinator, err := artifact.NewCoordinator(dir, artifact.Config{
		Timeout:       c.SigningTimeout,
		MaxConcurrent: c.MaxConcurrent,
	})
	if err != nil {
		return err
	}

	signingBackend, err := c.createBackend(authority, ledger)
	if err != nil {
		return err
	}
	log.Info().Str("backend", signingBackend.Name()).Msg("Signing backend ready")

	svc, err := issuer.NewService(coordinator, signingBackend, authority, issuer.Config{
		DefaultValidityDays: c.DefaultValidity,
		MaxValidityDays:     c.MaxValidity,
	})
	if err != nil {
		return err
	}

	serverCfg := server.Config{CORSOrigins: c.CORSOrigins}
	if c.AuthPublicKey != "" {
		data, err := os.ReadFile(c.AuthPublicKey)
		if err != nil {
			return fmt.Errorf("failed to read auth public key: %w", err)
		}
		serverCfg.Verifier, err = auth.NewVerifierFromPEM(string(data))
		if err != nil {
			return fmt.Errorf("failed to parse auth public key: %w", err)
		}
	} else {
		log.Warn().Msg("Authentication is disabled. Anyone who can reach the server can obtain certificates")
	}

	srv, err := server.NewServer(svc, serverCfg)
	if err != nil {
		return err
	}

	httpServer := configureHTTPServer(c.Listen, srv.Handler(log), c.SigningTimeout)

	tlsCfg := c.tlsConfig()
	if tlsCfg.Enabled() {
		certs, err := ssmcerts.Load(ctx, tlsCfg, nil)
		if err != nil {
			return fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		httpServer.TLSConfig, err = certs.TLSConfig()
		if err != nil {
			return err
		}
	}

	errCh := make(chan error, 1)
	go func() {
		if httpServer.TLSConfig != nil {
			log.Info().Str("addr", c.Listen).Bool("auth", serverCfg.Verifier != nil).Msg("Starting HTTPS server")
			errCh <- httpServer.ListenAndServeTLS("", "")
			return
		}
		log.Warn().Str("addr", c.Listen).Msg("Starting HTTP server without TLS")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		log.Info().Msg("Shutting down")
	}

	// in-flight signings are allowed to finish and release their artifacts
	shutdownCtx, cancel := context.WithTimeout(context.Background(), c.SigningTimeout+5*time.Second)
	defer cancel()

	return httpServer.Shutdown(shutdownCtx)
}

func (c *ServeCmd) tlsConfig() ssmcerts.Config {
	return ssmcerts.Config{
		ServerCertPath: c.Cert,
		ServerKeyPath:  c.Key,
		ServerCertSSM:  c.CertSSM,
		ServerKeySSM:   c.KeySSM,
	}
}

func (c *ServeCmd) createBackend(authority *pki.Authority, ledger store.SerialLedger) (backend.Backend, error) {
	switch c.Backend {
	case "openssl":
		return backend.NewOpenSSL(authority, ledger, c.OpenSSLBinary)
	default:
		return backend.NewNative(authority, ledger), nil
	}
}

// createLedger creates the serial ledger and a function releasing its resources.
func (c *ServeCmd) createLedger(ctx context.Context, log zerolog.Logger) (store.SerialLedger, func(), error) {
	noop := func() {}

	switch c.Ledger.Type {
	case "memory":
		log.Warn().Msg("Using in-memory serial ledger, serials restart from a random value on every start")
		ledger, err := store.NewMemorySerialLedger(nil)
		return ledger, noop, err

	case "postgres":
		if err := c.Postgres.Validate(); err != nil {
			return nil, nil, fmt.Errorf("failed to validate postgres flags: %w", err)
		}

		ledger, err := postgresstore.OpenSerialLedger(ctx, &postgresstore.SerialLedgerConfig{
			CAID:            c.Ledger.CAID,
			AutoMigrate:     c.Postgres.AutoMigrate,
			ConnString:      c.Postgres.ConnString,
			MaxConns:        c.Postgres.MaxConns,
			MinConns:        c.Postgres.MinConns,
			MaxConnLifetime: c.Postgres.MaxConnLifetime,
			MaxConnIdleTime: c.Postgres.MaxConnIdleTime,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open postgres serial ledger: %w", err)
		}
		log.Info().Str("ca_id", c.Ledger.CAID).Msg("Using PostgreSQL serial ledger")
		return ledger, ledger.Close, nil

	case "dynamodb":
		if err := c.DynamoDB.Validate(); err != nil {
			return nil, nil, fmt.Errorf("failed to validate dynamodb flags: %w", err)
		}

		awsConfig, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load AWS config: %w", err)
		}

		dynamoClientOpts := []func(*dynamodb.Options){}
		if c.DynamoDB.EndpointURL != "" {
			dynamoClientOpts = append(dynamoClientOpts, func(o *dynamodb.Options) {
				o.BaseEndpoint = aws.String(c.DynamoDB.EndpointURL)
			})
		}

		dynamoClient := dynamodb.NewFromConfig(awsConfig, dynamoClientOpts...)
		if c.DynamoDB.CreateTable {
			if _, err := bootstrap.Bootstrap(ctx, bootstrap.Config{DynamoClient: dynamoClient, TableName: c.DynamoDB.Table}); err != nil {
				return nil, nil, err
			}
		}

		ledger, err := store.NewDynamoDBSerialLedger(dynamoClient, c.DynamoDB.Table, c.Ledger.CAID)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("table", c.DynamoDB.Table).Str("ca_id", c.Ledger.CAID).Msg("Using DynamoDB serial ledger")
		return ledger, noop, nil

	default:
		ledger, err := store.NewFileSerialLedger(c.Ledger.SerialFile)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("path", c.Ledger.SerialFile).Msg("Using file serial ledger")
		return ledger, noop, nil
	}
}
