package ssmcerts

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
)

// SSMAPI is the subset of the SSM client used to load PEM material.
type SSMAPI interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

// Certificates holds the listener certificate and key in memory
type Certificates struct {
	ServerCert []byte
	ServerKey  []byte
}

// Config for loading the listener certificate
type Config struct {
	// File paths (for local development)
	ServerCertPath string
	ServerKeyPath  string

	// SSM paths (for production)
	ServerCertSSM string
	ServerKeySSM  string
}

// Enabled reports whether any certificate source is configured.
func (c Config) Enabled() bool {
	return c.ServerCertPath != "" || c.ServerKeyPath != "" || c.ServerCertSSM != "" || c.ServerKeySSM != ""
}

// Validate checks that exactly one source is set for both the certificate and the key.
func (c Config) Validate() error {
	if (c.ServerCertPath == "") == (c.ServerCertSSM == "") {
		return fmt.Errorf("exactly one of TLS certificate path or SSM parameter is required")
	}
	if (c.ServerKeyPath == "") == (c.ServerKeySSM == "") {
		return fmt.Errorf("exactly one of TLS key path or SSM parameter is required")
	}
	return nil
}

// Load loads the listener certificate from files or SSM. A nil client is
// created from the default AWS configuration when SSM is used.
func Load(ctx context.Context, cfg Config, client SSMAPI) (*Certificates, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if client == nil && (cfg.ServerCertSSM != "" || cfg.ServerKeySSM != "") {
		awsConfig, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to load AWS config: %w", err)
		}
		client = ssm.NewFromConfig(awsConfig)
	}

	certs := &Certificates{}

	serverCert, err := LoadMaterial(ctx, client, cfg.ServerCertPath, cfg.ServerCertSSM)
	if err != nil {
		return nil, fmt.Errorf("failed to load server cert: %w", err)
	}
	certs.ServerCert = serverCert

	serverKey, err := LoadMaterial(ctx, client, cfg.ServerKeyPath, cfg.ServerKeySSM)
	if err != nil {
		return nil, fmt.Errorf("failed to load server key: %w", err)
	}
	certs.ServerKey = serverKey

	return certs, nil
}

// LoadMaterial reads PEM material from the SSM parameter when one is named,
// otherwise from path.
func LoadMaterial(ctx context.Context, client SSMAPI, path, parameter string) ([]byte, error) {
	if parameter != "" {
		if client == nil {
			return nil, fmt.Errorf("no SSM client for parameter %s", parameter)
		}
		value, err := getParameter(ctx, client, parameter)
		if err != nil {
			return nil, err
		}
		return []byte(value), nil
	}

	return os.ReadFile(path)
}

// getParameter fetches a parameter from SSM
func getParameter(ctx context.Context, client SSMAPI, name string) (string, error) {
	output, err := client.GetParameter(ctx, &ssm.GetParameterInput{
		Name:           aws.String(name),
		WithDecryption: aws.Bool(true),
	})
	if err != nil {
		return "", err
	}
	if output.Parameter == nil || output.Parameter.Value == nil {
		return "", fmt.Errorf("parameter %s has no value", name)
	}
	return *output.Parameter.Value, nil
}

// TLSConfig creates a tls.Config serving the loaded certificate
func (c *Certificates) TLSConfig() (*tls.Config, error) {
	serverCert, err := tls.X509KeyPair(c.ServerCert, c.ServerKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse server certificate: %w", err)
	}

	return &tls.Config{
		Certificates: []tls.Certificate{serverCert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}
