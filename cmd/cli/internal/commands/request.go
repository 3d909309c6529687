package commands

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/wolfeidau/csrsign/internal/issuer"
	"github.com/wolfeidau/csrsign/internal/policy"
	"gopkg.in/yaml.v3"
)

// RequestConfig is the YAML request file accepted by --config.
type RequestConfig struct {
	Name         string   `yaml:"name"`
	Role         string   `yaml:"role"`
	CommonName   string   `yaml:"commonName"`
	Organization []string `yaml:"organization"`
	SAN          []string `yaml:"san"`
	Days         int      `yaml:"days"`
}

type RequestCmd struct {
	ClientFlags `embed:""`
	StoreFlags  `embed:""`

	Name         string   `arg:"" optional:"" help:"Credential name, used for the <name>.key and <name>.crt files"`
	Role         string   `help:"Certificate role" enum:"client,server" default:"client"`
	CommonName   string   `help:"Subject common name (defaults to the credential name)"`
	Organization []string `help:"Subject organization"`
	SAN          []string `help:"Subject alternative names for server certificates (DNS:name or IP:addr)" name:"san"`
	Days         int      `help:"Requested validity in days (0 uses the server default)"`
	Force        bool     `help:"Replace an existing credential of the same name"`
	Config       string   `help:"YAML request file" type:"existingfile"`
}

func (r *RequestCmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	if r.Config != "" {
		if err := r.loadConfigFile(); err != nil {
			return fmt.Errorf("failed to load request file: %w", err)
		}
	}

	if r.Name == "" {
		return fmt.Errorf("name is required (use the argument or --config file)")
	}

	role, err := policy.ParseRole(r.Role)
	if err != nil {
		return err
	}

	san := strings.Join(r.SAN, ",")
	if role == policy.RoleClient && san != "" {
		return fmt.Errorf("subject alternative names are only supported for server certificates")
	}
	// Fail before generating a key when the SAN list would be rejected anyway
	if _, err := policy.ParseSANList(san); err != nil {
		return err
	}

	c, err := r.newClient(globals)
	if err != nil {
		return err
	}

	store, err := r.openStore()
	if err != nil {
		return err
	}

	_, key, err := store.Create(r.Name, r.Force)
	if err != nil {
		return fmt.Errorf("failed to create key %q: %w", r.Name, err)
	}

	csrPEM, err := r.createCSR(key)
	if err != nil {
		return err
	}

	var bundle *issuer.Bundle
	switch role {
	case policy.RoleServer:
		bundle, err = c.SignServerCSR(ctx, csrPEM, san, r.Days)
	default:
		bundle, err = c.SignClientCSR(ctx, csrPEM, r.Days)
	}
	if err != nil {
		// the key was generated for this request only
		if derr := store.Delete(r.Name); derr != nil {
			log.Warn().Err(derr).Str("name", r.Name).Msg("failed to remove unused key")
		}
		return fmt.Errorf("failed to sign certificate request: %w", err)
	}

	cred, err := store.SaveBundle(r.Name, role.String(), bundle)
	if err != nil {
		return err
	}

	fmt.Printf("Issued %s certificate %s (serial %s, expires %s)\n",
		cred.Role, cred.Name, cred.Serial, cred.NotAfter.Format("2006-01-02"))
	fmt.Printf("  key:  %s\n", store.KeyPath(cred.Name))
	fmt.Printf("  cert: %s\n", store.CertPath(cred.Name))
	fmt.Printf("  ca:   %s\n", store.CAPath())

	return nil
}

func (r *RequestCmd) createCSR(key any) ([]byte, error) {
	commonName := r.CommonName
	if commonName == "" {
		commonName = r.Name
	}

	template := &x509.CertificateRequest{
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: r.Organization,
		},
	}

	der, err := x509.CreateCertificateRequest(rand.Reader, template, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create certificate request: %w", err)
	}

	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}), nil
}

// loadConfigFile applies values from the request file over the flags.
func (r *RequestCmd) loadConfigFile() error {
	data, err := os.ReadFile(r.Config)
	if err != nil {
		return fmt.Errorf("failed to read request file: %w", err)
	}

	var config RequestConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return fmt.Errorf("failed to parse YAML request: %w", err)
	}

	if config.Name != "" {
		r.Name = config.Name
	}
	if config.Role != "" {
		r.Role = config.Role
	}
	if config.CommonName != "" {
		r.CommonName = config.CommonName
	}
	if len(config.Organization) > 0 {
		r.Organization = config.Organization
	}
	if len(config.SAN) > 0 {
		r.SAN = config.SAN
	}
	if config.Days != 0 {
		r.Days = config.Days
	}

	return nil
}
