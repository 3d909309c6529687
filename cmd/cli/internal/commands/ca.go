package commands

import (
	"context"
	"fmt"
	"os"

	"github.com/wolfeidau/csrsign/internal/pki"
)

type CACmd struct {
	ClientFlags `embed:""`

	Output string `help:"Write the root CA to this file instead of stdout" short:"o"`
}

func (c *CACmd) Run(ctx context.Context, globals *Globals) error {
	setupLogging(globals)

	cl, err := c.newClient(globals)
	if err != nil {
		return err
	}

	rootPEM, err := cl.RootCA(ctx)
	if err != nil {
		return fmt.Errorf("failed to fetch root CA: %w", err)
	}

	cert, err := pki.ParseCertificatePEM(rootPEM)
	if err != nil {
		return fmt.Errorf("server returned an invalid root CA: %w", err)
	}

	if c.Output == "" {
		_, err = os.Stdout.Write(rootPEM)
		return err
	}

	// #nosec G306 - certificates are public material
	if err := os.WriteFile(c.Output, rootPEM, 0644); err != nil {
		return fmt.Errorf("failed to write root CA: %w", err)
	}

	fmt.Fprintf(os.Stderr, "Wrote %s (%s, fingerprint %s)\n", c.Output, cert.Subject.CommonName, pki.Fingerprint(cert.Raw))

	return nil
}
