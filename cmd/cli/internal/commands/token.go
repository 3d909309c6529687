package commands

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/wolfeidau/csrsign/internal/auth"
)

type TokenCmd struct {
	Subject    string        `help:"Subject identifier" required:""`
	Roles      []string      `help:"Roles granted to the token (admin, device, service)" default:"device"`
	TTL        time.Duration `help:"Token lifetime" default:"1h"`
	SigningKey string        `help:"PEM encoded ECDSA JWT signing key" xor:"key" env:"JWT_SIGNING_KEY"`
	KeyFile    string        `help:"File holding the JWT signing key" xor:"key" type:"existingfile"`
}

func (t *TokenCmd) Run(ctx context.Context) error {
	signingKey := t.SigningKey
	if t.KeyFile != "" {
		data, err := os.ReadFile(t.KeyFile)
		if err != nil {
			return fmt.Errorf("failed to read signing key: %w", err)
		}
		signingKey = string(data)
	}
	if signingKey == "" {
		return fmt.Errorf("a signing key is required (use --signing-key, --key-file or JWT_SIGNING_KEY)")
	}

	token, err := auth.IssueToken(signingKey, t.Subject, t.Roles, t.TTL)
	if err != nil {
		return err
	}

	fmt.Println(token)
	return nil
}
