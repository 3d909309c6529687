package ssmcerts

import (
	"context"
	"crypto/tls"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/aws-sdk-go-v2/service/ssm/types"
	"github.com/stretchr/testify/require"

	"github.com/wolfeidau/csrsign/internal/pkitest"
)

type fakeSSM map[string]string

func (f fakeSSM) GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error) {
	value, ok := f[aws.ToString(params.Name)]
	if !ok {
		return nil, &types.ParameterNotFound{Message: aws.String("not found")}
	}
	if !aws.ToBool(params.WithDecryption) {
		return nil, errors.New("expected decryption")
	}
	return &ssm.GetParameterOutput{Parameter: &types.Parameter{Value: aws.String(value)}}, nil
}

func TestLoad(t *testing.T) {
	ctx := context.Background()
	ca := pkitest.NewCA(t)

	t.Run("files", func(t *testing.T) {
		certPath, keyPath := ca.WriteFiles(t, t.TempDir())

		certs, err := Load(ctx, Config{ServerCertPath: certPath, ServerKeyPath: keyPath}, nil)
		require.NoError(t, err)
		require.Equal(t, ca.CertPEM, certs.ServerCert)

		tlsCfg, err := certs.TLSConfig()
		require.NoError(t, err)
		require.Len(t, tlsCfg.Certificates, 1)
		require.Equal(t, uint16(tls.VersionTLS12), tlsCfg.MinVersion)
	})

	t.Run("ssm", func(t *testing.T) {
		params := fakeSSM{
			"/csrsign/tls/cert": string(ca.CertPEM),
			"/csrsign/tls/key":  string(ca.KeyPEM),
		}

		certs, err := Load(ctx, Config{ServerCertSSM: "/csrsign/tls/cert", ServerKeySSM: "/csrsign/tls/key"}, params)
		require.NoError(t, err)
		require.Equal(t, ca.KeyPEM, certs.ServerKey)
	})

	t.Run("missing parameter", func(t *testing.T) {
		_, err := Load(ctx, Config{ServerCertSSM: "/missing", ServerKeySSM: "/missing"}, fakeSSM{})
		var notFound *types.ParameterNotFound
		require.ErrorAs(t, err, &notFound)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := Load(ctx, Config{ServerCertPath: "/nonexistent/tls.crt", ServerKeyPath: "/nonexistent/tls.key"}, nil)
		require.Error(t, err)
	})

	t.Run("mismatched key", func(t *testing.T) {
		other := pkitest.NewCA(t)
		certs := &Certificates{ServerCert: ca.CertPEM, ServerKey: other.KeyPEM}
		_, err := certs.TLSConfig()
		require.Error(t, err)
	})
}

func TestConfig(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		enabled bool
		wantErr bool
	}{
		{name: "empty", cfg: Config{}, enabled: false, wantErr: true},
		{name: "files", cfg: Config{ServerCertPath: "a", ServerKeyPath: "b"}, enabled: true},
		{name: "ssm", cfg: Config{ServerCertSSM: "a", ServerKeySSM: "b"}, enabled: true},
		{name: "mixed", cfg: Config{ServerCertPath: "a", ServerKeySSM: "b"}, enabled: true},
		{name: "cert only", cfg: Config{ServerCertPath: "a"}, enabled: true, wantErr: true},
		{name: "both cert sources", cfg: Config{ServerCertPath: "a", ServerCertSSM: "a", ServerKeyPath: "b"}, enabled: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.enabled, tt.cfg.Enabled())
			err := tt.cfg.Validate()
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestLoadMaterialRequiresClient(t *testing.T) {
	_, err := LoadMaterial(context.Background(), nil, "", "/csrsign/ca/cert")
	require.Error(t, err)
}
