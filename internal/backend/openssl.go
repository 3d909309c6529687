package backend

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	consolestream "github.com/wolfeidau/console-stream"

	"github.com/wolfeidau/csrsign/internal/artifact"
	"github.com/wolfeidau/csrsign/internal/pki"
	"github.com/wolfeidau/csrsign/internal/store"
)

// DefaultOpenSSLBinary is looked up on PATH.
const DefaultOpenSSLBinary = "openssl"

// OpenSSL signs by running "openssl x509 -req". Every value is passed as a
// separate argument; no shell is involved, and the request-controlled data
// only ever reaches openssl as file contents.
type OpenSSL struct {
	binary   string
	certPath string
	keyPath  string
	ledger   store.SerialLedger
}

// NewOpenSSL creates an openssl backend. The CA certificate and key must
// have been loaded from files, as openssl reads them itself.
func NewOpenSSL(authority *pki.Authority, ledger store.SerialLedger, binary string) (*OpenSSL, error) {
	certPath, keyPath, ok := authority.Files()
	if !ok {
		return nil, fmt.Errorf("openssl backend requires the CA certificate and key as files")
	}

	if binary == "" {
		binary = DefaultOpenSSLBinary
	}
	resolved, err := exec.LookPath(binary)
	if err != nil {
		return nil, fmt.Errorf("openssl binary not found: %w", err)
	}

	return &OpenSSL{
		binary:   resolved,
		certPath: certPath,
		keyPath:  keyPath,
		ledger:   ledger,
	}, nil
}

// Name returns the backend name.
func (o *OpenSSL) Name() string {
	return "openssl"
}

// Args returns the argument vector for signing req with serial.
func (o *OpenSSL) Args(req *artifact.Request, serial string, days int) []string {
	return []string{
		"x509", "-req",
		"-in", req.CSRPath,
		"-CA", o.certPath,
		"-CAkey", o.keyPath,
		"-set_serial", serial,
		"-days", strconv.Itoa(days),
		"-sha256",
		"-extfile", req.ExtPath,
		"-out", req.OutPath,
	}
}

// Sign runs openssl for req. A non-zero exit is a signing failure carrying
// openssl's output as details.
func (o *OpenSSL) Sign(ctx context.Context, req *artifact.Request) error {
	r := scrubber(req, o.certPath, o.keyPath)

	days, err := validityDays(req)
	if err != nil {
		return failed(ctx, err.Error(), nil)
	}

	serial, err := o.ledger.Next(ctx)
	if err != nil {
		return failed(ctx, "serial allocation failed", err)
	}

	// -set_serial takes decimal or 0x prefixed hex
	process := consolestream.NewProcess(o.binary, o.Args(req, "0x"+strings.ToUpper(serial.Text(16)), days),
		consolestream.WithPipeMode(),
		consolestream.WithFlushInterval(50*time.Millisecond),
		consolestream.WithEnvMap(map[string]string{
			"OPENSSL_CONF": os.DevNull, // ignore system config, the extension file is the only directive input
			"LC_ALL":       "C",
		}),
	)

	var (
		output   bytes.Buffer
		exitCode = -1
		runErr   error
	)
	for event, err := range process.ExecuteAndStream(ctx) {
		if err != nil {
			runErr = err
			break
		}

		switch e := event.Event.(type) {
		case *consolestream.OutputData:
			if output.Len() < maxDetailsLen {
				output.Write(e.Data)
			}
		case *consolestream.ProcessEnd:
			exitCode = e.ExitCode
		}
	}

	details := scrub(r, output.String())

	if runErr != nil {
		return failed(ctx, details, fmt.Errorf("openssl did not complete: %w", runErr))
	}
	if exitCode != 0 {
		log.Debug().Str("request_id", req.ID).Int("exit_code", exitCode).Str("output", details).Msg("openssl signing failed")
		if details == "" {
			details = fmt.Sprintf("openssl exited with code %d", exitCode)
		}
		return failed(ctx, details, nil)
	}

	return nil
}
