package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"
)

// FileSerialLedger persists the last issued serial as upper-case hex in a
// single file, the format openssl uses for its ".srl" files, so an existing
// serial file can be carried over.
//
// Updates are written to a temporary file and renamed into place. The ledger
// is synchronised within the process only; one server process owns the file.
type FileSerialLedger struct {
	mu   sync.Mutex
	path string
}

// NewFileSerialLedger creates a ledger backed by path. A missing file is
// created on the first call to Next with a random starting serial.
func NewFileSerialLedger(path string) (*FileSerialLedger, error) {
	if path == "" {
		return nil, fmt.Errorf("serial file path is required")
	}

	if _, err := readSerialFile(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}

	return &FileSerialLedger{path: path}, nil
}

// Next reads the last serial, increments it and persists the new value
// before returning it.
func (l *FileSerialLedger) Next(ctx context.Context) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	last, err := readSerialFile(l.path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		last, err = RandomSeed()
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", l.path).Msg("Serial file not found, starting from random serial")
	case err != nil:
		return nil, err
	}

	next := new(big.Int).Add(last, big.NewInt(1))
	if err := CheckSerial(next); err != nil {
		return nil, err
	}

	if err := writeSerialFile(l.path, next); err != nil {
		return nil, err
	}

	return next, nil
}

func readSerialFile(path string) (*big.Int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	text := strings.TrimSpace(string(data))
	serial, ok := new(big.Int).SetString(text, 16)
	if !ok || text == "" || strings.HasPrefix(text, "-") || strings.HasPrefix(text, "+") {
		return nil, fmt.Errorf("%w: %s does not contain a hex serial", ErrLedgerCorrupt, path)
	}
	if err := CheckSerial(serial); err != nil {
		return nil, err
	}

	return serial, nil
}

func writeSerialFile(path string, serial *big.Int) error {
	text := strings.ToUpper(serial.Text(16))
	if len(text)%2 == 1 {
		text = "0" + text
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create serial temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after a successful rename

	if _, err := tmp.WriteString(text + "\n"); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write serial file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync serial file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close serial file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace serial file: %w", err)
	}

	return nil
}
