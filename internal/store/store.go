package store

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
)

// Sentinel errors for common error conditions
var (
	ErrLedgerCorrupt  = errors.New("serial ledger state is corrupt")
	ErrSerialOverflow = errors.New("serial number exceeds 20 octets")
	ErrThrottled      = errors.New("AWS request throttled")
)

// maxSerial is the largest serial permitted by RFC 5280 (20 octets, positive).
var maxSerial = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 159), big.NewInt(1))

// SerialLedger allocates certificate serial numbers for a single CA.
//
// Next must never return the same value twice for the lifetime of the CA,
// including across process restarts for the persistent implementations, and
// must be safe for concurrent use.
type SerialLedger interface {
	Next(ctx context.Context) (*big.Int, error)
}

// RandomSeed returns a positive 63 bit value used to seed a new ledger, in the
// same way openssl picks a random starting serial for a fresh CA.
func RandomSeed() (*big.Int, error) {
	seed, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 63))
	if err != nil {
		return nil, fmt.Errorf("failed to generate serial seed: %w", err)
	}
	return seed.Add(seed, big.NewInt(1)), nil
}

// CheckSerial verifies a serial is within the RFC 5280 bounds.
func CheckSerial(serial *big.Int) error {
	if serial.Sign() <= 0 {
		return fmt.Errorf("%w: serial must be positive", ErrLedgerCorrupt)
	}
	if serial.Cmp(maxSerial) > 0 {
		return ErrSerialOverflow
	}
	return nil
}
