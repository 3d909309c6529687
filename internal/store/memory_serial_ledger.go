package store

import (
	"context"
	"math/big"
	"sync"
)

// MemorySerialLedger is an in-memory implementation of SerialLedger for development and testing.
// Serials restart from a fresh random seed every time the process starts.
type MemorySerialLedger struct {
	mu   sync.Mutex
	last *big.Int
}

// NewMemorySerialLedger creates a ledger whose first serial is start+1.
// A nil start picks a random seed.
func NewMemorySerialLedger(start *big.Int) (*MemorySerialLedger, error) {
	if start == nil {
		seed, err := RandomSeed()
		if err != nil {
			return nil, err
		}
		start = seed
	}

	return &MemorySerialLedger{last: new(big.Int).Set(start)}, nil
}

// Next returns the next serial
func (l *MemorySerialLedger) Next(ctx context.Context) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	next := new(big.Int).Add(l.last, big.NewInt(1))
	if err := CheckSerial(next); err != nil {
		return nil, err
	}
	l.last = next

	// Return a copy to avoid external modifications
	return new(big.Int).Set(next), nil
}
