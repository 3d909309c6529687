package store

import (
	"context"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/stretchr/testify/require"
)

// collectSerials calls Next n times across goroutines and returns the distinct values seen.
func collectSerials(t *testing.T, ledger SerialLedger, n int) map[string]bool {
	t.Helper()

	var (
		mu   sync.Mutex
		seen = make(map[string]bool, n)
		wg   sync.WaitGroup
	)
	for range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serial, err := ledger.Next(context.Background())
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			seen[serial.String()] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	return seen
}

func TestMemorySerialLedger(t *testing.T) {
	t.Run("increments from start", func(t *testing.T) {
		ledger, err := NewMemorySerialLedger(big.NewInt(41))
		require.NoError(t, err)

		serial, err := ledger.Next(context.Background())
		require.NoError(t, err)
		require.Equal(t, int64(42), serial.Int64())

		serial.SetInt64(0)
		serial, err = ledger.Next(context.Background())
		require.NoError(t, err)
		require.Equal(t, int64(43), serial.Int64(), "returned values must not alias ledger state")
	})

	t.Run("random seed is positive", func(t *testing.T) {
		ledger, err := NewMemorySerialLedger(nil)
		require.NoError(t, err)

		serial, err := ledger.Next(context.Background())
		require.NoError(t, err)
		require.Positive(t, serial.Sign())
	})

	t.Run("concurrent allocations are unique", func(t *testing.T) {
		ledger, err := NewMemorySerialLedger(nil)
		require.NoError(t, err)
		require.Len(t, collectSerials(t, ledger, 100), 100)
	})

	t.Run("overflow", func(t *testing.T) {
		ledger, err := NewMemorySerialLedger(maxSerial)
		require.NoError(t, err)

		_, err = ledger.Next(context.Background())
		require.ErrorIs(t, err, ErrSerialOverflow)
	})

	t.Run("canceled context", func(t *testing.T) {
		ledger, err := NewMemorySerialLedger(nil)
		require.NoError(t, err)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err = ledger.Next(ctx)
		require.ErrorIs(t, err, context.Canceled)
	})
}

func TestFileSerialLedger(t *testing.T) {
	t.Run("continues an openssl serial file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ca.srl")
		require.NoError(t, os.WriteFile(path, []byte("0FFF\n"), 0o600))

		ledger, err := NewFileSerialLedger(path)
		require.NoError(t, err)

		serial, err := ledger.Next(context.Background())
		require.NoError(t, err)
		require.Equal(t, int64(0x1000), serial.Int64())

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		require.Equal(t, "1000\n", string(data))
	})

	t.Run("survives reopen", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "ca.srl")

		ledger, err := NewFileSerialLedger(path)
		require.NoError(t, err)
		first, err := ledger.Next(context.Background())
		require.NoError(t, err)

		reopened, err := NewFileSerialLedger(path)
		require.NoError(t, err)
		second, err := reopened.Next(context.Background())
		require.NoError(t, err)

		require.Equal(t, new(big.Int).Add(first, big.NewInt(1)), second)
	})

	t.Run("concurrent allocations are unique", func(t *testing.T) {
		ledger, err := NewFileSerialLedger(filepath.Join(t.TempDir(), "ca.srl"))
		require.NoError(t, err)
		require.Len(t, collectSerials(t, ledger, 50), 50)
	})

	t.Run("corrupt file", func(t *testing.T) {
		for name, content := range map[string]string{
			"not hex":  "zz\n",
			"empty":    "\n",
			"negative": "-01\n",
			"zero":     "00\n",
		} {
			t.Run(name, func(t *testing.T) {
				path := filepath.Join(t.TempDir(), "ca.srl")
				require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

				_, err := NewFileSerialLedger(path)
				require.ErrorIs(t, err, ErrLedgerCorrupt)
			})
		}
	})

	t.Run("no temp files left behind", func(t *testing.T) {
		dir := t.TempDir()
		ledger, err := NewFileSerialLedger(filepath.Join(dir, "ca.srl"))
		require.NoError(t, err)

		for range 5 {
			_, err := ledger.Next(context.Background())
			require.NoError(t, err)
		}

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
	})
}

type fakeDynamoDB struct {
	mu      sync.Mutex
	counter uint64
	err     error
	inputs  []*dynamodb.UpdateItemInput
}

func (f *fakeDynamoDB) UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.inputs = append(f.inputs, params)
	if f.err != nil {
		return nil, f.err
	}

	f.counter++
	attrs, err := attributevalue.MarshalMap(map[string]uint64{"last_serial": f.counter})
	if err != nil {
		return nil, err
	}
	return &dynamodb.UpdateItemOutput{Attributes: attrs}, nil
}

func TestDynamoDBSerialLedger(t *testing.T) {
	t.Run("atomic add update", func(t *testing.T) {
		fake := &fakeDynamoDB{}
		ledger, err := NewDynamoDBSerialLedger(fake, "serials", "root-ca")
		require.NoError(t, err)

		serial, err := ledger.Next(context.Background())
		require.NoError(t, err)
		require.Equal(t, int64(1), serial.Int64())

		require.Len(t, fake.inputs, 1)
		input := fake.inputs[0]
		require.Equal(t, "serials", *input.TableName)
		require.Equal(t, &types.AttributeValueMemberS{Value: "root-ca"}, input.Key["ca_id"])
		require.Contains(t, *input.UpdateExpression, "ADD")
		require.Equal(t, types.ReturnValueUpdatedNew, input.ReturnValues)
	})

	t.Run("concurrent allocations are unique", func(t *testing.T) {
		ledger, err := NewDynamoDBSerialLedger(&fakeDynamoDB{}, "serials", "root-ca")
		require.NoError(t, err)
		require.Len(t, collectSerials(t, ledger, 50), 50)
	})

	t.Run("throttling", func(t *testing.T) {
		fake := &fakeDynamoDB{err: &types.ProvisionedThroughputExceededException{Message: new(string)}}
		ledger, err := NewDynamoDBSerialLedger(fake, "serials", "root-ca")
		require.NoError(t, err)

		_, err = ledger.Next(context.Background())
		require.ErrorIs(t, err, ErrThrottled)
	})

	t.Run("other errors are wrapped", func(t *testing.T) {
		boom := errors.New("boom")
		ledger, err := NewDynamoDBSerialLedger(&fakeDynamoDB{err: boom}, "serials", "root-ca")
		require.NoError(t, err)

		_, err = ledger.Next(context.Background())
		require.ErrorIs(t, err, boom)
		require.NotErrorIs(t, err, ErrThrottled)
	})

	t.Run("requires table and CA id", func(t *testing.T) {
		_, err := NewDynamoDBSerialLedger(&fakeDynamoDB{}, "", "root-ca")
		require.Error(t, err)
		_, err = NewDynamoDBSerialLedger(&fakeDynamoDB{}, "serials", "")
		require.Error(t, err)
	})
}
