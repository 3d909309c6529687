package bootstrap

import (
	"context"
	"fmt"
)

// Bootstrap creates the infrastructure used by the DynamoDB serial ledger.
// If CleanResources is true, deletes existing resources first to ensure clean state
// If CleanResources is false, creates resources only if they don't exist (preserves data)
func Bootstrap(ctx context.Context, cfg Config) (*Resources, error) {
	if cfg.DynamoClient == nil {
		return nil, fmt.Errorf("DynamoClient is required")
	}
	if cfg.TableName == "" {
		return nil, fmt.Errorf("TableName is required")
	}

	if err := CreateSerialLedgerTable(ctx, cfg.DynamoClient, cfg.TableName, cfg.CleanResources); err != nil {
		return nil, fmt.Errorf("failed to create DynamoDB table: %w", err)
	}

	return &Resources{TableName: cfg.TableName}, nil
}

// Cleanup deletes all resources created by Bootstrap
func Cleanup(ctx context.Context, cfg Config, res *Resources) error {
	if err := deleteTableIfExists(ctx, cfg.DynamoClient, res.TableName); err != nil {
		return fmt.Errorf("failed to delete table: %w", err)
	}

	return nil
}
