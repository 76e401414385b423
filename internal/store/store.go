// Package store provides the pluggable challenge persistence layer. All
// backends serialize records as JSON and honor the record TTL; a missed or
// expired lookup returns (nil, nil) so callers can map it to a single
// "expired" failure without caring which backend answered.
package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentauth/backend/internal/core"
)

// ChallengeStore is the persistence contract the engine depends on.
// Implementations must be safe for concurrent use.
type ChallengeStore interface {
	// Set stores a record under its challenge id with the given TTL in
	// seconds. Overwrites any existing record.
	Set(ctx context.Context, id string, record *core.ChallengeRecord, ttlSeconds int) error

	// Get returns the record, or (nil, nil) when the id is unknown or the
	// record has expired.
	Get(ctx context.Context, id string) (*core.ChallengeRecord, error)

	// Delete removes the record. Deleting a missing id is not an error.
	Delete(ctx context.Context, id string) error
}

func marshalRecord(record *core.ChallengeRecord) ([]byte, error) {
	data, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal challenge record: %w", err)
	}
	return data, nil
}

func unmarshalRecord(data []byte) (*core.ChallengeRecord, error) {
	var record core.ChallengeRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("unmarshal challenge record: %w", err)
	}
	return &record, nil
}
