package remote

import (
	"context"

	"github.com/crmsync/batch-engine/internal/domain"
)

// Gateway is the outbound port to the remote CRM record store. Each call
// is attributable to exactly one record update status.
type Gateway interface {
	// FetchSnapshot returns the remote record's current field values.
	// A missing record yields a GatewayError with KindNotFound.
	FetchSnapshot(ctx context.Context, remoteID string) (map[string]any, error)
	// UpdateRecord writes the given field values to the remote record.
	UpdateRecord(ctx context.Context, remoteID string, fields map[string]any) error
}

// FailureTypeOf maps a gateway error onto the session failure taxonomy.
// Unclassified errors count as network failures.
func FailureTypeOf(err error) domain.FailureType {
	switch KindOf(err) {
	case KindRateLimit:
		return domain.FailureRateLimit
	case KindTimeout:
		return domain.FailureTimeout
	case KindAPIError, KindNotFound:
		return domain.FailureAPIError
	default:
		return domain.FailureNetwork
	}
}
