// Package outbound defines the outbound port interfaces behind which
// storage and backend-process adapters live.
package outbound

import (
	"context"

	"github.com/toolgate/toolgate/internal/domain/audit"
	"github.com/toolgate/toolgate/internal/domain/metering"
)

// Storage is the persistence port shared by the audit log and the usage
// meter. One adapter (sqlite or memory) backs both concerns so a single
// datastore carries the full gateway history.
type Storage interface {
	audit.Store
	metering.Store

	// Init creates or migrates the underlying schema. Idempotent.
	Init(ctx context.Context) error

	// Close releases the datastore. No writes may follow.
	Close() error
}
