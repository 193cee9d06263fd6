// Package destination copies finished backup artifacts to their
// configured targets. Handlers read the source artifact and never modify
// it; a failed copy leaves the artifact available for the remaining
// destinations.
package destination

import (
	"context"
	"fmt"

	"github.com/heijmerikx/stashd-sub001/internal/backup"
	"github.com/heijmerikx/stashd-sub001/internal/credentials"
	"github.com/heijmerikx/stashd-sub001/internal/db"
)

// Copier copies an artifact file to one destination.
type Copier interface {
	Copy(ctx context.Context, srcPath string, dest *db.Destination) (*backup.CopyResult, error)
}

// Router dispatches copies to the handler for the destination's type.
type Router struct {
	local *Local
	s3    *S3
}

// NewRouter wires the built-in handlers.
func NewRouter(resolver *credentials.Resolver) *Router {
	return &Router{
		local: &Local{},
		s3:    &S3{resolver: resolver},
	}
}

func (r *Router) Copy(ctx context.Context, srcPath string, dest *db.Destination) (*backup.CopyResult, error) {
	switch dest.Type {
	case db.DestinationTypeLocal:
		return r.local.Copy(ctx, srcPath, dest)
	case db.DestinationTypeS3:
		return r.s3.Copy(ctx, srcPath, dest)
	default:
		return nil, &backup.Error{
			Kind:    backup.KindDestination,
			Message: fmt.Sprintf("unsupported destination type %q", dest.Type),
		}
	}
}

// destinationFailure mirrors sourceFailure: the copy log ends with the
// failure line, and the error carries it.
func destinationFailure(rlog *backup.Log, message string, cause error) error {
	if cause != nil {
		rlog.Add("%s: %v", message, cause)
	} else {
		rlog.Add("%s", message)
	}
	return &backup.Error{
		Kind:         backup.KindDestination,
		Message:      message,
		ExecutionLog: rlog.String(),
		Cause:        cause,
	}
}

func stringField(cfg map[string]any, key string) string {
	if v, ok := cfg[key].(string); ok {
		return v
	}
	return ""
}
