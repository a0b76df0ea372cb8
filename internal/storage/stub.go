package storage

import (
	"context"

	"github.com/genropy/genro-wopi/internal/types"
	"github.com/genropy/genro-wopi/internal/types/interfaces"
)

// UnimplementedBackend backs any StorageProtocol this module recognizes in
// its data model (spec.md §3) but does not implement for real (gcs, azure,
// webdav — see SPEC_FULL.md §1). Resolving a node always fails with
// StorageFailure, so the capability contract stays honest instead of
// silently succeeding against a backend nothing actually talks to.
type UnimplementedBackend struct {
	Protocol types.StorageProtocol
}

func (b UnimplementedBackend) Node(_ context.Context, st *types.Storage, _ string) (interfaces.StorageNode, error) {
	return nil, types.NewError(types.ErrStorageFailure,
		"storage protocol %q is recognized but not implemented by this deployment", b.Protocol)
}
