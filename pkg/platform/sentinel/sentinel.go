package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Stores return these (optionally
// wrapped) so services can translate them into domain errors.
//
// These represent factual states about stored records, not validation
// failures:
// - ErrNotFound: session does not exist in the store
// - ErrConflict: session id already taken at create
// - ErrVersionConflict: compare-and-swap lost to a concurrent writer
// - ErrUnavailable: durable storage temporarily unreachable
//
// For validation errors (bad input, limit checks), use pkg/domain-errors
// directly.
var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrVersionConflict = errors.New("version conflict")
	ErrUnavailable     = errors.New("unavailable")
)
