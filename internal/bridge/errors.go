package bridge

import (
	"context"
	"errors"

	"localmind/internal/engine"
	"localmind/internal/registry"
	"localmind/internal/supervisor"
	"localmind/internal/transfer"
	"localmind/pkg/types"
)

// Codes reported in types.Result.Code besides the transfer kinds.
const (
	CodeTooBusy               = "too_busy"
	CodeBusy                  = "busy"
	CodeUnknownMode           = "unknown_mode"
	CodeModelNotFound         = "model_not_found"
	CodeNoModelLoaded         = "no_model_loaded"
	CodeSchema                = "schema"
	CodeDependencyUnavailable = "dependency_unavailable"
	CodeStartupTimeout        = "startup_timeout"
	CodeCanceled              = "canceled"
	CodeError                 = "error"
)

// Code classifies err for callers that branch on failure class. Transfer
// failures report their kind, so an interrupted download ("incomplete") is
// distinct from a corrupt one ("hash_mismatch") or a network failure.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case transfer.KindOf(err) != transfer.KindUnknown:
		return transfer.KindOf(err).String()
	case IsTooBusy(err):
		return CodeTooBusy
	case engine.IsBusy(err):
		return CodeBusy
	case engine.IsUnknownMode(err):
		return CodeUnknownMode
	case registry.IsModelNotFound(err):
		return CodeModelNotFound
	case engine.IsNoModelLoaded(err):
		return CodeNoModelLoaded
	case engine.IsSchemaError(err):
		return CodeSchema
	case engine.IsDependencyUnavailable(err), supervisor.IsDependencyUnavailable(err):
		return CodeDependencyUnavailable
	case supervisor.IsStartupTimeout(err):
		return CodeStartupTimeout
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return CodeCanceled
	}
	return CodeError
}

func failure(err error) types.Result {
	return types.Result{Success: false, Error: err.Error(), Code: Code(err)}
}

func isResumable(err error) bool { return transfer.IsResumable(err) }
