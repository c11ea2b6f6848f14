package server

import (
	"context"
	"errors"

	"CdpLedger/internal/core"
	"CdpLedger/internal/ingestion"
	"CdpLedger/internal/query"
	"CdpLedger/internal/state"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps a service error to a gRPC status. Errors with no specific
// mapping get fallback: InvalidArgument for rejected commands, Internal
// for failed reads.
func toStatus(err error, fallback codes.Code) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeFor(err, fallback), err.Error())
}

func codeFor(err error, fallback codes.Code) codes.Code {
	switch {
	case errors.Is(err, state.ErrCdpNotFound):
		return codes.NotFound
	case errors.Is(err, state.ErrGracePeriodNotFinished):
		return codes.FailedPrecondition
	case errors.Is(err, core.ErrInvalidPrice):
		return codes.Unavailable
	case errors.Is(err, core.ErrSequenceGap),
		errors.Is(err, core.ErrOutOfOrder),
		errors.Is(err, core.ErrStalePrice):
		return codes.Aborted
	case errors.Is(err, ingestion.ErrMissingField),
		errors.Is(err, ingestion.ErrUnknownSubject),
		errors.Is(err, query.ErrInvalidInput):
		return codes.InvalidArgument
	case errors.Is(err, ingestion.ErrSequencerStopped),
		errors.Is(err, query.ErrNoReadModel):
		return codes.Unavailable
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	default:
		return fallback
	}
}
