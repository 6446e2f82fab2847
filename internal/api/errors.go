package api

import (
	"context"
	"errors"
	"io/fs"

	"github.com/deptportal/msgcore/internal/chat"
	"github.com/deptportal/msgcore/internal/directory"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// toStatus maps domain errors onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeOf(err), err.Error())
}

func codeOf(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, directory.ErrSuperseded):
		return codes.Aborted
	case errors.Is(err, chat.ErrNotOwner):
		return codes.PermissionDenied
	case errors.Is(err, chat.ErrAuth):
		return codes.Unauthenticated
	case errors.Is(err, chat.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return codes.NotFound
	case errors.Is(err, chat.ErrAttachmentLimitExceeded), chat.IsValidation(err):
		return codes.InvalidArgument
	case errors.Is(err, chat.ErrNetwork):
		return codes.Unavailable
	}
	return codes.Internal
}
