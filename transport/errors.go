// Package transport provides the gRPC server and client wrapping the
// scheduler, analogous to the syscall boundary between an executor
// process and the scheduling core: all domain error kinds are mapped
// to stable gRPC status codes here so that client retry logic can key
// off codes rather than parsing message text.
package transport

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/pydpiper-project/pydpiper-core/scheduler"
)

// toStatus maps a scheduler domain error to a gRPC status error.
// Unrecognized errors become Internal.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	switch e := err.(type) {
	case *scheduler.TransientStageError:
		return status.Error(codes.Unavailable, e.Error())
	case *scheduler.PermanentStageError:
		return status.Error(codes.FailedPrecondition, e.Error())
	case *scheduler.DependencyFailedError:
		return status.Error(codes.FailedPrecondition, e.Error())
	case *scheduler.ExecutorLostError:
		return status.Error(codes.Aborted, e.Error())
	case *scheduler.ResourceInfeasibleError:
		return status.Error(codes.ResourceExhausted, e.Error())
	case *scheduler.RegistrationFailureError:
		return status.Error(codes.InvalidArgument, e.Error())
	case *scheduler.LogWriteFailureError:
		return status.Error(codes.Internal, e.Error())
	case *scheduler.NotFoundError:
		return status.Error(codes.NotFound, e.Error())
	default:
		return status.Errorf(codes.Internal, "scheduler: %v", err)
	}
}

func invalidArgument(field string) error {
	return status.Errorf(codes.InvalidArgument, "%s is required", field)
}
