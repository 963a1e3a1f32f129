package domain

import "errors"

var (
	ErrSendingReplyFailed = errors.New("failed to send reply")

	ErrInvalidArgument  = errors.New("invalid argument")
	ErrNotFound         = errors.New("task not found")
	ErrNotReady         = errors.New("task not finished yet")
	ErrTaskFailed       = errors.New("task failed")
	ErrTaskCancelled    = errors.New("task cancelled")
	ErrTaskFinished     = errors.New("task already finished")
	ErrDecode           = errors.New("image could not be decoded")
	ErrDiverged         = errors.New("optimization diverged")
	ErrQueueUnavailable = errors.New("task queue unavailable")
	ErrWeightsMissing   = errors.New("model weights unavailable")
)

// Failure reasons stored on tasks. They are safe to show to API clients.
const (
	ReasonDecode      = "decode error: input is not a valid JPEG or PNG image"
	ReasonDiverged    = "computation diverged"
	ReasonInterrupted = "interrupted"
	ReasonInternal    = "internal error"
	ReasonCancelled   = "cancelled by request"
	ReasonTimeout     = "timed out"
	ReasonQueue       = "could not be queued"
)

// FailureReason maps a computation error to the reason recorded on the task.
func FailureReason(err error) string {
	switch {
	case errors.Is(err, ErrDecode):
		return ReasonDecode
	case errors.Is(err, ErrDiverged):
		return ReasonDiverged
	default:
		return ReasonInternal
	}
}

// UserFailureText is what chat users see for any task that did not succeed.
const UserFailureText = "Sorry, the style transfer could not be completed. Please try again with other images."
