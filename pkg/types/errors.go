package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures across the dispatch plane. The kind
// decides retry behavior on the distributed path: transient kinds are
// retried with backoff, everything else terminates the job.
type ErrorKind string

const (
	ErrKindInvalidInput       ErrorKind = "invalid_input"
	ErrKindPartitionFull      ErrorKind = "partition_full"
	ErrKindNotFound           ErrorKind = "not_found"
	ErrKindDescribeTransient  ErrorKind = "describe_transient"
	ErrKindDescribePermanent  ErrorKind = "describe_permanent"
	ErrKindQueueUnavailable   ErrorKind = "queue_unavailable"
	ErrKindStorageUnavailable ErrorKind = "storage_unavailable"
	ErrKindStreamClosed       ErrorKind = "stream_closed"
)

// Sentinel errors for the shard store and queue plane.
var (
	ErrNotFound      = errors.New("key not found")
	ErrPartitionFull = errors.New("partition full")
	ErrStreamClosed  = errors.New("stream closed")
)

// KindError carries an ErrorKind alongside the underlying cause.
type KindError struct {
	Kind ErrorKind
	Err  error
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error {
	return e.Err
}

// NewKindError wraps err with a failure classification.
func NewKindError(kind ErrorKind, err error) *KindError {
	return &KindError{Kind: kind, Err: err}
}

// KindOf extracts the classification from err, defaulting to
// describe_permanent for unclassified failures so they are not retried
// blindly.
func KindOf(err error) ErrorKind {
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return ErrKindNotFound
	case errors.Is(err, ErrPartitionFull):
		return ErrKindPartitionFull
	case errors.Is(err, ErrStreamClosed):
		return ErrKindStreamClosed
	}
	return ErrKindDescribePermanent
}

// Retryable reports whether a failure of this kind should be retried
// with backoff on the distributed path.
func (k ErrorKind) Retryable() bool {
	return k == ErrKindDescribeTransient || k == ErrKindQueueUnavailable
}
