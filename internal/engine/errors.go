// Package engine defines the shared error taxonomy for the reservation
// admission-control engine. Admission failures are typed sentinels so that
// callers can map them to rejection reasons without string matching.
package engine

import "errors"

// ErrNotSubscribed indicates the requester's subscriptions do not cover
// the device's group.
var ErrNotSubscribed = errors.New("engine: not subscribed to device group")

// ErrGroupLocked indicates the group is locked against new admissions.
var ErrGroupLocked = errors.New("engine: group locked")

// ErrQuotaExceeded indicates the debit would exceed the allocated quota.
var ErrQuotaExceeded = errors.New("engine: quota exceeded")

// ErrRepetitionsExhausted indicates no renewals remain for the group.
var ErrRepetitionsExhausted = errors.New("engine: repetitions exhausted")

// ErrReservationNotFound indicates an unknown reservation identifier.
var ErrReservationNotFound = errors.New("engine: reservation not found")

// ErrGroupNotFound indicates an unknown group identifier.
var ErrGroupNotFound = errors.New("engine: group not found")

// ErrDeviceNotFound indicates an unknown device serial.
var ErrDeviceNotFound = errors.New("engine: device not found")

// ErrStoreTimeout indicates a store operation could not complete atomically
// within its time budget. Retryable; never a grant or a denial.
var ErrStoreTimeout = errors.New("engine: store operation timed out")

// Retryable reports whether the error is a transient store failure that the
// caller may retry with backoff.
func Retryable(err error) bool {
	return errors.Is(err, ErrStoreTimeout)
}

// RejectReason maps an admission error to the rejection reason recorded on
// the reservation. Unknown errors return an empty string.
func RejectReason(err error) string {
	switch {
	case errors.Is(err, ErrNotSubscribed):
		return "NotSubscribed"
	case errors.Is(err, ErrGroupLocked):
		return "GroupLocked"
	case errors.Is(err, ErrQuotaExceeded):
		return "QuotaExceeded"
	case errors.Is(err, ErrRepetitionsExhausted):
		return "RepetitionsExhausted"
	default:
		return ""
	}
}
