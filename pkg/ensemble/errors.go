package ensemble

import "errors"

var (
    // ErrInvalidArgument marks configuration invariant violations. These are
    // never retried.
    ErrInvalidArgument = errors.New("ensemble: invalid argument")
    // ErrIOFailure marks filesystem failures while writing engine artifacts.
    ErrIOFailure = errors.New("ensemble: io failure")
)
