package harvest

import "errors"

var (
	// ErrParseMismatch means expected structural anchors were absent.
	ErrParseMismatch = errors.New("parse mismatch")
	// ErrSolveTimeout means the solver produced no answer in time.
	ErrSolveTimeout = errors.New("challenge solve timeout")
	// ErrSolveRejected means the provider reported the challenge unsolvable.
	ErrSolveRejected = errors.New("challenge solve rejected")
	// ErrSolveUnavailable means no solving capability is configured.
	ErrSolveUnavailable = errors.New("challenge solver unavailable")
	// ErrPoolExhausted means no egress identity is usable.
	ErrPoolExhausted = errors.New("proxy pool exhausted")
	// ErrNoProvinces means the run has nothing to scan.
	ErrNoProvinces = errors.New("no provinces configured")
	// ErrBlocked means the target refused the request.
	ErrBlocked = errors.New("blocked by target")
	// ErrNetwork means navigation failed below the HTTP layer.
	ErrNetwork = errors.New("network error")
)
