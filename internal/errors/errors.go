package errors

import "errors"

// Auth errors.
var (
	// ErrAuthRejected indicates a server returned 401 after the prefix
	// fallback was exhausted. The operation should give up on that
	// server, not retry.
	ErrAuthRejected = errors.New("authorization rejected by server")

	// ErrSignerUnavailable indicates the external signer declined to
	// sign without interactive confirmation.
	ErrSignerUnavailable = errors.New("signer requires interactive confirmation")
)

// Server/transport errors.
var (
	// ErrServerFailed indicates a non-401 non-2xx response. Data must
	// never be trashed based on this alone for a single server.
	ErrServerFailed = errors.New("server request failed")

	// ErrProtocolMismatch indicates an unexpected response shape.
	// Callers treat the result as empty, not as a crash.
	ErrProtocolMismatch = errors.New("unexpected response shape")
)

// Data errors.
var (
	// ErrDataIntegrity indicates the server-reported hash does not match
	// the locally computed hash. The upload result is discarded; the
	// original bytes are never assumed corrupted.
	ErrDataIntegrity = errors.New("content hash mismatch")
)
