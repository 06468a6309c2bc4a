package blobdvm

import (
	"fmt"
	"time"
)

// Event kinds used by the blob storage protocol. Requests, responses and
// status notices live in the ephemeral range so relays forward them without
// retaining; the announcement is parameterized-replaceable and addressable
// by (kind, pubkey, d-tag).
const (
	KindAnnouncement = 31999
	KindRequest      = 24210
	KindResponse     = 24211
	KindChunk        = 24212
	KindStatus       = 21999
)

const (
	// ServiceID is the d-tag under which servers announce themselves.
	ServiceID = "blob-storage-v1"

	// ChunkSize is the canonical split size. Changing it changes content
	// addresses, so it is a constant, not a knob.
	ChunkSize = 32768

	MaxFileSize      = 10 * 1024 * 1024
	DefaultRetention = 24 * time.Hour
)

// Error codes carried on the wire in the error_code tag of status events and
// returned locally from client operations.
const (
	CodeFileTooLarge     = "FILE_TOO_LARGE"
	CodeInvalidHash      = "INVALID_HASH"
	CodeFileNotFound     = "FILE_NOT_FOUND"
	CodeChunkMissing     = "CHUNK_MISSING"
	CodeIntegrityFailed  = "INTEGRITY_FAILED"
	CodeStorageFull      = "STORAGE_FULL"
	CodeResponseTimeout  = "RESPONSE_TIMEOUT"
	CodeMalformedRequest = "MALFORMED_REQUEST"
	CodeInternalError    = "INTERNAL_ERROR"
)

// ProtocolError is a failure with a wire-level error code attached.
type ProtocolError struct {
	Code    string
	Message string
}

func (e *ProtocolError) Error() string {
	return e.Code + ": " + e.Message
}

func protocolErrorf(code string, format string, args ...any) *ProtocolError {
	return &ProtocolError{Code: code, Message: fmt.Sprintf(format, args...)}
}
