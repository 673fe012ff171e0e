package errors

// Error codes for standardized error responses.
const (
	// Validation errors
	ErrCodeInvalidRequest   = "invalid_request"
	ErrCodeValidationFailed = "validation_failed"
	ErrCodeMissingField     = "missing_field"

	// Resource errors
	ErrCodeNotFound      = "not_found"
	ErrCodeAlreadyExists = "already_exists"
	ErrCodeConflict      = "conflict"

	// Queue errors
	ErrCodeEnqueueFailed  = "enqueue_failed"
	ErrCodeDequeueFailed  = "dequeue_failed"
	ErrCodeStillSearching = "still_searching"

	// Reservation errors
	ErrCodeReservationNotFound = "reservation_not_found"
	ErrCodeInvalidToken        = "invalid_token"
	ErrCodeTokenMismatch       = "token_mismatch"
	ErrCodeAlreadyReserved     = "already_reserved"

	// Match errors
	ErrCodeMatchNotFound     = "match_not_found"
	ErrCodeMatchAlreadyEnded = "match_already_ended"
	ErrCodeNotParticipant    = "not_participant"
	ErrCodeSubmitFailed      = "submit_failed"
	ErrCodeUnsupportedLang   = "unsupported_language"
	ErrCodeJudgeUnavailable  = "judge_unavailable"

	// Bot fleet errors
	ErrCodeBotNotFound    = "bot_not_found"
	ErrCodeDeployFailed   = "deploy_failed"
	ErrCodeRetireFailed   = "retire_failed"
	ErrCodeFleetExhausted = "fleet_exhausted"

	// WebSocket errors
	ErrCodeInvalidPayload     = "invalid_payload"
	ErrCodeUnknownMessageType = "unknown_message_type"
	ErrCodeConnectionError    = "connection_error"

	// Server errors
	ErrCodeInternalError      = "internal_error"
	ErrCodeServiceUnavailable = "service_unavailable"
	ErrCodeUpstreamError      = "upstream_error"
)
