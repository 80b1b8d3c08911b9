package dto

// APIErrorResponse is the single error envelope every endpoint returns. Code
// values are stable machine-readable reasons (MALFORMED_CREDENTIAL,
// INVALID_KEY, KEY_REVOKED, QUOTA_EXHAUSTED, ...); clients must branch on
// Code, never on Message.
type APIErrorResponse struct {
	Code    string       `json:"code"`
	Message string       `json:"message"`
	Details []FieldError `json:"details,omitempty"`
}

// FieldError is one request-body validation failure.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}
