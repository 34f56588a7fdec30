package utils

// RequestIDKey is the gin context key holding the per-request correlation id.
const RequestIDKey = "request_id"
