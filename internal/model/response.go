package model

// Envelope is the standard response body for every broker-authored endpoint:
// a status code or label, a human-readable message, and an optional payload.
type Envelope struct {
	Status  any    `json:"status"`
	Message string `json:"message"`
	Data    any    `json:"data"`
}

// TokenPayload is the data member returned by the credential exchange
// endpoint.
type TokenPayload struct {
	JWT string `json:"jwt"`
}

// AuthError is the fixed body shape returned on 401 responses from the
// token guard.
type AuthError struct {
	Message string `json:"message"`
}

// Standard envelope messages.
const (
	MsgTokenAdded    = "JWT added"
	MsgTokenAccepted = "JWT accepted"
	MsgTokenUpdated  = "JWT updated"
	MsgInvalidKey    = "Invalid upstream API key"
	MsgNotAuthorized = "Not authorized"
	MsgInternalError = "Internal server error"
	MsgGatewayError  = "Upstream gateway error"
	MsgUpstreamOK    = "Received upstream API response"
)
