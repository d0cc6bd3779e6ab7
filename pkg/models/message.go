package models

import "encoding/json"

// Envelope is a single JSON text frame on the live push channel.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const (
	EventAuthenticate   = "authenticate"
	EventAuthenticated  = "authenticated"
	EventAuthError      = "auth_error"
	EventHeartbeat      = "heartbeat"
	EventCatalogUpdated = "catalog_updated"
)

type Authenticate struct {
	Token     string `json:"token"`
	SessionID string `json:"sessionId"`
}

type AuthError struct {
	Message string `json:"message"`
}

func NewEnvelope(event string, data interface{}) (*Envelope, error) {
	env := &Envelope{Event: event}
	if data == nil {
		return env, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	env.Data = raw
	return env, nil
}
