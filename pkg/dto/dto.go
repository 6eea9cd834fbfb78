// Package dto holds the wire types of the instance control API.
package dto

import "encoding/json"

type InvokeRequest struct {
	// ID correlates the invocation across logs and traces.
	ID string `json:"id"`
	// Payload is handed to the function's input serde untouched.
	Payload json.RawMessage `json:"payload"`
}

type InvokeResponse struct {
	Success bool            `json:"success"`
	Message string          `json:"message,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
