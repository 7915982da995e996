package api

import (
	"encoding/json"
)

// envelope mirrors the server's {data, error, metadata} response shape.
type envelope struct {
	Data     json.RawMessage `json:"data"`
	Error    json.RawMessage `json:"error"`
	Metadata *struct {
		RequestID string `json:"request_id"`
	} `json:"metadata"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// unwrap returns the data member of an enveloped body, or the body itself
// when the server answered with a bare document.
func unwrap(body []byte) json.RawMessage {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(body, &probe); err != nil {
		return body
	}
	_, hasData := probe["data"]
	_, hasMeta := probe["metadata"]
	if !hasData || !hasMeta {
		return body
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return body
	}
	return env.Data
}

// errorMessage extracts a human-readable message from an error body. It
// understands the envelope's error object and a bare {"error": "..."}.
func errorMessage(body []byte) string {
	var probe struct {
		Error   json.RawMessage `json:"error"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	if len(probe.Error) > 0 {
		var s string
		if err := json.Unmarshal(probe.Error, &s); err == nil {
			return s
		}
		var eb errorBody
		if err := json.Unmarshal(probe.Error, &eb); err == nil && eb.Message != "" {
			return eb.Message
		}
	}
	return probe.Message
}
