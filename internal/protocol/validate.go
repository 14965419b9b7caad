package protocol

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// requestSchema is the minimum an agent request must carry before it enters
// the routing pipeline.
const requestSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["type", "action", "requestId"],
	"properties": {
		"type":      {"type": "string", "minLength": 1},
		"action":    {"type": "string", "minLength": 1},
		"requestId": {"type": "string", "minLength": 1},
		"agentId":   {"type": "string"},
		"threadId":  {"type": "string"},
		"isError":   {"type": "boolean"}
	}
}`

// responseSchema only needs the correlation id.
const responseSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["requestId"],
	"properties": {
		"requestId": {"type": "string", "minLength": 1},
		"agentId":   {"type": "string"},
		"isError":   {"type": "boolean"}
	}
}`

var (
	requestValidator  = mustSchema(requestSchema)
	responseValidator = mustSchema(responseSchema)
)

func mustSchema(src string) *gojsonschema.Schema {
	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(src))
	if err != nil {
		panic(fmt.Sprintf("protocol: invalid builtin schema: %v", err))
	}
	return schema
}

// ValidationError lists every schema violation of an envelope.
type ValidationError struct {
	Details []string
}

func (e *ValidationError) Error() string {
	return "invalid envelope: " + strings.Join(e.Details, "; ")
}

// ValidateRequest checks that a request envelope carries type, action and requestId.
func ValidateRequest(e *Envelope) error {
	return validate(requestValidator, e)
}

// ValidateResponse checks that a response envelope carries a requestId.
func ValidateResponse(e *Envelope) error {
	return validate(responseValidator, e)
}

func validate(schema *gojsonschema.Schema, e *Envelope) error {
	var loader gojsonschema.JSONLoader
	if raw := e.Raw(); raw != nil {
		loader = gojsonschema.NewBytesLoader(raw)
	} else {
		loader = gojsonschema.NewGoLoader(e)
	}

	result, err := schema.Validate(loader)
	if err != nil {
		return fmt.Errorf("validate envelope: %w", err)
	}
	if result.Valid() {
		return nil
	}

	details := make([]string, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		details = append(details, re.String())
	}
	return &ValidationError{Details: details}
}
