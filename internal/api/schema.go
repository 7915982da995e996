package api

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

const examPayloadSchema = `{
  "type": "object",
  "required": ["id", "duration", "questions"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string"},
    "duration": {"type": "integer", "minimum": 0},
    "startedAt": {"type": ["string", "null"]},
    "status": {"type": ["string", "null"]},
    "submissionId": {"type": ["string", "null"]},
    "hasSubmitted": {"type": "boolean"},
    "allowRetake": {"type": "boolean"},
    "savedAnswers": {"type": ["object", "null"]},
    "questions": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "id": {"type": ["string", "null"]},
          "type": {"type": "string"}
        }
      }
    }
  }
}`

var examSchema *gojsonschema.Schema

func init() {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(examPayloadSchema))
	if err != nil {
		panic(fmt.Sprintf("compile exam payload schema: %v", err))
	}
	examSchema = s
}

// validateExamPayload checks the document shape before it is decoded.
func validateExamPayload(doc []byte) error {
	res, err := examSchema.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("validate exam payload: %w", err)
	}
	if res.Valid() {
		return nil
	}
	msgs := make([]string, 0, len(res.Errors()))
	for _, e := range res.Errors() {
		msgs = append(msgs, e.String())
	}
	return fmt.Errorf("invalid exam payload: %s", strings.Join(msgs, "; "))
}
