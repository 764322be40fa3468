package proof

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const messageSchemaURL = "https://auditrail.schemas.local/proof-message.schema.json"

// MessageSchema is the JSON Schema every proof message satisfies.
const MessageSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["type", "created", "publicPayload"],
  "properties": {
    "type": {"const": "application/json"},
    "created": {"type": "string", "minLength": 1},
    "publicPayload": {
      "type": "object",
      "required": ["type", "proofValue"],
      "properties": {
        "type": {"const": "Proof"},
        "proofValue": {"type": "string", "pattern": "^[0-9a-f]+$"}
      }
    }
  }
}`

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		if err := c.AddResource(messageSchemaURL, strings.NewReader(MessageSchema)); err != nil {
			schemaErr = fmt.Errorf("proof message schema load failed: %w", err)
			return
		}
		schema, schemaErr = c.Compile(messageSchemaURL)
	})
	return schema, schemaErr
}

// DecodeMessage validates raw JSON against MessageSchema and decodes it.
func DecodeMessage(raw []byte) (Message, error) {
	s, err := compiledSchema()
	if err != nil {
		return Message{}, err
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	if err := s.Validate(doc); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedProof, err)
	}
	return m, nil
}
