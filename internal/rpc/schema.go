package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// envelopeSchemaSource constrains a decoded line to the field shapes
// Classify understands: "id" must be a non-negative integer when present,
// "method" a string, "params"/"result" any JSON value, and "error" an
// object carrying at least a numeric code and a message. Anything else —
// an array, a bare scalar, a string id — fails validation and is reported
// as a protocol error instead of silently falling through Classify's
// field-presence heuristic.
const envelopeSchemaSource = `{
	"type": "object",
	"properties": {
		"id": {"type": "integer", "minimum": 0},
		"method": {"type": "string"},
		"params": {},
		"result": {},
		"error": {
			"type": "object",
			"properties": {
				"code": {"type": "integer"},
				"message": {"type": "string"}
			},
			"required": ["code", "message"]
		}
	}
}`

var envelopeSchema = mustCompileEnvelopeSchema()

func mustCompileEnvelopeSchema() *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(envelopeSchemaSource)))
	if err != nil {
		panic(fmt.Sprintf("rpc: invalid envelope schema: %v", err))
	}
	if err := compiler.AddResource("envelope.json", doc); err != nil {
		panic(fmt.Sprintf("rpc: invalid envelope schema: %v", err))
	}
	schema, err := compiler.Compile("envelope.json")
	if err != nil {
		panic(fmt.Sprintf("rpc: invalid envelope schema: %v", err))
	}
	return schema
}

// validateEnvelopeShape checks line's JSON shape against envelopeSchema
// before field-specific decoding. A failure here means the subprocess
// sent something Classify could not safely interpret.
func validateEnvelopeShape(line []byte) error {
	var v any
	if err := json.Unmarshal(line, &v); err != nil {
		return err
	}
	if err := envelopeSchema.Validate(v); err != nil {
		return fmt.Errorf("rpc: envelope shape: %w", err)
	}
	return nil
}
