package fieldsync

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Durable queue entries cross a trust boundary every time they are read
// back from storage. Entries are validated against this schema before
// decoding; anything malformed is rejected rather than trusted.
const queueEntrySchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["id", "seq", "mutation", "enqueuedAt", "status"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"seq": {"type": "integer", "minimum": 0},
		"enqueuedAt": {"type": "string"},
		"attempts": {"type": "integer", "minimum": 0},
		"status": {"enum": ["pending", "failed"]},
		"lastError": {"type": "string"},
		"mutation": {
			"type": "object",
			"required": ["entityId", "desiredState", "submittedAt"],
			"properties": {
				"entityId": {"type": "string", "minLength": 1},
				"actorId": {"type": "string"},
				"force": {"type": "boolean"},
				"submittedAt": {"type": "string"},
				"desiredState": {
					"type": "object",
					"required": ["status"],
					"properties": {
						"status": {"enum": ["pending", "completed", "failed", "not_applicable"]},
						"notes": {"type": "string"}
					}
				}
			}
		}
	}
}`

var queueEntrySchema = mustCompileSchema("queue-entry.json", queueEntrySchemaJSON)

func mustCompileSchema(name, source string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		panic(fmt.Sprintf("schema %s: %v", name, err))
	}
	return schema
}

func ValidateQueueEntryJSON(data []byte) error {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := queueEntrySchema.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	return nil
}
