package httpapi

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const appendSchemaURL = "https://relayinbox.dev/schemas/append-message.json"

const appendSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["direction", "body"],
  "additionalProperties": false,
  "properties": {
    "direction": {"enum": ["inbound", "outbound"]},
    "body": {"type": "string", "minLength": 1, "maxLength": 4096}
  }
}`

func mustCompileAppendSchema() *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(appendSchemaJSON))
	if err != nil {
		panic(fmt.Sprintf("append schema: %v", err))
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(appendSchemaURL, doc); err != nil {
		panic(fmt.Sprintf("append schema: %v", err))
	}
	schema, err := compiler.Compile(appendSchemaURL)
	if err != nil {
		panic(fmt.Sprintf("append schema: %v", err))
	}
	return schema
}

func validateAppendBody(schema *jsonschema.Schema, body []byte) error {
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid json body")
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("invalid message: %v", err)
	}
	return nil
}
