package gateway

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Request bodies posted by the web app. contactsEncryptedPayload carries
// plaintext contacts on the way in; deployed web clients send that name.
const taskSchemaJSON = `{
	"type": "object",
	"required": ["title", "description", "contactsEncryptedPayload"],
	"properties": {
		"title": {"type": "string", "minLength": 1, "maxLength": 200},
		"description": {"type": "string", "minLength": 1, "maxLength": 10000},
		"contactsEncryptedPayload": {"type": "string", "minLength": 1, "maxLength": 2000},
		"creatorAddress": {"type": "string", "pattern": "^0x[a-fA-F0-9]{40}$"},
		"category": {"type": "string", "maxLength": 64},
		"createdAt": {"type": ["string", "integer"]}
	}
}`

const profileSchemaJSON = `{
	"type": "object",
	"required": ["address", "nickname", "city", "skills", "encryptionPubKey"],
	"properties": {
		"address": {"type": "string", "pattern": "^0x[a-fA-F0-9]{40}$"},
		"nickname": {"type": "string", "minLength": 1, "maxLength": 64},
		"city": {"type": "string", "minLength": 1, "maxLength": 128},
		"skills": {"type": "array", "items": {"type": "string"}, "maxItems": 50},
		"encryptionPubKey": {"type": "string", "minLength": 1},
		"contacts": {"type": "string", "maxLength": 2000}
	}
}`

const decryptSchemaJSON = `{
	"type": "object",
	"required": ["taskId", "address", "signature", "message"],
	"properties": {
		"taskId": {"type": "string"},
		"address": {"type": "string"},
		"signature": {"type": "string"},
		"message": {"type": "string"}
	}
}`

// schemas holds the compiled request schemas.
type schemas struct {
	task    *jsonschema.Schema
	profile *jsonschema.Schema
	decrypt *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	task, err := compileSchema("task.json", taskSchemaJSON)
	if err != nil {
		return nil, err
	}
	profile, err := compileSchema("profile.json", profileSchemaJSON)
	if err != nil {
		return nil, err
	}
	decrypt, err := compileSchema("decrypt.json", decryptSchemaJSON)
	if err != nil {
		return nil, err
	}
	return &schemas{task: task, profile: profile, decrypt: decrypt}, nil
}

func compileSchema(name, raw string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("parse schema %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema %s: %w", name, err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return schema, nil
}

// validateBody checks raw against schema and returns one message per
// violated constraint.
func validateBody(schema *jsonschema.Schema, raw []byte) []string {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return []string{"body is not valid JSON"}
	}
	if err := schema.Validate(doc); err != nil {
		return validationDetails(err)
	}
	return nil
}

// validationDetails flattens the indented error tree jsonschema renders
// into its leaf lines, dropping the header naming the schema.
func validationDetails(err error) []string {
	lines := strings.Split(err.Error(), "\n")
	var details []string
	for _, line := range lines[1:] {
		line = strings.TrimSpace(line)
		line = strings.TrimPrefix(line, "- ")
		if line != "" {
			details = append(details, line)
		}
	}
	if len(details) == 0 {
		details = []string{lines[0]}
	}
	return details
}
