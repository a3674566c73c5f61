package gateway

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const uuidPattern = `^[a-fA-F0-9]{8}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{4}-[a-fA-F0-9]{12}$`

const pollSchemaJSON = `{
  "type": "object",
  "properties": {
    "protocol": {"type": "integer", "minimum": 1},
    "agent_id": {"type": "string", "pattern": "` + uuidPattern + `"},
    "agent_name": {"type": "string", "minLength": 1},
    "agent_location": {
      "type": "object",
      "properties": {
        "country": {"type": "string", "minLength": 2, "maxLength": 2},
        "region": {"type": "string", "minLength": 2, "maxLength": 4},
        "latitude": {"type": "number"},
        "longitude": {"type": "number"}
      },
      "required": ["country", "region"],
      "additionalProperties": false
    },
    "agent_capabilities": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {"version": {"type": "integer"}},
        "required": ["version"]
      }
    },
    "agent_time": {"type": "string"},
    "max_tasks": {"type": "integer", "minimum": 0}
  },
  "required": ["protocol", "agent_id", "agent_name", "agent_capabilities", "max_tasks"],
  "additionalProperties": false
}`

const resultSchemaJSON = `{
  "type": "object",
  "oneOf": [
    {
      "properties": {
        "protocol": {"type": "integer"},
        "task_id": {"type": "string", "pattern": "` + uuidPattern + `"},
        "task_data": {"type": "object"}
      },
      "required": ["protocol", "task_id", "task_data"],
      "additionalProperties": false
    },
    {
      "properties": {
        "protocol": {"type": "integer"},
        "task_id": {"type": "string", "pattern": "` + uuidPattern + `"},
        "task_error": {"type": "string"}
      },
      "required": ["protocol", "task_id", "task_error"],
      "additionalProperties": false
    }
  ]
}`

const submitSchemaJSON = `{
  "type": "object",
  "properties": {
    "task_id": {"type": "string", "pattern": "` + uuidPattern + `"},
    "test_id": {"type": "string"},
    "task_type": {"type": "string", "minLength": 1},
    "task_version": {"type": "integer", "minimum": 0},
    "task_data": {}
  },
  "required": ["task_type", "task_version"],
  "additionalProperties": false
}`

// schemas holds the compiled request schemas.
type schemas struct {
	poll   *jsonschema.Schema
	result *jsonschema.Schema
	submit *jsonschema.Schema
}

func compileSchemas() (*schemas, error) {
	poll, err := compileSchema("poll.json", pollSchemaJSON)
	if err != nil {
		return nil, err
	}
	result, err := compileSchema("result.json", resultSchemaJSON)
	if err != nil {
		return nil, err
	}
	submit, err := compileSchema("submit.json", submitSchemaJSON)
	if err != nil {
		return nil, err
	}
	return &schemas{poll: poll, result: result, submit: submit}, nil
}

func compileSchema(name, src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
	if err != nil {
		return nil, fmt.Errorf("unmarshal %s: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		return nil, fmt.Errorf("add schema resource %s: %w", name, err)
	}
	schema, err := c.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return schema, nil
}

// validateBody checks raw JSON against schema. jsonschema.UnmarshalJSON keeps
// numbers as json.Number so integer checks are exact.
func validateBody(schema *jsonschema.Schema, body []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}
