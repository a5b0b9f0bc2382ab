package agent

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/agenthost/internal/apperr"
)

const characterSchemaJSON = `{
  "type": "object",
  "required": ["name"],
  "properties": {
    "name": {"type": "string", "minLength": 1, "pattern": "\\S"},
    "settings": {
      "type": "object",
      "properties": {
        "secrets": {
          "type": "object",
          "additionalProperties": {"type": ["string", "null"]}
        }
      }
    }
  }
}`

// The patch schema is the character schema without required fields.
const patchSchemaJSON = `{
  "type": "object",
  "properties": {
    "name": {"type": "string", "minLength": 1, "pattern": "\\S"},
    "settings": {
      "type": "object",
      "properties": {
        "secrets": {
          "type": "object",
          "additionalProperties": {"type": ["string", "null"]}
        }
      }
    }
  }
}`

var (
	schemaOnce      sync.Once
	characterSchema *jsonschema.Schema
	patchSchema     *jsonschema.Schema
	schemaErr       error
)

func compileSchema(src string) (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema JSON: %w", err)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

func loadSchemas() error {
	schemaOnce.Do(func() {
		characterSchema, schemaErr = compileSchema(characterSchemaJSON)
		if schemaErr != nil {
			return
		}
		patchSchema, schemaErr = compileSchema(patchSchemaJSON)
	})
	return schemaErr
}

// ValidateCharacter checks a full character configuration.
func ValidateCharacter(cfg map[string]any) error {
	if err := loadSchemas(); err != nil {
		return apperr.Wrap("agent.validate", apperr.KindInternal, err)
	}
	return validateAgainst("agent.validate", characterSchema, cfg)
}

// ValidatePatch checks a partial configuration used by Update.
func ValidatePatch(patch map[string]any) error {
	if err := loadSchemas(); err != nil {
		return apperr.Wrap("agent.validate_patch", apperr.KindInternal, err)
	}
	return validateAgainst("agent.validate_patch", patchSchema, patch)
}

func validateAgainst(op string, schema *jsonschema.Schema, v map[string]any) error {
	if v == nil {
		return apperr.New(op, apperr.KindValidation, "configuration must be an object")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return apperr.Wrap(op, apperr.KindValidation, err)
	}
	// The validator expects json.Number rather than float64.
	parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return apperr.Wrap(op, apperr.KindValidation, err)
	}
	if err := schema.Validate(parsed); err != nil {
		return apperr.Newf(op, apperr.KindValidation, "%s", err)
	}
	return nil
}
