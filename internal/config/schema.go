package config

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// configSchema is the structural contract for config.json5. It is
// deliberately loose about leaf values (adapters validate their own inputs)
// but strict about the shape of the tree, so malformed files fail at startup
// with a pointed message instead of surfacing as odd runtime behavior.
const configSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "gateway": {
      "type": "object",
      "properties": {
        "bindAddr": {"type": "string"},
        "authToken": {"type": "string"},
        "allowOrigins": {"type": "array", "items": {"type": "string"}},
        "logLevel": {"type": "string"}
      }
    },
    "channels": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "properties": {
          "accounts": {
            "type": "object",
            "additionalProperties": {
              "type": "object",
              "properties": {
                "enabled": {"type": "boolean"},
                "credentialsRef": {"type": "string"},
                "allowFrom": {
                  "type": "array",
                  "items": {"type": ["string", "number"]}
                },
                "groupPolicy": {"enum": ["open", "allowlist", "closed"]},
                "defaultTo": {"type": "string"}
              }
            }
          }
        }
      }
    },
    "agents": {
      "type": "object",
      "properties": {
        "defaults": {
          "type": "object",
          "properties": {"model": {"$ref": "#/$defs/model"}}
        },
        "list": {
          "type": "array",
          "items": {
            "type": "object",
            "required": ["id"],
            "properties": {
              "id": {"type": "string", "minLength": 1},
              "model": {"$ref": "#/$defs/model"}
            }
          }
        }
      }
    },
    "sessions": {
      "type": "object",
      "properties": {
        "maxAgeDays": {"type": "integer", "minimum": 0},
        "maxEntries": {"type": "integer", "minimum": 0},
        "mode": {"enum": ["warn", "enforce"]}
      }
    },
    "heartbeat": {
      "type": "object",
      "properties": {
        "enabled": {"type": "boolean"},
        "schedule": {"type": "string"}
      }
    },
    "telemetry": {"type": "object"},
    "skills": {
      "type": "array",
      "items": {
        "type": "object",
        "required": ["name"],
        "properties": {
          "name": {"type": "string"},
          "description": {"type": "string"}
        }
      }
    }
  },
  "$defs": {
    "model": {
      "oneOf": [
        {"type": "string"},
        {
          "type": "object",
          "properties": {
            "primary": {"type": "string"},
            "fallbacks": {"type": "array", "items": {"type": "string"}}
          }
        }
      ]
    }
  }
}`

var (
	schemaOnce     sync.Once
	compiledSchema *jsonschema.Schema
	schemaErr      error
)

func compiled() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(configSchema)))
		if err != nil {
			schemaErr = fmt.Errorf("unmarshal config schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("config.schema.json", doc); err != nil {
			schemaErr = fmt.Errorf("add config schema resource: %w", err)
			return
		}
		compiledSchema, schemaErr = c.Compile("config.schema.json")
	})
	return compiledSchema, schemaErr
}

// ValidateSchema checks plain JSON config bytes against the config schema.
func ValidateSchema(plainJSON []byte) error {
	schema, err := compiled()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(plainJSON))
	if err != nil {
		return fmt.Errorf("parse: %w", err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("schema validation: %w", err)
	}
	return nil
}
