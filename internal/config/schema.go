package config

import (
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

// Schema is the JSON schema for proxyd.json. It checks shape and types;
// semantic checks live in Validator.
const Schema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "type": "object",
  "additionalProperties": false,
  "properties": {
    "data_dir": {"type": "string"},
    "daemon": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "binary_path": {"type": "string"},
        "listen_host": {"type": "string", "minLength": 1},
        "listen_port": {"type": "integer", "minimum": 1, "maximum": 65535},
        "data_directory": {"type": "string"},
        "control_port": {"type": "string", "pattern": "^(|auto|[0-9]{1,5})$"},
        "cookie_auth": {"type": "boolean"},
        "log_level": {"type": "string"},
        "extra_flags": {"type": "array", "items": {"type": "string"}}
      }
    },
    "supervisor": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "stop_grace_seconds": {"type": "integer", "minimum": 0},
        "start_timeout_seconds": {"type": "integer", "minimum": 0},
        "identity_interval_seconds": {"type": "integer"},
        "ready_patterns": {"type": "array", "items": {"type": "string", "minLength": 1}}
      }
    },
    "session": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "patterns": {"type": "array", "items": {"type": "string", "minLength": 1}},
        "cleanup_timeout_seconds": {"type": "integer", "minimum": 0}
      }
    },
    "rotation": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "schedule": {"type": "string"},
        "tz": {"type": "string"}
      }
    },
    "api": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "host": {"type": "string"},
        "port": {"type": "integer", "minimum": 0, "maximum": 65535},
        "token": {"type": "string"}
      }
    },
    "probe": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "target": {"type": "string"},
        "timeout_seconds": {"type": "integer", "minimum": 0}
      }
    },
    "logging": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "level": {"type": "string"},
        "file": {"type": "string"},
        "pretty": {"type": "boolean"},
        "max_size": {"type": "integer", "minimum": 0},
        "max_age": {"type": "integer", "minimum": 0},
        "compress": {"type": "boolean"},
        "redaction": {"type": "boolean"}
      }
    },
    "tracing": {
      "type": "object",
      "additionalProperties": false,
      "properties": {
        "enabled": {"type": "boolean"},
        "service_name": {"type": "string"}
      }
    }
  }
}`

var schemaLoader = gojsonschema.NewStringLoader(Schema)

// ValidateSchema checks raw config file bytes against Schema
func ValidateSchema(data []byte) error {
	result, err := gojsonschema.Validate(schemaLoader, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return fmt.Errorf("schema validation error: %w", err)
	}

	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("config does not match schema: %s", strings.Join(msgs, "; "))
	}
	return nil
}
