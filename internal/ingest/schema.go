package ingest

import (
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Incoming signals are validated strictly at the boundary. Unknown fields
// are rejected, never coerced.
const signalSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["kind", "source_type", "entity", "observed_at", "magnitude", "confidence"],
  "properties": {
    "kind": {
      "type": "string",
      "enum": ["metric_anomaly", "log_pattern", "resource_exhaustion", "trace_anomaly"]
    },
    "source_type": {"type": "string", "minLength": 1},
    "entity": {"type": "string", "minLength": 1},
    "observed_at": {"type": "string", "format": "date-time"},
    "magnitude": {"type": "number", "minimum": 0},
    "raw_value": {"type": "number"},
    "baseline_value": {"type": "number"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

func compileSignalSchema() (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.AssertFormat = true
	if err := compiler.AddResource("signal.schema.json", strings.NewReader(signalSchemaJSON)); err != nil {
		return nil, err
	}
	return compiler.Compile("signal.schema.json")
}
