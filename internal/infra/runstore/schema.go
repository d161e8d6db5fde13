package runstore

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Completion payloads come from child processes we do not control; both are
// validated against a schema before any field is trusted.

const doneSchemaJSON = `{
  "type": "object",
  "required": ["schemaVersion", "taskId", "runId", "ok", "patchExists", "commentExists", "patchBytes"],
  "properties": {
    "schemaVersion": {"type": "integer"},
    "taskId": {"type": "integer"},
    "runId": {"type": "string", "minLength": 1},
    "startedAtMs": {"type": "integer"},
    "finishedAtMs": {"type": "integer"},
    "exitCode": {"type": "integer"},
    "ok": {"type": "boolean"},
    "patchPath": {"type": "string"},
    "commentPath": {"type": "string"},
    "patchExists": {"type": "boolean"},
    "commentExists": {"type": "boolean"},
    "patchBytes": {"type": "integer", "minimum": 0},
    "commentBytes": {"type": "integer", "minimum": 0}
  }
}`

const reviewSchemaJSON = `{
  "type": "object",
  "required": ["score", "verdict", "critical_items", "notes"],
  "properties": {
    "score": {"type": "integer", "minimum": 1, "maximum": 100},
    "verdict": {"type": "string", "enum": ["PASS", "REWORK", "BLOCKER"]},
    "critical_items": {"type": "array", "items": {"type": "string"}},
    "notes": {"type": "string"},
    "reviewRevision": {"type": "string"}
  }
}`

var (
	doneSchema   = jsonschema.MustCompileString("done.schema.json", doneSchemaJSON)
	reviewSchema = jsonschema.MustCompileString("review.schema.json", reviewSchemaJSON)
)

func validateDone(content []byte) error {
	return validate(doneSchema, content)
}

func validateReview(content []byte) error {
	return validate(reviewSchema, content)
}

func validate(schema *jsonschema.Schema, content []byte) error {
	var value any
	if err := json.Unmarshal(content, &value); err != nil {
		return fmt.Errorf("not valid JSON: %w", err)
	}
	return schema.Validate(value)
}
