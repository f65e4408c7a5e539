package gateway

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/basket/proofline/internal/lifecycle"
)

const (
	createTaskSchema = `{
		"type": "object",
		"required": ["assignee_id", "reviewer_id"],
		"additionalProperties": false,
		"properties": {
			"title": {"type": "string", "maxLength": 500},
			"assignee_id": {"type": "string", "minLength": 1},
			"reviewer_id": {"type": "string", "minLength": 1},
			"phases": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1, "maxItems": 5}
		}
	}`
	submitProofSchema = `{
		"type": "object",
		"additionalProperties": false,
		"properties": {
			"phase": {"type": "string"},
			"proof_reference": {"type": "string", "maxLength": 2048},
			"proof_note": {"type": "string", "maxLength": 20000}
		}
	}`
	editPhasesSchema = `{
		"type": "object",
		"required": ["phases"],
		"additionalProperties": false,
		"properties": {
			"phases": {"type": "array", "items": {"type": "string", "minLength": 1}, "minItems": 1, "maxItems": 5}
		}
	}`
	holdSchema = `{
		"type": "object",
		"required": ["held"],
		"additionalProperties": false,
		"properties": {
			"held": {"type": "boolean"}
		}
	}`
)

type requestSchemas struct {
	createTask  *jsonschema.Schema
	submitProof *jsonschema.Schema
	editPhases  *jsonschema.Schema
	hold        *jsonschema.Schema
}

func compileSchemas() (*requestSchemas, error) {
	c := jsonschema.NewCompiler()
	sources := map[string]string{
		"create_task.json":  createTaskSchema,
		"submit_proof.json": submitProofSchema,
		"edit_phases.json":  editPhasesSchema,
		"hold.json":         holdSchema,
	}
	for name, src := range sources {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(src)))
		if err != nil {
			return nil, fmt.Errorf("unmarshal schema %s: %w", name, err)
		}
		if err := c.AddResource(name, doc); err != nil {
			return nil, fmt.Errorf("add schema resource %s: %w", name, err)
		}
	}
	var out requestSchemas
	for name, dst := range map[string]**jsonschema.Schema{
		"create_task.json":  &out.createTask,
		"submit_proof.json": &out.submitProof,
		"edit_phases.json":  &out.editPhases,
		"hold.json":         &out.hold,
	} {
		sch, err := c.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("compile schema %s: %w", name, err)
		}
		*dst = sch
	}
	return &out, nil
}

// decodeBody validates the JSON body against schema and decodes it into dst.
// Schema failures are lifecycle validation errors.
func decodeBody(r *http.Request, schema *jsonschema.Schema, dst any) error {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: invalid JSON: %v", lifecycle.ErrValidation, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrValidation, err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", lifecycle.ErrValidation, err)
	}
	return nil
}
