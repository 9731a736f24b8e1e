package document

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// InputsSchema wraps a workflow's compiled inputs JSON Schema.
type InputsSchema struct {
	schema *jsonschema.Schema
}

// CompileInputs compiles the workflow's inputs object as a JSON Schema. A
// workflow without an inputs declaration accepts anything.
func CompileInputs(wf *Workflow) (*InputsSchema, error) {
	if len(wf.Inputs) == 0 {
		return &InputsSchema{}, nil
	}
	raw, err := json.Marshal(wf.Inputs)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: encode inputs schema: %w", wf.WorkflowID, err)
	}
	compiler := jsonschema.NewCompiler()
	url := "inline://workflows/" + wf.WorkflowID + "/inputs"
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("workflow %s: load inputs schema: %w", wf.WorkflowID, err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("workflow %s: compile inputs schema: %w", wf.WorkflowID, err)
	}
	return &InputsSchema{schema: schema}, nil
}

// Validate checks the supplied run inputs against the schema. The inputs must
// round-trip through JSON so yaml-decoded values normalize first.
func (s *InputsSchema) Validate(inputs map[string]any) error {
	if s.schema == nil {
		return nil
	}
	if inputs == nil {
		inputs = map[string]any{}
	}
	raw, err := json.Marshal(inputs)
	if err != nil {
		return fmt.Errorf("encode inputs: %w", err)
	}
	var normalized any
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return fmt.Errorf("decode inputs: %w", err)
	}
	if err := s.schema.Validate(normalized); err != nil {
		return fmt.Errorf("inputs do not satisfy the workflow schema: %w", err)
	}
	return nil
}
