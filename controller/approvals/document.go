// Package approvals turns approval documents from files and queues into approval batches.
package approvals

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/workload-advisor/controller/feedback"
	"github.com/workload-advisor/controller/types"
)

// DefaultApprover is recorded when a document entry names no approver
const DefaultApprover = "admin"

// Handler consumes approval batches
type Handler interface {
	Approve(ctx context.Context, batch types.ApprovalBatch) (*feedback.ApprovalResult, error)
}

// documentSchema accepts either a bare list of approvals or {"source": ..., "approvals": [...]}
const documentSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "definitions": {
    "approval": {
      "type": "object",
      "required": ["recommendation_id"],
      "properties": {
        "recommendation_id": {"type": "string", "minLength": 1},
        "approved_by": {"type": "string"},
        "notes": {"type": "string"}
      }
    },
    "approvals": {
      "type": "array",
      "minItems": 1,
      "items": {"$ref": "#/definitions/approval"}
    }
  },
  "oneOf": [
    {"$ref": "#/definitions/approvals"},
    {
      "type": "object",
      "required": ["approvals"],
      "properties": {
        "source": {"type": "string"},
        "approvals": {"$ref": "#/definitions/approvals"}
      }
    }
  ]
}`

var (
	schemaOnce sync.Once
	schema     *gojsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*gojsonschema.Schema, error) {
	schemaOnce.Do(func() {
		schema, schemaErr = gojsonschema.NewSchema(gojsonschema.NewStringLoader(documentSchema))
	})
	return schema, schemaErr
}

// ValidationError lists the schema violations of a rejected document
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid approval document: %s", strings.Join(e.Problems, "; "))
}

// Parse validates an approval document and converts it to a batch tagged with source
func Parse(data []byte, source string) (types.ApprovalBatch, error) {
	s, err := compiledSchema()
	if err != nil {
		return types.ApprovalBatch{}, fmt.Errorf("failed to compile approval schema: %w", err)
	}

	result, err := s.Validate(gojsonschema.NewBytesLoader(data))
	if err != nil {
		return types.ApprovalBatch{}, fmt.Errorf("failed to read approval document: %w", err)
	}
	if !result.Valid() {
		problems := make([]string, len(result.Errors()))
		for i, e := range result.Errors() {
			problems[i] = e.String()
		}
		return types.ApprovalBatch{}, &ValidationError{Problems: problems}
	}

	var batch types.ApprovalBatch
	if trimmed := bytes.TrimSpace(data); len(trimmed) > 0 && trimmed[0] == '[' {
		err = json.Unmarshal(trimmed, &batch.Approvals)
	} else {
		err = json.Unmarshal(trimmed, &batch)
	}
	if err != nil {
		return types.ApprovalBatch{}, fmt.Errorf("failed to decode approval document: %w", err)
	}

	if batch.Source == "" {
		batch.Source = source
	}
	for i := range batch.Approvals {
		if batch.Approvals[i].ApprovedBy == "" {
			batch.Approvals[i].ApprovedBy = DefaultApprover
		}
	}
	return batch, nil
}
