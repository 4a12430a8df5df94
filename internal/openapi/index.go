// Package openapi loads the service's OpenAPI document and indexes its
// operations, providing lookup by operationId and request body validation
// against the documented schemas.
package openapi

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/pitabwire/onboarding/model"
)

// ErrorCodeExtension names the schema extension carrying the field error
// code reported when a value violates that schema.
const ErrorCodeExtension = "x-error-code"

// IndexedOperation holds a resolved OpenAPI operation with its context.
type IndexedOperation struct {
	OperationID  string
	Method       string
	PathTemplate string
	Parameters   []*openapi3.Parameter
	RequestBody  *openapi3.RequestBody
	Responses    *openapi3.Responses
}

// RequestSchema returns the JSON request body schema, or nil.
func (op IndexedOperation) RequestSchema() *openapi3.Schema {
	if op.RequestBody == nil {
		return nil
	}
	ct := op.RequestBody.Content.Get("application/json")
	if ct == nil || ct.Schema == nil {
		return nil
	}
	return ct.Schema.Value
}

// Index is an in-memory index of OpenAPI operations keyed by operationId.
type Index struct {
	operations map[string]IndexedOperation
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{operations: make(map[string]IndexedOperation)}
}

// LoadData parses and validates an OpenAPI document and indexes all of its
// operations.
func (idx *Index) LoadData(data []byte) error {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(data)
	if err != nil {
		return fmt.Errorf("openapi: loading document: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return fmt.Errorf("openapi: validating document: %w", err)
	}

	for path, pathItem := range doc.Paths.Map() {
		for method, op := range pathItem.Operations() {
			if op.OperationID == "" {
				continue
			}

			// Merge path-level and operation-level parameters.
			params := make([]*openapi3.Parameter, 0)
			for _, ref := range pathItem.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}
			for _, ref := range op.Parameters {
				if ref.Value != nil {
					params = append(params, ref.Value)
				}
			}

			var reqBody *openapi3.RequestBody
			if op.RequestBody != nil && op.RequestBody.Value != nil {
				reqBody = op.RequestBody.Value
			}

			if _, dup := idx.operations[op.OperationID]; dup {
				return fmt.Errorf("openapi: duplicate operationId %q", op.OperationID)
			}
			idx.operations[op.OperationID] = IndexedOperation{
				OperationID:  op.OperationID,
				Method:       method,
				PathTemplate: path,
				Parameters:   params,
				RequestBody:  reqBody,
				Responses:    op.Responses,
			}
		}
	}
	return nil
}

// GetOperation returns the indexed operation for operationID.
func (idx *Index) GetOperation(operationID string) (IndexedOperation, bool) {
	op, ok := idx.operations[operationID]
	return op, ok
}

// FindOperation returns the operation documented for method and a chi-style
// path template.
func (idx *Index) FindOperation(method, pathTemplate string) (IndexedOperation, bool) {
	for _, op := range idx.operations {
		if strings.EqualFold(op.Method, method) && op.PathTemplate == pathTemplate {
			return op, true
		}
	}
	return IndexedOperation{}, false
}

// AllOperationIDs returns every indexed operation ID, sorted.
func (idx *Index) AllOperationIDs() []string {
	ids := make([]string, 0, len(idx.operations))
	for id := range idx.operations {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ValidateRequest validates body against the operation's request schema.
// It returns nil when the body is valid or the operation has no schema.
func (idx *Index) ValidateRequest(operationID string, body map[string]any) []model.FieldError {
	op, ok := idx.operations[operationID]
	if !ok {
		return []model.FieldError{{Code: "NOT_FOUND", Message: fmt.Sprintf("operation %s not found", operationID)}}
	}
	schema := op.RequestSchema()
	if schema == nil {
		return nil
	}
	return ValidateValue(schema, body)
}

// ValidateValue checks value against schema and converts every violation
// into a field error. Field names are dotted JSON paths.
func ValidateValue(schema *openapi3.Schema, value any) []model.FieldError {
	err := schema.VisitJSON(value, openapi3.MultiErrors())
	if err == nil {
		return nil
	}
	var out []model.FieldError
	collect(err, &out)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Field < out[j].Field })
	return out
}

func collect(err error, out *[]model.FieldError) {
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		for _, e := range multi {
			collect(e, out)
		}
		return
	}
	var se *openapi3.SchemaError
	if !errors.As(err, &se) {
		*out = append(*out, model.FieldError{Code: "INVALID", Message: err.Error()})
		return
	}
	*out = append(*out, model.FieldError{
		Field:   strings.Join(se.JSONPointer(), "."),
		Code:    errorCode(se),
		Message: se.Reason,
	})
}

// errorCode prefers the schema's declared code, except for missing
// properties which are always REQUIRED.
func errorCode(se *openapi3.SchemaError) string {
	if se.SchemaField == "required" {
		return "REQUIRED"
	}
	if se.Schema != nil {
		if code, ok := se.Schema.Extensions[ErrorCodeExtension].(string); ok && code != "" {
			return code
		}
	}
	switch se.SchemaField {
	case "type":
		return "INVALID_TYPE"
	case "enum":
		return "UNSUPPORTED_VALUE"
	case "maxLength", "maxItems", "maximum":
		return "TOO_LARGE"
	case "minLength", "minItems", "minimum":
		return "TOO_SMALL"
	case "pattern":
		return "INVALID_FORMAT"
	default:
		return "INVALID"
	}
}
