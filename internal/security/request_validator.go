package security

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

type JSONSchemaValidator struct {
	schema *jsonschema.Schema
}

func NewJSONSchemaValidator(schemaJSON string) (*JSONSchemaValidator, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(schemaJSON)); err != nil {
		return nil, err
	}
	schema, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, err
	}

	return &JSONSchemaValidator{schema: schema}, nil
}

// SchemaViolation is one failed keyword, located by JSON pointer.
type SchemaViolation struct {
	Location string `json:"location"`
	Error    string `json:"error"`
}

// Validate checks a decoded JSON document.
func (v *JSONSchemaValidator) Validate(payload any) []SchemaViolation {
	err := v.schema.Validate(payload)
	if err == nil {
		return nil
	}
	var ve *jsonschema.ValidationError
	if !errors.As(err, &ve) {
		return []SchemaViolation{{Location: "", Error: err.Error()}}
	}
	var out []SchemaViolation
	for _, e := range ve.BasicOutput().Errors {
		// the root entry only says "doesn't validate"
		if e.KeywordLocation == "" {
			continue
		}
		out = append(out, SchemaViolation{Location: e.InstanceLocation, Error: e.Error})
	}
	if len(out) == 0 {
		out = append(out, SchemaViolation{Error: ve.Message})
	}
	return out
}

func (v *JSONSchemaValidator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body == nil {
			WriteJSONError(w, r, http.StatusBadRequest, "invalid_request")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			var mbe *http.MaxBytesError
			if errors.As(err, &mbe) {
				WriteJSONError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large")
				return
			}
			WriteJSONError(w, r, http.StatusBadRequest, "invalid_request")
			return
		}
		_ = r.Body.Close()

		var payload interface{}
		dec := json.NewDecoder(bytes.NewReader(body))
		dec.UseNumber()
		if err := dec.Decode(&payload); err != nil {
			WriteJSONError(w, r, http.StatusBadRequest, "invalid_json")
			return
		}

		if violations := v.Validate(payload); len(violations) > 0 {
			WriteError(w, r, http.StatusBadRequest, ErrorResponse{
				Error:   "validation_error",
				Message: "request body does not match schema",
				Details: violations,
			})
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}
