package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/go-playground/validator/v10"

	"github.com/xraph/durable/job"
)

// ErrInvalidJSON is returned when a payload is not well-formed JSON.
var ErrInvalidJSON = errors.New("schema: payload is not valid JSON")

var validate = validator.New()

// Any accepts every well-formed JSON payload.
func Any() job.Schema {
	return job.SchemaFunc(func(payload []byte) error {
		if !json.Valid(payload) {
			return ErrInvalidJSON
		}
		return nil
	})
}

// Struct returns a schema that decodes the payload into T, rejecting
// unknown fields, then validates T's `validate` tags.
func Struct[T any]() job.Schema {
	return job.SchemaFunc(func(payload []byte) error {
		var v T
		dec := json.NewDecoder(bytes.NewReader(payload))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&v); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		if err := validate.Struct(&v); err != nil {
			var invalid *validator.InvalidValidationError
			if errors.As(err, &invalid) {
				// Non-struct T: decoding was the whole check.
				return nil
			}
			return err
		}
		return nil
	})
}

// cueSchema validates payloads against a compiled CUE value.
type cueSchema struct {
	// cue.Context is not safe for concurrent use.
	mu     sync.Mutex
	ctx    *cue.Context
	schema cue.Value
}

// CUE compiles src into a schema. Payloads must unify with it and be
// concrete.
func CUE(src string) (job.Schema, error) {
	ctx := cuecontext.New()
	v := ctx.CompileString(src)
	if err := v.Err(); err != nil {
		return nil, fmt.Errorf("compile cue schema: %w", err)
	}
	return &cueSchema{ctx: ctx, schema: v}, nil
}

// MustCUE is like CUE but panics if src does not compile.
func MustCUE(src string) job.Schema {
	s, err := CUE(src)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate implements job.Schema.
func (s *cueSchema) Validate(payload []byte) error {
	if !json.Valid(payload) {
		return ErrInvalidJSON
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data := s.ctx.CompileBytes(payload)
	if err := data.Err(); err != nil {
		return fmt.Errorf("load payload: %w", err)
	}
	unified := s.schema.Unify(data)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return err
	}
	return nil
}
