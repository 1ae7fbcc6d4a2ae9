// Package schema provides job.Schema implementations for validating
// trigger payloads before a run is created.
//
// Struct validates by decoding into a Go type and applying its
// `validate` struct tags:
//
//	type Order struct {
//	    ID    string  `json:"id" validate:"required"`
//	    Total float64 `json:"total" validate:"gte=0"`
//	}
//	job.WithSchema(schema.Struct[Order]())
//
// CUE validates by unifying the payload with a CUE constraint:
//
//	s, err := schema.CUE(`n: number & >0`)
//
// Any rejects only malformed JSON.
package schema
