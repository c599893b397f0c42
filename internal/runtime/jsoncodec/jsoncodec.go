// Package jsoncodec is the JSON wire codec for envelopes and HTTP bodies.
package jsoncodec

import (
	"io"

	"github.com/bytedance/sonic"
)

// ContentType is the MIME type of every body produced by this package.
const ContentType = "application/json"

var defaultConfig = sonic.ConfigStd

func Marshal(v any) ([]byte, error) {
	return defaultConfig.Marshal(v)
}

func Unmarshal(data []byte, v any) error {
	return defaultConfig.Unmarshal(data, v)
}

// Valid reports whether data is a single well-formed JSON value.
func Valid(data []byte) bool {
	return defaultConfig.Valid(data)
}

func Encode(w io.Writer, v any) error {
	return defaultConfig.NewEncoder(w).Encode(v)
}

// Decode reads one JSON value from r, rejecting unknown fields when strict is set.
func Decode(r io.Reader, v any, strict bool) error {
	dec := defaultConfig.NewDecoder(r)
	if strict {
		dec.DisallowUnknownFields()
	}
	return dec.Decode(v)
}
