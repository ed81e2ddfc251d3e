// Package jsonx is the JSON codec used across the service, backed by Sonic.
package jsonx

import (
	"fmt"
	"io"
	"net/http"

	"github.com/bytedance/sonic"
)

// api mirrors encoding/json behaviour except for HTML escaping, which the
// review surface never needs.
var api = sonic.Config{
	EscapeHTML:       false,
	CompactMarshaler: true,
	ValidateString:   true,
}.Froze()

// MaxBodyBytes bounds request bodies read through DecodeRequest.
const MaxBodyBytes = 1 << 20

// Marshal returns the JSON encoding of v.
func Marshal(v interface{}) ([]byte, error) {
	return api.Marshal(v)
}

// MarshalIndent is Marshal with indentation, used for CLI output.
func MarshalIndent(v interface{}, prefix, indent string) ([]byte, error) {
	return api.MarshalIndent(v, prefix, indent)
}

// Unmarshal parses JSON-encoded data into v.
func Unmarshal(data []byte, v interface{}) error {
	return api.Unmarshal(data, v)
}

// MarshalToString is like Marshal but returns a string.
func MarshalToString(v interface{}) (string, error) {
	return api.MarshalToString(v)
}

// UnmarshalFromString parses a JSON string into v.
func UnmarshalFromString(data string, v interface{}) error {
	return api.UnmarshalFromString(data, v)
}

// Valid reports whether data is valid JSON.
func Valid(data []byte) bool {
	return api.Valid(data)
}

// Encode writes v followed by a newline.
func Encode(w io.Writer, v interface{}) error {
	data, err := api.Marshal(v)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}

// DecodeRequest reads a bounded request body into v. An empty body leaves v
// untouched.
func DecodeRequest(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(r.Body, MaxBodyBytes+1))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(data) > MaxBodyBytes {
		return fmt.Errorf("body exceeds %d bytes", MaxBodyBytes)
	}
	if len(data) == 0 {
		return nil
	}
	return api.Unmarshal(data, v)
}
