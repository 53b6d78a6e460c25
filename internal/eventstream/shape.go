package eventstream

import (
	"bytes"
	"encoding/json"
)

// ShapeFunc reports whether a payload has the form expected for a category.
// It is only called with syntactically valid JSON.
type ShapeFunc func(payload []byte) bool

// IsObject accepts a JSON object.
func IsObject(payload []byte) bool {
	return firstByte(payload) == '{'
}

// IsArrayOrObject accepts a JSON array or object.
func IsArrayOrObject(payload []byte) bool {
	c := firstByte(payload)
	return c == '{' || c == '['
}

// AnyJSON accepts every valid JSON value.
func AnyJSON([]byte) bool { return true }

func firstByte(payload []byte) byte {
	trimmed := bytes.TrimLeft(payload, " \t\r\n")
	if len(trimmed) == 0 {
		return 0
	}
	return trimmed[0]
}

// defaultShapes are the categories the remote collector is known to send.
func defaultShapes() map[string]ShapeFunc {
	return map[string]ShapeFunc{
		"system":   IsObject,
		"docker":   IsArrayOrObject,
		"services": IsArrayOrObject,
	}
}

func validPayload(payload []byte, shape ShapeFunc) bool {
	if !json.Valid(payload) {
		return false
	}
	return shape(payload)
}
