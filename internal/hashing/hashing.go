package hashing

import (
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"errors"

	"github.com/gowebpki/jcs"
)

// Calculate returns the hex-encoded SHA-512 of the given bytes.
func Calculate(data []byte) string {
	h := sha512.Sum512(data)
	return hex.EncodeToString(h[:])
}

// CalculateFromStr hashes a string value.
func CalculateFromStr(data string) string {
	return Calculate([]byte(data))
}

// CalculateDocument hashes a JSON document after JCS canonicalization, so
// equal documents hash equally regardless of key order.
func CalculateDocument(doc map[string]interface{}) (string, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return "", errors.New("failed to marshal the document: " + err.Error())
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", errors.New("failed to canonicalize the document: " + err.Error())
	}
	return Calculate(canonical), nil
}
