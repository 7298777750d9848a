package hashing_test

import (
	"testing"

	"policy-engine/internal/hashing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCalculate(t *testing.T) {
	output := hashing.Calculate([]byte("mala agatka"))
	assert.Equal(t,
		"3768b1bbee7097f5c98f0b2cfc516ae08e0e442ae333b4d7a3648d1e9d798e7e42a734cb48570d379af3c38df5996febc9a0cc1c8c7356ee8926e1b88aeeff15",
		output)
}

func TestCalculateDocumentKeyOrderIndependent(t *testing.T) {
	a := map[string]interface{}{"b": 2.0, "a": "x", "nested": map[string]interface{}{"z": true, "y": 1.0}}
	b := map[string]interface{}{"nested": map[string]interface{}{"y": 1.0, "z": true}, "a": "x", "b": 2.0}

	hashA, err := hashing.CalculateDocument(a)
	require.NoError(t, err)
	hashB, err := hashing.CalculateDocument(b)
	require.NoError(t, err)

	assert.Equal(t, hashA, hashB)
	assert.Len(t, hashA, 128)
}
