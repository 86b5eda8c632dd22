package sample

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateBarcode(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	bc := GenerateBarcode(TypeDNA, at)
	require.True(t, ValidBarcode(bc), "generated barcode %q should validate", bc)
	assert.Contains(t, bc, "DNA-20260314092653-")

	assert.Contains(t, GenerateBarcode(TypeBlood, at), "BLD-")
	assert.Contains(t, GenerateBarcode(TypeOther, at), "SMP-")
}

func TestValidBarcode(t *testing.T) {
	assert.True(t, ValidBarcode("DNA-20260314092653-0042"))
	assert.True(t, ValidBarcode("SMP-19990101000000-9999"))

	assert.False(t, ValidBarcode("dna-20260314092653-0042")) // lowercase prefix
	assert.False(t, ValidBarcode("DNA-2026031409265-0042"))  // 13-digit timestamp
	assert.False(t, ValidBarcode("DNA-20260314092653-042"))  // 3-digit suffix
	assert.False(t, ValidBarcode("DNA-20260314092653-00421"))
	assert.False(t, ValidBarcode("DNA_20260314092653_0042"))
	assert.False(t, ValidBarcode(""))
}
