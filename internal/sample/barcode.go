package sample

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"
	"time"
)

// Barcodes are PREFIX-TIMESTAMP-SUFFIX: an uppercase type prefix, a 14-digit
// UTC timestamp (yyyymmddhhmmss), and a 4-digit random suffix.
var barcodePattern = regexp.MustCompile(`^[A-Z]+-\d{14}-\d{4}$`)

// ValidBarcode reports whether s matches the barcode format.
func ValidBarcode(s string) bool { return barcodePattern.MatchString(s) }

// barcodePrefixes maps sample types to their barcode prefix.
var barcodePrefixes = map[Type]string{
	TypeDNA:    "DNA",
	TypeRNA:    "RNA",
	TypeBlood:  "BLD",
	TypePlasma: "PLS",
	TypeSerum:  "SER",
	TypeSaliva: "SAL",
	TypeTissue: "TIS",
	TypeSwab:   "SWB",
	TypeOther:  "SMP",
}

// GenerateBarcode builds a fresh barcode for the given type at now. The
// random suffix disambiguates same-second creations; the store's unique index
// is the real duplicate guard.
func GenerateBarcode(sampleType Type, now time.Time) string {
	prefix, ok := barcodePrefixes[sampleType]
	if !ok {
		prefix = "SMP"
	}
	n, err := rand.Int(rand.Reader, big.NewInt(10000))
	suffix := int64(0)
	if err == nil {
		suffix = n.Int64()
	}
	return fmt.Sprintf("%s-%s-%04d", prefix, now.UTC().Format("20060102150405"), suffix)
}
