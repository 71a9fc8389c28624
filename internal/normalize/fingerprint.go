package normalize

import (
	"encoding/binary"
	"fmt"
	"math"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Fingerprint serializes a tree into its canonical byte form (sorted
// keys, type-tagged scalar encodings) and digests it with xxhash64.
// This is a change-detection signal, not a security boundary; 64 bits
// and a fast hash are the point. Trees that are equal under
// key-order-independent comparison always digest identically.
func Fingerprint(t Tree) string {
	d := xxhash.New()
	writeTree(d, t)
	return fmt.Sprintf("%016x", d.Sum64())
}

func writeTree(d *xxhash.Digest, t Tree) {
	switch v := t.(type) {
	case Map:
		d.WriteString("m{")
		for _, k := range SortedKeys(v) {
			writeString(d, k)
			d.WriteString(":")
			writeTree(d, v[k])
		}
		d.WriteString("}")
	case List:
		d.WriteString("l[")
		for _, item := range v {
			writeTree(d, item)
			d.WriteString(",")
		}
		d.WriteString("]")
	case Scalar:
		writeScalar(d, v.V)
	}
}

func writeScalar(d *xxhash.Digest, v any) {
	switch val := v.(type) {
	case nil:
		d.WriteString("n")
	case bool:
		if val {
			d.WriteString("b1")
		} else {
			d.WriteString("b0")
		}
	case int64:
		d.WriteString("i")
		d.WriteString(strconv.FormatInt(val, 10))
	case float64:
		d.WriteString("f")
		var buf [8]byte
		binary.BigEndian.PutUint64(buf[:], math.Float64bits(val))
		d.Write(buf[:])
	case string:
		writeString(d, val)
	default:
		// FromValue rejects anything else, so this is unreachable with
		// a well-formed tree.
		d.WriteString(fmt.Sprintf("?%T", v))
	}
}

// writeString length-prefixes so "ab"+"c" and "a"+"bc" cannot collide.
func writeString(d *xxhash.Digest, s string) {
	d.WriteString("s")
	d.WriteString(strconv.Itoa(len(s)))
	d.WriteString(":")
	d.WriteString(s)
}
