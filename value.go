package redis

import "math/big"

// Kind tags the variant held by a Value.
type Kind uint8

const (
	KindSimpleString Kind = iota
	KindError
	KindInteger
	KindDouble
	KindBigNumber
	KindBoolean
	KindNull
	KindBlobString
	KindBlobError
	KindVerbatimString
	KindArray
	KindMap
	KindSet
	KindPush
)

func (k Kind) String() string {
	switch k {
	case KindSimpleString:
		return "simple_string"
	case KindError:
		return "error"
	case KindInteger:
		return "integer"
	case KindDouble:
		return "double"
	case KindBigNumber:
		return "big_number"
	case KindBoolean:
		return "boolean"
	case KindNull:
		return "null"
	case KindBlobString:
		return "blob_string"
	case KindBlobError:
		return "blob_error"
	case KindVerbatimString:
		return "verbatim_string"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	case KindSet:
		return "set"
	case KindPush:
		return "push"
	default:
		return "unknown"
	}
}

// Pair is one key/value entry of a Map or an Attributes sidecar.
type Pair struct {
	Key   Value
	Value Value
}

// Attributes is the ordered key/value sidecar (RESP3 `|`) decorating the
// value it was read immediately before. It is never surfaced as an
// independent top-level value.
type Attributes struct {
	Pairs []Pair
}

// Value is a RESP3 value: a tagged union over every wire type in §3.1,
// carrying an optional Attributes sidecar. Rather than reproduce the
// source's sentinel-null-for-attributes workaround, every decoded value
// travels as this single (Kind, payload, Attrs) struct.
type Value struct {
	Kind Kind

	// Null distinguishes a null blob_string/array/map/set from an empty
	// one of the same Kind (blob_string "" vs blob_string(nil), etc).
	Null bool

	// scalar payloads; only the field matching Kind is meaningful.
	Str     string // simple_string text
	Code    string // error/blob_error leading token, split on first space
	Message string // error/blob_error remainder
	Int     int64  // integer, when it fits in int64
	BigInt  *big.Int // integer overflow, or big_number when parseable as one
	BigLiteral string // big_number fallback: the raw digit string, when not parseable as a big.Int
	Float   float64 // double
	IsInf   bool    // double: +inf
	IsNegInf bool   // double: -inf
	IsNaN   bool    // double: nan
	Bool    bool    // boolean
	Bytes   []byte  // blob_string / blob_error payload
	Format  string  // verbatim_string format tag, e.g. "txt", "mkd", "html"

	Array []Value // array / push elements
	Set   []Value // set members
	Pairs []Pair  // map entries

	Attrs *Attributes
}

// HasBigInt reports whether v carries a *big.Int: an integer that exceeded
// the native int64 range, or any big_number parseable as a base-10 integer,
// whatever its size (see SPEC_FULL.md Open Question 1).
func (v Value) HasBigInt() bool { return v.BigInt != nil }

// IsNullAggregate reports whether v is a null array/map/set (the RESP2
// null-aggregate legacy decode of a `-1` length header).
func (v Value) IsNullAggregate() bool {
	switch v.Kind {
	case KindArray, KindMap, KindSet:
		return v.Null
	default:
		return false
	}
}
