package redis

import (
	"math"
	"strconv"

	"github.com/spf13/cast"
	"github.com/valyala/bytebufferpool"
)

// Encoder serializes Values and commands back to RESP3 wire bytes, using
// the inverse rules of the Decoder (§4.3). Its growable byte buffer is
// checked out of a shared pool, so short-lived Encoders (the Session
// creates one per command) reuse buffers instead of growing new ones.
type Encoder struct {
	buf *bytebufferpool.ByteBuffer
}

// NewEncoder returns an Encoder backed by a buffer checked out of the shared
// bytebufferpool. Release must be called to return it.
func NewEncoder() *Encoder {
	return &Encoder{buf: bytebufferpool.Get()}
}

// Release returns the underlying buffer to the pool. The Encoder must not
// be used afterward.
func (e *Encoder) Release() {
	bytebufferpool.Put(e.buf)
	e.buf = nil
}

// Reset empties the buffer for reuse without returning it to the pool.
func (e *Encoder) Reset() {
	e.buf.Reset()
}

// Bytes returns the accumulated wire bytes since the last Reset/Release.
func (e *Encoder) Bytes() []byte {
	return e.buf.B
}

func (e *Encoder) writeByte(b byte)      { e.buf.WriteByte(b) }
func (e *Encoder) writeString(s string)  { e.buf.WriteString(s) }
func (e *Encoder) writeBytes(b []byte)   { e.buf.Write(b) }
func (e *Encoder) writeCRLF()            { e.buf.WriteString("\r\n") }
func (e *Encoder) writeInt(n int)        { e.buf.WriteString(strconv.Itoa(n)) }

// Encode appends the wire representation of v, including its Attrs sidecar
// (emitted first, per §4.3 "Attributes on a value").
func (e *Encoder) Encode(v Value) error {
	if v.Attrs != nil {
		if err := e.encodeAttributes(*v.Attrs); err != nil {
			return err
		}
	}
	return e.encodeValue(v)
}

func (e *Encoder) encodeAttributes(a Attributes) error {
	e.writeByte('|')
	e.writeInt(len(a.Pairs))
	e.writeCRLF()
	for _, p := range a.Pairs {
		if err := e.encodeValue(p.Key); err != nil {
			return err
		}
		if err := e.encodeValue(p.Value); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) encodeValue(v Value) error {
	switch v.Kind {
	case KindSimpleString:
		e.writeByte('+')
		e.writeString(v.Str)
		e.writeCRLF()
	case KindError:
		e.writeByte('-')
		e.writeString(joinCodeMessage(v.Code, v.Message))
		e.writeCRLF()
	case KindInteger:
		e.writeByte(':')
		if v.BigInt != nil {
			e.writeString(v.BigInt.String())
		} else {
			e.writeString(strconv.FormatInt(v.Int, 10))
		}
		e.writeCRLF()
	case KindDouble:
		e.writeByte(',')
		e.writeString(formatDouble(v))
		e.writeCRLF()
	case KindBigNumber:
		e.writeByte('(')
		if v.BigInt != nil {
			e.writeString(v.BigInt.String())
		} else {
			e.writeString(v.BigLiteral)
		}
		e.writeCRLF()
	case KindBoolean:
		e.writeByte('#')
		if v.Bool {
			e.writeByte('t')
		} else {
			e.writeByte('f')
		}
		e.writeCRLF()
	case KindNull:
		e.writeByte('_')
		e.writeCRLF()
	case KindBlobString:
		e.writeByte('$')
		return e.encodeBlobBody(v.Null, v.Bytes)
	case KindBlobError:
		e.writeByte('!')
		body := v.Bytes
		if body == nil && (v.Code != "" || v.Message != "") {
			body = []byte(joinCodeMessage(v.Code, v.Message))
		}
		return e.encodeBlobBody(false, body)
	case KindVerbatimString:
		e.writeByte('=')
		if v.Null {
			return e.encodeBlobBody(true, nil)
		}
		format := v.Format
		if format == "" {
			format = "txt"
		}
		body := append([]byte(format+":"), v.Bytes...)
		return e.encodeBlobBody(false, body)
	case KindArray:
		return e.encodeAggregate('*', v.Null, v.Array)
	case KindSet:
		return e.encodeAggregate('~', v.Null, v.Set)
	case KindPush:
		return e.encodeAggregate('>', false, v.Array)
	case KindMap:
		return e.encodeMap(v.Null, v.Pairs)
	default:
		return newError(CodeDecodeError, "cannot encode unknown kind")
	}
	return nil
}

func joinCodeMessage(code, message string) string {
	if code == "" {
		return message
	}
	return code + " " + message
}

func (e *Encoder) encodeBlobBody(isNull bool, body []byte) error {
	if isNull {
		e.writeString("-1")
		e.writeCRLF()
		return nil
	}
	e.writeInt(len(body))
	e.writeCRLF()
	e.writeBytes(body)
	e.writeCRLF()
	return nil
}

func (e *Encoder) encodeAggregate(prefix byte, isNull bool, elems []Value) error {
	e.writeByte(prefix)
	if isNull {
		e.writeString("-1")
		e.writeCRLF()
		return nil
	}
	e.writeInt(len(elems))
	e.writeCRLF()
	for _, el := range elems {
		if err := e.Encode(el); err != nil {
			return err
		}
	}
	return nil
}

func (e *Encoder) encodeMap(isNull bool, pairs []Pair) error {
	e.writeByte('%')
	if isNull {
		e.writeString("-1")
		e.writeCRLF()
		return nil
	}
	e.writeInt(len(pairs))
	e.writeCRLF()
	for _, p := range pairs {
		if err := e.Encode(p.Key); err != nil {
			return err
		}
		if err := e.Encode(p.Value); err != nil {
			return err
		}
	}
	return nil
}

func formatDouble(v Value) string {
	switch {
	case v.IsNaN:
		return "nan"
	case v.IsInf:
		return "inf"
	case v.IsNegInf:
		return "-inf"
	default:
		return strconv.FormatFloat(v.Float, 'g', -1, 64)
	}
}

// EncodeCommand appends the wire form of a command request: an array of
// blob strings, per §4.3 "Command encoding" and §6.1. Arguments are
// coerced: text to UTF-8 bytes, integers to ASCII decimal, bytes passed
// through, booleans to the literal "t"/"f", finite floats to decimal, and
// other values stringified via cast. A non-finite float, or a value cast
// cannot stringify, is rejected with an error.
func (e *Encoder) EncodeCommand(verb string, args ...interface{}) error {
	e.writeByte('*')
	e.writeInt(len(args) + 1)
	e.writeCRLF()
	e.writeByte('$')
	if err := e.encodeBlobBody(false, []byte(verb)); err != nil {
		return err
	}
	for _, a := range args {
		tok, err := coerceArg(a)
		if err != nil {
			return err
		}
		e.writeByte('$')
		if err := e.encodeBlobBody(false, tok); err != nil {
			return err
		}
	}
	return nil
}

// EncodeSequence appends the wire form of each value in order.
func (e *Encoder) EncodeSequence(values []Value) error {
	for _, v := range values {
		if err := e.Encode(v); err != nil {
			return err
		}
	}
	return nil
}

func coerceArg(a interface{}) ([]byte, error) {
	switch t := a.(type) {
	case []byte:
		return t, nil
	case bool:
		if t {
			return []byte("t"), nil
		}
		return []byte("f"), nil
	case float32, float64:
		f, _ := cast.ToFloat64E(t)
		if math.IsInf(f, 0) || math.IsNaN(f) {
			return nil, newError(CodeInvalidNumeric, "non-finite argument")
		}
		return []byte(strconv.FormatFloat(f, 'f', -1, 64)), nil
	default:
		s, err := cast.ToStringE(a)
		if err != nil {
			return nil, wrapError(CodeInvalidOption, "unsupported argument type", err)
		}
		return []byte(s), nil
	}
}
