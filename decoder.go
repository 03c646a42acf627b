package redis

import (
	"errors"
	"math/big"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// errNeedMore is the internal sentinel a parse step returns when the buffer
// does not yet hold a complete unit. It never escapes the package: Feed
// either makes progress or stops silently until the next call, per §4.2
// "Resumption".
var errNeedMore = errors.New("redis: need more bytes")

// frameKind distinguishes the aggregate under construction on the Decoder's
// frame stack.
type frameKind uint8

const (
	frameArray frameKind = iota
	frameMap
	frameSet
	framePush
	frameAttrs
)

// frame is one in-progress aggregate context, per §3.2 "Decoder Frame
// Stack". remaining counts raw child values still required (2× the pair
// count for maps/attributes).
type frame struct {
	kind      frameKind
	remaining int
	children  []Value
	decor     *Attributes // attributes pending immediately before this aggregate's own header
}

// special marks what a single parse step accomplished when it didn't
// directly yield a deliverable value.
type special uint8

const (
	specialNone special = iota
	specialPushedFrame
	specialAttrsSet
)

// Decoder incrementally parses RESP3 frames out of arbitrary byte chunks.
// It is single-owner: exactly one goroutine may call Feed at a time (the
// owning Session serializes this), per §5 "Shared-resource policy".
type Decoder struct {
	buf          []byte
	stack        []*frame
	pendingAttrs *Attributes

	// consumed is the total number of bytes permanently removed from buf
	// across this Decoder's lifetime: the byte offset, in the decoded
	// stream, at which the item currently being parsed begins. Surfaced on
	// protocol errors per §7.
	consumed int64

	onReply func(Value)
	onPush  func(Value)
	onError func(error)

	log *zap.Logger
}

// NewDecoder constructs a Decoder. onPush may be nil, in which case push
// frames fall back to onReply per §4.2.
func NewDecoder(onReply func(Value), onPush func(Value), onError func(error), log *zap.Logger) *Decoder {
	if log == nil {
		log = zap.NewNop()
	}
	if onPush == nil {
		onPush = onReply
	}
	return &Decoder{onReply: onReply, onPush: onPush, onError: onError, log: log}
}

// Feed appends p to the internal buffer and drives the parser until no
// further progress is possible (a partial value is pending) or a fatal
// decode error resets the decoder. Safe to call with an empty or nil p to
// resume draining previously-buffered bytes.
func (d *Decoder) Feed(p []byte) {
	if len(p) > 0 {
		d.buf = append(d.buf, p...)
	}
	for d.step() {
	}
}

// step attempts exactly one unit of parsing: either a brand new top-level
// value (empty stack) or the next child required by the top frame. It
// returns true if it made progress and the loop should continue.
func (d *Decoder) step() bool {
	if len(d.buf) == 0 {
		return false
	}
	v, n, sp, err := d.parseItem(d.buf)
	if err != nil {
		if errors.Is(err, errNeedMore) {
			return false
		}
		d.fatal(err)
		return false
	}
	d.buf = d.buf[n:]
	d.consumed += int64(n)

	switch sp {
	case specialPushedFrame, specialAttrsSet:
		return true
	default:
		v.Attrs = d.takePendingAttrs()
		d.deliver(v)
		return true
	}
}

// fatal implements the "Fatal reset policy": drop the buffer, clear the
// frame stack and pending attributes, and surface the error. The decoder
// keeps running; the next Feed starts fresh.
func (d *Decoder) fatal(err error) {
	d.log.Warn("resp3 decode error, resetting", zap.Error(err))
	d.buf = nil
	d.stack = nil
	d.pendingAttrs = nil
	if d.onError != nil {
		d.onError(err)
	}
}

// errAt builds a protocol error tagged with the stream offset of the item
// currently being parsed (i.e. before any bytes of it were consumed).
func (d *Decoder) errAt(code Code, msg string) *Error {
	return newDecodeErrorAt(code, msg, d.consumed)
}

func (d *Decoder) takePendingAttrs() *Attributes {
	a := d.pendingAttrs
	d.pendingAttrs = nil
	return a
}

// deliver hands a completed value to its destination: if the frame stack is
// empty, it's a top-level reply/push; otherwise it becomes the next child
// of the top frame, possibly cascading through one or more finalizations.
func (d *Decoder) deliver(v Value) {
	for {
		if len(d.stack) == 0 {
			d.emit(v)
			return
		}
		top := d.stack[len(d.stack)-1]
		top.children = append(top.children, v)
		top.remaining--
		if top.remaining > 0 {
			return
		}

		d.stack = d.stack[:len(d.stack)-1]
		if top.kind == frameAttrs {
			d.pendingAttrs = attrsFromChildren(top.children)
			return
		}
		v = buildAggregateValue(top)
	}
}

func (d *Decoder) emit(v Value) {
	if v.Kind == KindPush {
		d.onPush(v)
		return
	}
	d.onReply(v)
}

func attrsFromChildren(children []Value) *Attributes {
	pairs := make([]Pair, 0, len(children)/2)
	for i := 0; i+1 < len(children); i += 2 {
		pairs = append(pairs, Pair{Key: children[i], Value: children[i+1]})
	}
	return &Attributes{Pairs: pairs}
}

func buildAggregateValue(f *frame) Value {
	v := Value{Attrs: f.decor}
	switch f.kind {
	case frameArray:
		v.Kind = KindArray
		v.Array = f.children
	case frameSet:
		v.Kind = KindSet
		v.Set = f.children
	case framePush:
		v.Kind = KindPush
		v.Array = f.children
	case frameMap:
		v.Kind = KindMap
		v.Pairs = pairsFromChildren(f.children)
	}
	return v
}

func pairsFromChildren(children []Value) []Pair {
	pairs := make([]Pair, 0, len(children)/2)
	for i := 0; i+1 < len(children); i += 2 {
		pairs = append(pairs, Pair{Key: children[i], Value: children[i+1]})
	}
	return pairs
}

// parseItem parses exactly one header-or-leaf unit starting at data[0].
// It never consumes bytes unless the whole unit is present; on NeedMore it
// returns a zero n (rollback is implicit: the caller hasn't advanced buf).
func (d *Decoder) parseItem(data []byte) (Value, int, special, error) {
	switch data[0] {
	case '+':
		return d.parseSimpleString(data)
	case '-':
		return d.parseError(data)
	case ':':
		return d.parseInteger(data)
	case ',':
		return d.parseDouble(data)
	case '(':
		return d.parseBigNumber(data)
	case '#':
		return d.parseBoolean(data)
	case '_':
		return d.parseNull(data)
	case '$':
		return d.parseBlobString(data)
	case '!':
		return d.parseBlobError(data)
	case '=':
		return d.parseVerbatimString(data)
	case '*':
		return d.parseAggregateHeader(data, frameArray, KindArray)
	case '%':
		return d.parseAggregateHeader(data, frameMap, KindMap)
	case '~':
		return d.parseAggregateHeader(data, frameSet, KindSet)
	case '>':
		return d.parseAggregateHeader(data, framePush, KindPush)
	case '|':
		return d.parseAttributesHeader(data)
	default:
		return Value{}, 0, specialNone, d.errAt(CodeUnexpectedPrefix, "unexpected RESP3 prefix byte "+strconv.Itoa(int(data[0])))
	}
}

// scanLine locates the line content between the prefix byte at data[0] and
// the first "\r\n". It requires the terminator to be literally present
// (forward scan) and refuses (NeedMore) otherwise, per §4.2.
func scanLine(data []byte) (content []byte, consumed int, ok bool) {
	idx := indexCRLF(data[1:])
	if idx < 0 {
		return nil, 0, false
	}
	return data[1 : 1+idx], 1 + idx + 2, true
}

func indexCRLF(b []byte) int {
	for i := 0; i+1 < len(b); i++ {
		if b[i] == '\r' && b[i+1] == '\n' {
			return i
		}
	}
	return -1
}

func (d *Decoder) parseSimpleString(data []byte) (Value, int, special, error) {
	content, n, ok := scanLine(data)
	if !ok {
		return Value{}, 0, specialNone, errNeedMore
	}
	return Value{Kind: KindSimpleString, Str: string(content)}, n, specialNone, nil
}

func (d *Decoder) parseError(data []byte) (Value, int, special, error) {
	content, n, ok := scanLine(data)
	if !ok {
		return Value{}, 0, specialNone, errNeedMore
	}
	se := splitServerError(string(content))
	return Value{Kind: KindError, Code: se.Code, Message: se.Message}, n, specialNone, nil
}

func (d *Decoder) parseInteger(data []byte) (Value, int, special, error) {
	content, n, ok := scanLine(data)
	if !ok {
		return Value{}, 0, specialNone, errNeedMore
	}
	s := string(content)
	if iv, err := strconv.ParseInt(s, 10, 64); err == nil {
		return Value{Kind: KindInteger, Int: iv}, n, specialNone, nil
	}
	if bi, ok := new(big.Int).SetString(s, 10); ok {
		return Value{Kind: KindInteger, BigInt: bi}, n, specialNone, nil
	}
	return Value{}, 0, specialNone, d.errAt(CodeInvalidNumeric, "invalid integer "+quoteLine(content))
}

func (d *Decoder) parseDouble(data []byte) (Value, int, special, error) {
	content, n, ok := scanLine(data)
	if !ok {
		return Value{}, 0, specialNone, errNeedMore
	}
	s := string(content)
	switch strings.ToLower(s) {
	case "inf", "+inf":
		return Value{Kind: KindDouble, IsInf: true}, n, specialNone, nil
	case "-inf":
		return Value{Kind: KindDouble, IsNegInf: true}, n, specialNone, nil
	case "nan":
		return Value{Kind: KindDouble, IsNaN: true}, n, specialNone, nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Value{}, 0, specialNone, d.errAt(CodeInvalidNumeric, "invalid double "+quoteLine(content))
	}
	return Value{Kind: KindDouble, Float: f}, n, specialNone, nil
}

func (d *Decoder) parseBigNumber(data []byte) (Value, int, special, error) {
	content, n, ok := scanLine(data)
	if !ok {
		return Value{}, 0, specialNone, errNeedMore
	}
	s := string(content)
	if bi, ok := new(big.Int).SetString(s, 10); ok {
		return Value{Kind: KindBigNumber, BigInt: bi}, n, specialNone, nil
	}
	// Not big-int-parseable (e.g. an embedded '_'): fall back to the literal
	// digit string. Per §4.2 this is NOT a decode error.
	return Value{Kind: KindBigNumber, BigLiteral: s}, n, specialNone, nil
}

func (d *Decoder) parseBoolean(data []byte) (Value, int, special, error) {
	content, n, ok := scanLine(data)
	if !ok {
		return Value{}, 0, specialNone, errNeedMore
	}
	if len(content) != 1 {
		return Value{}, 0, specialNone, d.errAt(CodeInvalidBoolean, "invalid boolean "+quoteLine(content))
	}
	switch content[0] {
	case 't':
		return Value{Kind: KindBoolean, Bool: true}, n, specialNone, nil
	case 'f':
		return Value{Kind: KindBoolean, Bool: false}, n, specialNone, nil
	default:
		return Value{}, 0, specialNone, d.errAt(CodeInvalidBoolean, "invalid boolean "+quoteLine(content))
	}
}

func (d *Decoder) parseNull(data []byte) (Value, int, special, error) {
	content, n, ok := scanLine(data)
	if !ok {
		return Value{}, 0, specialNone, errNeedMore
	}
	if len(content) != 0 {
		return Value{}, 0, specialNone, d.errAt(CodeDecodeError, "non-empty null body "+quoteLine(content))
	}
	return Value{Kind: KindNull, Null: true}, n, specialNone, nil
}

// readBlobFraming reads the `$<len>\r\n<payload>\r\n` shape (shared by
// blob_string, blob_error, and verbatim_string). length -1 means null and
// yields no payload/terminator to check.
func (d *Decoder) readBlobFraming(data []byte) (payload []byte, n int, isNull bool, ok bool, err error) {
	content, headerN, ok2 := scanLine(data)
	if !ok2 {
		return nil, 0, false, false, nil
	}
	length, perr := strconv.Atoi(string(content))
	if perr != nil {
		return nil, 0, false, false, d.errAt(CodeInvalidLength, "invalid bulk length "+quoteLine(content))
	}
	if length == -1 {
		return nil, headerN, true, true, nil
	}
	if length < 0 {
		return nil, 0, false, false, d.errAt(CodeInvalidLength, "invalid bulk length "+strconv.Itoa(length))
	}
	need := headerN + length + 2
	if len(data) < need {
		return nil, 0, false, false, nil // NeedMore
	}
	body := data[headerN : headerN+length]
	if data[headerN+length] != '\r' || data[headerN+length+1] != '\n' {
		return nil, 0, false, false, d.errAt(CodeBlobNotTerminated, "blob not terminated by CRLF")
	}
	return body, need, false, true, nil
}

func (d *Decoder) parseBlobString(data []byte) (Value, int, special, error) {
	payload, n, isNull, ok, err := d.readBlobFraming(data)
	if err != nil {
		return Value{}, 0, specialNone, err
	}
	if !ok {
		return Value{}, 0, specialNone, errNeedMore
	}
	if isNull {
		return Value{Kind: KindBlobString, Null: true}, n, specialNone, nil
	}
	return Value{Kind: KindBlobString, Bytes: append([]byte(nil), payload...)}, n, specialNone, nil
}

func (d *Decoder) parseBlobError(data []byte) (Value, int, special, error) {
	payload, n, isNull, ok, err := d.readBlobFraming(data)
	if err != nil {
		return Value{}, 0, specialNone, err
	}
	if !ok {
		return Value{}, 0, specialNone, errNeedMore
	}
	if isNull {
		// Contradictory per spec §9 Open Question 3: decode as an
		// empty-message blob error rather than a decode error.
		return Value{Kind: KindBlobError}, n, specialNone, nil
	}
	se := splitServerError(string(payload))
	return Value{Kind: KindBlobError, Code: se.Code, Message: se.Message, Bytes: append([]byte(nil), payload...)}, n, specialNone, nil
}

func (d *Decoder) parseVerbatimString(data []byte) (Value, int, special, error) {
	payload, n, isNull, ok, err := d.readBlobFraming(data)
	if err != nil {
		return Value{}, 0, specialNone, err
	}
	if !ok {
		return Value{}, 0, specialNone, errNeedMore
	}
	if isNull {
		return Value{Kind: KindVerbatimString, Null: true}, n, specialNone, nil
	}
	// Lenient decode: format defaults to "txt" when no colon separator is
	// present, per §3.1.
	format := "txt"
	body := payload
	if len(payload) >= 4 && payload[3] == ':' {
		format = string(payload[:3])
		body = payload[4:]
	}
	return Value{Kind: KindVerbatimString, Format: format, Bytes: append([]byte(nil), body...)}, n, specialNone, nil
}

func (d *Decoder) parseAggregateHeader(data []byte, fk frameKind, kind Kind) (Value, int, special, error) {
	content, n, ok := scanLine(data)
	if !ok {
		return Value{}, 0, specialNone, errNeedMore
	}
	count, err := strconv.Atoi(string(content))
	if err != nil {
		return Value{}, 0, specialNone, d.errAt(CodeInvalidLength, "invalid aggregate length "+quoteLine(content))
	}
	if count == -1 {
		if fk == framePush {
			// push has no null form: a -1 length decodes as empty push.
			return Value{Kind: KindPush, Array: []Value{}}, n, specialNone, nil
		}
		return Value{Kind: kind, Null: true}, n, specialNone, nil
	}
	if count < -1 {
		return Value{}, 0, specialNone, d.errAt(CodeInvalidLength, "invalid aggregate length "+strconv.Itoa(count))
	}
	remaining := count
	if fk == frameMap {
		remaining = count * 2
	}
	if remaining == 0 {
		return emptyAggregate(kind), n, specialNone, nil
	}
	d.stack = append(d.stack, &frame{
		kind:      fk,
		remaining: remaining,
		children:  make([]Value, 0, remaining),
		decor:     d.takePendingAttrs(),
	})
	return Value{}, n, specialPushedFrame, nil
}

func emptyAggregate(kind Kind) Value {
	switch kind {
	case KindArray:
		return Value{Kind: KindArray, Array: []Value{}}
	case KindSet:
		return Value{Kind: KindSet, Set: []Value{}}
	case KindMap:
		return Value{Kind: KindMap, Pairs: []Pair{}}
	case KindPush:
		return Value{Kind: KindPush, Array: []Value{}}
	default:
		return Value{Kind: kind}
	}
}

func (d *Decoder) parseAttributesHeader(data []byte) (Value, int, special, error) {
	content, n, ok := scanLine(data)
	if !ok {
		return Value{}, 0, specialNone, errNeedMore
	}
	count, err := strconv.Atoi(string(content))
	if err != nil {
		return Value{}, 0, specialNone, d.errAt(CodeInvalidLength, "invalid attributes length "+quoteLine(content))
	}
	if count < 0 {
		return Value{}, 0, specialNone, d.errAt(CodeInvalidLength, "invalid attributes length "+strconv.Itoa(count))
	}
	if count == 0 {
		d.pendingAttrs = &Attributes{}
		return Value{}, n, specialAttrsSet, nil
	}
	d.stack = append(d.stack, &frame{
		kind:      frameAttrs,
		remaining: count * 2,
		children:  make([]Value, 0, count*2),
	})
	return Value{}, n, specialPushedFrame, nil
}

func quoteLine(b []byte) string {
	return strconv.Quote(string(b))
}
