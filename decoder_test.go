package redis

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collector gathers decoded replies/pushes/errors for assertions.
type collector struct {
	replies []Value
	pushes  []Value
	errs    []error
}

func newCollectorDecoder() (*collector, *Decoder) {
	c := &collector{}
	d := NewDecoder(
		func(v Value) { c.replies = append(c.replies, v) },
		func(v Value) { c.pushes = append(c.pushes, v) },
		func(err error) { c.errs = append(c.errs, err) },
		nil,
	)
	return c, d
}

func TestDecoder_SimpleString(t *testing.T) {
	c, d := newCollectorDecoder()
	d.Feed([]byte("+OK\r\n"))
	require.Len(t, c.replies, 1)
	assert.Equal(t, KindSimpleString, c.replies[0].Kind)
	assert.Equal(t, "OK", c.replies[0].Str)
}

func TestDecoder_BlobStringAcrossChunks(t *testing.T) {
	c, d := newCollectorDecoder()
	d.Feed([]byte("$5\r\nhe"))
	assert.Empty(t, c.replies, "no reply until the full blob arrives")
	d.Feed([]byte("llo"))
	assert.Empty(t, c.replies, "still missing the trailing CRLF")
	d.Feed([]byte("\r\n"))
	require.Len(t, c.replies, 1)
	assert.Equal(t, KindBlobString, c.replies[0].Kind)
	assert.Equal(t, []byte("hello"), c.replies[0].Bytes)
}

func TestDecoder_ArrayWithNullAndInteger(t *testing.T) {
	c, d := newCollectorDecoder()
	d.Feed([]byte("*3\r\n+a\r\n$-1\r\n:7\r\n"))
	require.Len(t, c.replies, 1)
	v := c.replies[0]
	require.Equal(t, KindArray, v.Kind)
	require.Len(t, v.Array, 3)
	assert.Equal(t, "a", v.Array[0].Str)
	assert.True(t, v.Array[1].Null)
	assert.Equal(t, int64(7), v.Array[2].Int)
}

func TestDecoder_AttributesAttachToNextValueOnly(t *testing.T) {
	c, d := newCollectorDecoder()
	d.Feed([]byte("|1\r\n+ttl\r\n:3600\r\n+OK\r\n"))
	require.Len(t, c.replies, 1)
	v := c.replies[0]
	assert.Equal(t, "OK", v.Str)
	require.NotNil(t, v.Attrs)
	require.Len(t, v.Attrs.Pairs, 1)
	assert.Equal(t, "ttl", v.Attrs.Pairs[0].Key.Str)
	assert.Equal(t, int64(3600), v.Attrs.Pairs[0].Value.Int)
}

func TestDecoder_AttributesDoNotLeakToSecondValue(t *testing.T) {
	c, d := newCollectorDecoder()
	d.Feed([]byte("|1\r\n+k\r\n+v\r\n+X\r\n+Y\r\n"))
	require.Len(t, c.replies, 2)
	assert.NotNil(t, c.replies[0].Attrs)
	assert.Nil(t, c.replies[1].Attrs)
}

func TestDecoder_PushInterleavedWithReplies(t *testing.T) {
	c, d := newCollectorDecoder()
	d.Feed([]byte(">2\r\n+chan\r\n+msg\r\n+PONG\r\n$2\r\nhi\r\n"))
	require.Len(t, c.pushes, 1)
	require.Len(t, c.replies, 2)
	assert.Equal(t, KindPush, c.pushes[0].Kind)
	require.Len(t, c.pushes[0].Array, 2)
	assert.Equal(t, "chan", c.pushes[0].Array[0].Str)
	assert.Equal(t, "msg", c.pushes[0].Array[1].Str)
	assert.Equal(t, "PONG", c.replies[0].Str)
	assert.Equal(t, []byte("hi"), c.replies[1].Bytes)
}

func TestDecoder_FatalResetThenRecovers(t *testing.T) {
	c, d := newCollectorDecoder()
	d.Feed([]byte("?bad\r\n"))
	require.Len(t, c.errs, 1)
	d.Feed([]byte("+OK\r\n"))
	require.Len(t, c.replies, 1)
	assert.Equal(t, "OK", c.replies[0].Str)
}

// S6: bytes trailing a fatal error within the SAME feed are dropped by the
// buffer reset, not queued for the next feed.
func TestDecoder_FatalResetDropsTrailingBytesInSameFeed(t *testing.T) {
	c, d := newCollectorDecoder()
	d.Feed([]byte("?bad\r\n+OK\r\n"))
	require.Len(t, c.errs, 1)
	assert.Empty(t, c.replies)

	d.Feed([]byte("+OK\r\n"))
	require.Len(t, c.replies, 1)
	assert.Equal(t, "OK", c.replies[0].Str)
}

func TestDecoder_EmptyBlobDistinctFromNullBlob(t *testing.T) {
	c, d := newCollectorDecoder()
	d.Feed([]byte("$0\r\n\r\n"))
	d.Feed([]byte("$-1\r\n"))
	require.Len(t, c.replies, 2)
	assert.False(t, c.replies[0].Null)
	assert.Equal(t, []byte{}, c.replies[0].Bytes)
	assert.True(t, c.replies[1].Null)
}

func TestDecoder_NullAggregates(t *testing.T) {
	c, d := newCollectorDecoder()
	d.Feed([]byte("*-1\r\n%-1\r\n~-1\r\n>-1\r\n"))
	require.Len(t, c.replies, 3)
	require.Len(t, c.pushes, 1)
	for _, v := range c.replies {
		assert.True(t, v.Null)
	}
	assert.False(t, c.pushes[0].Null)
	assert.Empty(t, c.pushes[0].Array)
}

func TestDecoder_EmptyMapAndAttributedSimpleString(t *testing.T) {
	c, d := newCollectorDecoder()
	d.Feed([]byte("%0\r\n|0\r\n+OK\r\n"))
	require.Len(t, c.replies, 2)
	assert.Equal(t, KindMap, c.replies[0].Kind)
	assert.Empty(t, c.replies[0].Pairs)
	assert.NotNil(t, c.replies[1].Attrs)
	assert.Empty(t, c.replies[1].Attrs.Pairs)
}

func TestDecoder_DoubleEdgeCases(t *testing.T) {
	c, d := newCollectorDecoder()
	d.Feed([]byte(",inf\r\n,-inf\r\n,nan\r\n,3.0\r\n"))
	require.Len(t, c.replies, 4)
	assert.True(t, c.replies[0].IsInf)
	assert.True(t, c.replies[1].IsNegInf)
	assert.True(t, c.replies[2].IsNaN)
	assert.Equal(t, 3.0, c.replies[3].Float)
}

func TestDecoder_IntegerBoundaries(t *testing.T) {
	c, d := newCollectorDecoder()
	d.Feed([]byte(":-0\r\n"))
	d.Feed([]byte(":9223372036854775807\r\n"))
	require.Len(t, c.replies, 2)
	assert.Equal(t, int64(0), c.replies[0].Int)
	assert.Equal(t, int64(math.MaxInt64), c.replies[1].Int)
}

func TestDecoder_BigNumberFallsBackToLiteral(t *testing.T) {
	c, d := newCollectorDecoder()
	// Not parseable as a base-10 big.Int (embedded separator); falls back
	// to the literal digit string rather than a decode error, per §4.2.
	d.Feed([]byte("(1_234\r\n"))
	require.Len(t, c.replies, 1)
	assert.Nil(t, c.replies[0].BigInt)
	assert.Equal(t, "1_234", c.replies[0].BigLiteral)
	require.Empty(t, c.errs)
}

func TestDecoder_BigNumberParsesNormally(t *testing.T) {
	c, d := newCollectorDecoder()
	d.Feed([]byte("(3492890328409238509324850943850943825024385\r\n"))
	require.Len(t, c.replies, 1)
	require.NotNil(t, c.replies[0].BigInt)
	assert.Equal(t, "3492890328409238509324850943850943825024385", c.replies[0].BigInt.String())
}

func TestDecoder_DecodeErrorCarriesStreamOffset(t *testing.T) {
	c, d := newCollectorDecoder()
	d.Feed([]byte("+a\r\n:1\r\n"))
	require.Empty(t, c.errs)
	d.Feed([]byte("#x\r\n"))
	require.Len(t, c.errs, 1)
	var rerr *Error
	require.ErrorAs(t, c.errs[0], &rerr)
	assert.Equal(t, CodeInvalidBoolean, rerr.Code)
	assert.Equal(t, int64(len("+a\r\n:1\r\n")), rerr.Offset)
}

func TestDecoder_BlobNotTerminatedIsFatal(t *testing.T) {
	c, d := newCollectorDecoder()
	d.Feed([]byte("$3\r\nabcXY"))
	require.Len(t, c.errs, 1)
	var rerr *Error
	require.ErrorAs(t, c.errs[0], &rerr)
	assert.Equal(t, CodeBlobNotTerminated, rerr.Code)
}

func TestDecoder_VerbatimStringDefaultsFormat(t *testing.T) {
	c, d := newCollectorDecoder()
	d.Feed([]byte("=9\r\ntxt:hello\r\n"))
	d.Feed([]byte("=5\r\nhello\r\n"))
	require.Len(t, c.replies, 2)
	assert.Equal(t, "txt", c.replies[0].Format)
	assert.Equal(t, []byte("hello"), c.replies[0].Bytes)
	assert.Equal(t, "txt", c.replies[1].Format, "lenient decode defaults to txt with no colon")
}

func TestDecoder_ChunkBoundaryIndependence(t *testing.T) {
	whole := []byte("+a\r\n:1\r\n$3\r\nfoo\r\n*2\r\n+x\r\n+y\r\n")
	for split := 0; split <= len(whole); split++ {
		c, d := newCollectorDecoder()
		d.Feed(whole[:split])
		d.Feed(whole[split:])
		require.Len(t, c.replies, 4, "split at %d", split)
	}
}

func TestDecoder_BlobErrorNegativeLengthIsEmptyNotFatal(t *testing.T) {
	c, d := newCollectorDecoder()
	d.Feed([]byte("!-1\r\n"))
	require.Len(t, c.replies, 1)
	require.Empty(t, c.errs)
	assert.Equal(t, KindBlobError, c.replies[0].Kind)
}

func TestDecoder_NestedAggregateAttributesAttachToChildOnly(t *testing.T) {
	c, d := newCollectorDecoder()
	d.Feed([]byte("*2\r\n|1\r\n+k\r\n+v\r\n+first\r\n+second\r\n"))
	require.Len(t, c.replies, 1)
	arr := c.replies[0].Array
	require.Len(t, arr, 2)
	require.NotNil(t, arr[0].Attrs)
	assert.Nil(t, arr[1].Attrs)
}
