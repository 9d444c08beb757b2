// Package codec serialises gateway frames in JSON or MessagePack, with optional zlib streaming compression. A Codec is
// bound to a single connection: the encoding is fixed at handshake and the compressor, when present, lives for the
// whole connection so the peer can feed a single inflate stream.
package codec

import (
	"bytes"
	"compress/zlib"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
)

// Supported payload encodings, selected by the `encoding` query parameter.
const (
	EncodingJSON    = "json"
	EncodingMsgpack = "msgpack"
)

// ErrBadFrame indicates an inbound message that could not be decoded. The session maps it to close code 4002.
var ErrBadFrame = errors.New("invalid frame payload")

// ValidEncoding reports whether the given encoding name is supported.
func ValidEncoding(encoding string) bool {
	return encoding == EncodingJSON || encoding == EncodingMsgpack
}

// Frame is the outbound envelope. Event frames (op 0) carry a type and sequence number; control frames leave both
// unset.
type Frame struct {
	Op   int     `json:"op" msgpack:"op"`
	Type *string `json:"t,omitempty" msgpack:"t,omitempty"`
	Seq  *uint64 `json:"s,omitempty" msgpack:"s,omitempty"`
	Data any     `json:"d" msgpack:"d"`
}

// WSMessage is a decoded inbound client frame. Data holds the raw `d` payload in the connection's encoding; use
// DecodeData to parse it into an opcode-specific model.
type WSMessage struct {
	Op   int
	Data []byte
}

type wsMessageJSON struct {
	Op   int             `json:"op"`
	Data json.RawMessage `json:"d"`
}

type wsMessageMsgpack struct {
	Op   int                `msgpack:"op"`
	Data msgpack.RawMessage `msgpack:"d"`
}

// Codec encodes and decodes frames for one connection.
type Codec struct {
	encoding   string
	compressor *zlib.Writer
	cbuf       bytes.Buffer
}

// New creates a codec for the given encoding. When compress is true a long-lived zlib stream compressor is attached;
// every encoded frame ends with a sync flush so the peer can decompress frame-by-frame without closing the stream.
func New(encoding string, compress bool) *Codec {
	c := &Codec{encoding: encoding}
	if compress {
		c.compressor = zlib.NewWriter(&c.cbuf)
	}
	return c
}

// Compressed reports whether the codec compresses outbound frames.
func (c *Codec) Compressed() bool {
	return c.compressor != nil
}

// EncodeFrame serialises a frame. The returned flag is true when the bytes must be sent as a binary WebSocket message
// (MessagePack or compressed output); plain JSON is sent as text.
func (c *Codec) EncodeFrame(f Frame) ([]byte, bool, error) {
	f.Data = Normalize(f.Data)

	var (
		payload []byte
		err     error
	)
	switch c.encoding {
	case EncodingMsgpack:
		payload, err = msgpack.Marshal(f)
	default:
		payload, err = json.Marshal(f)
	}
	if err != nil {
		return nil, false, fmt.Errorf("encode frame: %w", err)
	}

	if c.compressor == nil {
		return payload, c.encoding == EncodingMsgpack, nil
	}

	c.cbuf.Reset()
	if _, err := c.compressor.Write(payload); err != nil {
		return nil, false, fmt.Errorf("compress frame: %w", err)
	}
	if err := c.compressor.Flush(); err != nil {
		return nil, false, fmt.Errorf("flush compressor: %w", err)
	}
	out := append([]byte(nil), c.cbuf.Bytes()...)
	return out, true, nil
}

// Decode parses an inbound client frame envelope. Failures are wrapped in ErrBadFrame.
func (c *Codec) Decode(raw []byte) (WSMessage, error) {
	switch c.encoding {
	case EncodingMsgpack:
		var msg wsMessageMsgpack
		if err := msgpack.Unmarshal(raw, &msg); err != nil {
			return WSMessage{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		return WSMessage{Op: msg.Op, Data: msg.Data}, nil
	default:
		var msg wsMessageJSON
		if err := json.Unmarshal(raw, &msg); err != nil {
			return WSMessage{}, fmt.Errorf("%w: %v", ErrBadFrame, err)
		}
		return WSMessage{Op: msg.Op, Data: msg.Data}, nil
	}
}

// DecodeData parses a raw `d` payload into an opcode-specific model.
func (c *Codec) DecodeData(raw []byte, v any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: empty payload", ErrBadFrame)
	}
	var err error
	switch c.encoding {
	case EncodingMsgpack:
		err = msgpack.Unmarshal(raw, v)
	default:
		err = json.Unmarshal(raw, v)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadFrame, err)
	}
	return nil
}

// Normalize walks a payload and converts to decimal strings any integer that does not fit in signed 32 bits, or whose
// key contains the substring "permissions". Client SDKs parse those fields as strings because JavaScript numbers lose
// precision past 2^53. The input is never mutated; maps and slices are copied as they are rewritten.
func Normalize(v any) any {
	return normalizeValue("", v)
}

func normalizeValue(key string, v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = normalizeValue(k, item)
		}
		return out
	// Snapshot assembly and MapScan hand over typed slices, not []any; each concrete element type the data path
	// produces gets its own case so no list escapes the walk.
	case []any:
		return normalizeSlice(key, t)
	case []map[string]any:
		return normalizeSlice(key, t)
	case []uint64:
		return normalizeSlice(key, t)
	case []int64:
		return normalizeSlice(key, t)
	case []int:
		return normalizeSlice(key, t)
	case uint64:
		if strings.Contains(key, "permissions") || t > math.MaxInt32 {
			return strconv.FormatUint(t, 10)
		}
		return t
	default:
		if n, ok := asInt64(v); ok {
			if strings.Contains(key, "permissions") || n > math.MaxInt32 || n < math.MinInt32 {
				return strconv.FormatInt(n, 10)
			}
		}
		return v
	}
}

func normalizeSlice[E any](key string, items []E) []any {
	out := make([]any, len(items))
	for i, item := range items {
		out[i] = normalizeValue(key, item)
	}
	return out
}

// asInt64 widens every signed and small unsigned integer type a decoder or MapScan may hand us. uint64 is handled
// separately because it may not fit.
func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint:
		if uint64(t) > math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	default:
		return 0, false
	}
}
