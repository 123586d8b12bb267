// Package binary implements the BINARY wire codec: a compact,
// self-describing format built on RFC 4506 XDR primitives
// (github.com/rasky/go-xdr/xdr2 handles the fixed-width encode/decode of
// every base type) with a hand-rolled self-describing envelope layered on
// top for composite ("custom") records and argument tuples, since plain
// XDR structs are positional and the spec requires named-attribute
// records that can detect an unknown attribute by name.
package binary

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"reflect"

	xdr "github.com/rasky/go-xdr/xdr2"
	"golang.org/x/xerrors"

	"github.com/wrpc/wrpc/codec"
	"github.com/wrpc/wrpc/message"
	"github.com/wrpc/wrpc/wire"
)

func init() {
	codec.Register(New())
}

type binaryCodec struct{}

// New returns the BINARY codec.
func New() codec.Codec { return binaryCodec{} }

func (binaryCodec) ID() codec.ID { return codec.Binary }
func (binaryCodec) Name() string { return "binary" }

// tag is the one-byte wire discriminator prefixing every encoded value, the
// "self-describing" part of BINARY.
type tag byte

const (
	tagVoid tag = iota
	tagBool
	tagInt32
	tagInt64
	tagFloat
	tagString
	tagArray
	tagMap
	tagComposite
)

// EncodePacket frames one Message: XID, type byte, then a body that
// mirrors the TCP wire layout.
func (c binaryCodec) EncodePacket(w io.Writer, m *message.Message) error {
	if _, err := xdr.Marshal(w, m.XID); err != nil {
		return fmt.Errorf("wrpc/binary: encode xid: %w", err)
	}
	if _, err := xdr.Marshal(w, uint8(m.Type)); err != nil {
		return fmt.Errorf("wrpc/binary: encode type: %w", err)
	}
	switch m.Type {
	case wire.Call:
		if _, err := xdr.Marshal(w, m.Service); err != nil {
			return err
		}
		if _, err := xdr.Marshal(w, m.Method); err != nil {
			return err
		}
		if _, err := xdr.Marshal(w, m.Params); err != nil {
			return err
		}
	case wire.Reply:
		if _, err := xdr.Marshal(w, m.Status); err != nil {
			return err
		}
		if _, err := xdr.Marshal(w, m.Result); err != nil {
			return err
		}
	default:
		return fmt.Errorf("wrpc/binary: unknown message type %d", m.Type)
	}
	return nil
}

// DecodePacket reads one Message out of r. It buffers its read position so
// that on a short read it can report ErrNotEnoughData without having
// consumed any bytes the caller still needs to re-present later.
func (c binaryCodec) DecodePacket(r *bufio.Reader) (*message.Message, error) {
	data, _ := r.Peek(r.Buffered())
	m, n, err := decodePacketBytes(data)
	if err != nil {
		if xerrors.Is(err, codec.ErrNotEnoughData) {
			return nil, err
		}
		return nil, fmt.Errorf("wrpc/binary: decode packet: %w", err)
	}
	if _, err := r.Discard(n); err != nil {
		return nil, fmt.Errorf("wrpc/binary: discard consumed bytes: %w", err)
	}
	return m, nil
}

// decodePacketBytes attempts to decode a full Message from a byte slice
// without mutating any external reader state, so the caller can retry with
// more bytes appended on ErrNotEnoughData.
func decodePacketBytes(data []byte) (*message.Message, int, error) {
	br := bytes.NewReader(data)
	m := &message.Message{}

	if err := readField(br, &m.XID); err != nil {
		return nil, 0, err
	}
	var typ uint8
	if err := readField(br, &typ); err != nil {
		return nil, 0, err
	}
	m.Type = wire.MessageType(typ)

	switch m.Type {
	case wire.Call:
		if err := readField(br, &m.Service); err != nil {
			return nil, 0, err
		}
		if err := readField(br, &m.Method); err != nil {
			return nil, 0, err
		}
		if err := readField(br, &m.Params); err != nil {
			return nil, 0, err
		}
	case wire.Reply:
		if err := readField(br, &m.Status); err != nil {
			return nil, 0, err
		}
		if err := readField(br, &m.Result); err != nil {
			return nil, 0, err
		}
	default:
		return nil, 0, fmt.Errorf("wrpc/binary: unknown message type %d", typ)
	}
	consumed := len(data) - br.Len()
	return m, consumed, nil
}

// readField decodes one XDR value from r, translating go-xdr's "ran out of
// bytes" failures into codec.ErrNotEnoughData.
func readField(r *bytes.Reader, v interface{}) error {
	_, err := xdr.Unmarshal(r, v)
	if err != nil {
		if isShortRead(err) {
			return fmt.Errorf("%w: %v", codec.ErrNotEnoughData, err)
		}
		return err
	}
	return nil
}

func isShortRead(err error) bool {
	return xerrors.Is(err, io.ErrUnexpectedEOF) || xerrors.Is(err, io.EOF)
}

// Encode/Decode handle a single typed value: any base type, a slice, a
// map, or a struct tagged with `wrpc:"name,required"`.
func (c binaryCodec) Encode(w io.Writer, v interface{}) error {
	return encodeValue(w, reflect.ValueOf(v))
}

func (c binaryCodec) Decode(r io.Reader, v interface{}) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("wrpc/binary: Decode target must be a non-nil pointer")
	}
	t, err := readTag(r)
	if err != nil {
		return err
	}
	return decodeValue(r, t, rv.Elem())
}

func writeTag(w io.Writer, t tag) error {
	_, err := xdr.Marshal(w, byte(t))
	return err
}

func readTag(r io.Reader) (tag, error) {
	var b byte
	if _, err := xdr.Unmarshal(r, &b); err != nil {
		return 0, fmt.Errorf("%w: %v", codec.ErrNotEnoughData, err)
	}
	return tag(b), nil
}

func encodeValue(w io.Writer, rv reflect.Value) error {
	if !rv.IsValid() {
		return writeTag(w, tagVoid)
	}
	for rv.Kind() == reflect.Interface {
		rv = rv.Elem()
	}
	switch rv.Kind() {
	case reflect.Invalid:
		return writeTag(w, tagVoid)
	case reflect.Bool:
		if err := writeTag(w, tagBool); err != nil {
			return err
		}
		_, err := xdr.Marshal(w, rv.Bool())
		return err
	case reflect.Int32, reflect.Int16, reflect.Int8, reflect.Int:
		if err := writeTag(w, tagInt32); err != nil {
			return err
		}
		_, err := xdr.Marshal(w, int32(rv.Int()))
		return err
	case reflect.Int64:
		if err := writeTag(w, tagInt64); err != nil {
			return err
		}
		_, err := xdr.Marshal(w, rv.Int())
		return err
	case reflect.Float32, reflect.Float64:
		if err := writeTag(w, tagFloat); err != nil {
			return err
		}
		_, err := xdr.Marshal(w, rv.Float())
		return err
	case reflect.String:
		if err := writeTag(w, tagString); err != nil {
			return err
		}
		_, err := xdr.Marshal(w, rv.String())
		return err
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.Type().Elem().Kind() == reflect.Uint8 {
			// []byte is treated as an opaque string-like blob, not an array
			// of int32, matching XDR's own opaque-data convention.
			if err := writeTag(w, tagString); err != nil {
				return err
			}
			_, err := xdr.Marshal(w, rv.Bytes())
			return err
		}
		if err := writeTag(w, tagArray); err != nil {
			return err
		}
		n := rv.Len()
		if _, err := xdr.Marshal(w, uint32(n)); err != nil {
			return err
		}
		for i := 0; i < n; i++ {
			if err := encodeValue(w, rv.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Map:
		if err := writeTag(w, tagMap); err != nil {
			return err
		}
		keys := rv.MapKeys()
		if _, err := xdr.Marshal(w, uint32(len(keys))); err != nil {
			return err
		}
		for _, k := range keys {
			if err := encodeValue(w, k); err != nil {
				return err
			}
			if err := encodeValue(w, rv.MapIndex(k)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Ptr:
		if rv.IsNil() {
			return writeTag(w, tagVoid)
		}
		return encodeValue(w, rv.Elem())
	case reflect.Struct:
		return encodeComposite(w, rv)
	default:
		return fmt.Errorf("wrpc/binary: unsupported type %s", rv.Type())
	}
}

func encodeComposite(w io.Writer, rv reflect.Value) error {
	if err := writeTag(w, tagComposite); err != nil {
		return err
	}
	specs := codec.FieldSpecs(rv.Type())
	set := make([]codec.FieldSpec, 0, len(specs))
	for _, s := range specs {
		if codec.IsSet(rv, s) {
			set = append(set, s)
		}
	}
	if _, err := xdr.Marshal(w, uint32(len(set))); err != nil {
		return err
	}
	for _, s := range set {
		if _, err := xdr.Marshal(w, s.Name); err != nil {
			return err
		}
		if err := encodeValue(w, rv.Field(s.Index)); err != nil {
			return err
		}
	}
	return nil
}

func decodeValue(r io.Reader, t tag, dst reflect.Value) error {
	for dst.Kind() == reflect.Ptr {
		if dst.IsNil() {
			dst.Set(reflect.New(dst.Type().Elem()))
		}
		dst = dst.Elem()
	}
	if dst.Kind() == reflect.Interface {
		val, err := decodeIntoInterface(r, t)
		if err != nil {
			return err
		}
		if val != nil {
			dst.Set(reflect.ValueOf(val))
		}
		return nil
	}
	switch t {
	case tagVoid:
		return nil
	case tagBool:
		if dst.Kind() != reflect.Bool {
			return fmt.Errorf("wrpc/binary: cannot decode bool into %s", dst.Type())
		}
		var b bool
		if _, err := xdr.Unmarshal(r, &b); err != nil {
			return shortOr(err)
		}
		dst.SetBool(b)
		return nil
	case tagInt32, tagInt64:
		if dst.Kind() != reflect.Int && dst.Kind() != reflect.Int8 && dst.Kind() != reflect.Int16 &&
			dst.Kind() != reflect.Int32 && dst.Kind() != reflect.Int64 {
			return fmt.Errorf("wrpc/binary: cannot decode int into %s", dst.Type())
		}
		if t == tagInt32 {
			var i int32
			if _, err := xdr.Unmarshal(r, &i); err != nil {
				return shortOr(err)
			}
			dst.SetInt(int64(i))
			return nil
		}
		var i int64
		if _, err := xdr.Unmarshal(r, &i); err != nil {
			return shortOr(err)
		}
		dst.SetInt(i)
		return nil
	case tagFloat:
		if dst.Kind() != reflect.Float32 && dst.Kind() != reflect.Float64 {
			return fmt.Errorf("wrpc/binary: cannot decode float into %s", dst.Type())
		}
		var f float64
		if _, err := xdr.Unmarshal(r, &f); err != nil {
			return shortOr(err)
		}
		dst.SetFloat(f)
		return nil
	case tagString:
		if dst.Kind() == reflect.Slice && dst.Type().Elem().Kind() == reflect.Uint8 {
			var b []byte
			if _, err := xdr.Unmarshal(r, &b); err != nil {
				return shortOr(err)
			}
			dst.SetBytes(b)
			return nil
		}
		if dst.Kind() != reflect.String {
			return fmt.Errorf("wrpc/binary: cannot decode string into %s", dst.Type())
		}
		var s string
		if _, err := xdr.Unmarshal(r, &s); err != nil {
			return shortOr(err)
		}
		dst.SetString(s)
		return nil
	case tagArray:
		var n uint32
		if _, err := xdr.Unmarshal(r, &n); err != nil {
			return shortOr(err)
		}
		if dst.Kind() != reflect.Slice {
			return fmt.Errorf("wrpc/binary: decode array into non-slice %s", dst.Type())
		}
		out := reflect.MakeSlice(dst.Type(), int(n), int(n))
		for i := 0; i < int(n); i++ {
			elemTag, err := readTag(r)
			if err != nil {
				return err
			}
			if err := decodeValue(r, elemTag, out.Index(i)); err != nil {
				return err
			}
		}
		dst.Set(out)
		return nil
	case tagMap:
		var n uint32
		if _, err := xdr.Unmarshal(r, &n); err != nil {
			return shortOr(err)
		}
		if dst.Kind() != reflect.Map {
			return fmt.Errorf("wrpc/binary: decode map into non-map %s", dst.Type())
		}
		out := reflect.MakeMapWithSize(dst.Type(), int(n))
		for i := 0; i < int(n); i++ {
			kTag, err := readTag(r)
			if err != nil {
				return err
			}
			kv := reflect.New(dst.Type().Key()).Elem()
			if err := decodeValue(r, kTag, kv); err != nil {
				return err
			}
			vTag, err := readTag(r)
			if err != nil {
				return err
			}
			vv := reflect.New(dst.Type().Elem()).Elem()
			if err := decodeValue(r, vTag, vv); err != nil {
				return err
			}
			out.SetMapIndex(kv, vv)
		}
		dst.Set(out)
		return nil
	case tagComposite:
		return decodeComposite(r, dst)
	default:
		return fmt.Errorf("wrpc/binary: unknown tag %d", t)
	}
}

func decodeIntoInterface(r io.Reader, t tag) (interface{}, error) {
	switch t {
	case tagVoid:
		return nil, nil
	case tagBool:
		var b bool
		_, err := xdr.Unmarshal(r, &b)
		return b, shortOr(err)
	case tagInt32:
		var i int32
		_, err := xdr.Unmarshal(r, &i)
		return i, shortOr(err)
	case tagInt64:
		var i int64
		_, err := xdr.Unmarshal(r, &i)
		return i, shortOr(err)
	case tagFloat:
		var f float64
		_, err := xdr.Unmarshal(r, &f)
		return f, shortOr(err)
	case tagString:
		var s string
		_, err := xdr.Unmarshal(r, &s)
		return s, shortOr(err)
	default:
		return nil, fmt.Errorf("wrpc/binary: cannot decode tag %d into interface{}", t)
	}
}

func decodeComposite(r io.Reader, dst reflect.Value) error {
	if dst.Kind() != reflect.Struct {
		return fmt.Errorf("wrpc/binary: decode composite into non-struct %s", dst.Type())
	}
	specs := codec.FieldSpecs(dst.Type())
	byName := make(map[string]codec.FieldSpec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}
	var n uint32
	if _, err := xdr.Unmarshal(r, &n); err != nil {
		return shortOr(err)
	}
	seen := make(map[string]bool, n)
	for i := 0; i < int(n); i++ {
		var name string
		if _, err := xdr.Unmarshal(r, &name); err != nil {
			return shortOr(err)
		}
		t, err := readTag(r)
		if err != nil {
			return err
		}
		spec, ok := byName[name]
		if !ok {
			return fmt.Errorf("%w: %q", codec.ErrUnknownAttr, name)
		}
		if err := decodeValue(r, t, dst.Field(spec.Index)); err != nil {
			return err
		}
		seen[name] = true
	}
	for _, s := range specs {
		if s.Required && !seen[s.Name] {
			return fmt.Errorf("%w: %q", codec.ErrMissingRequired, s.Name)
		}
	}
	return nil
}

func shortOr(err error) error {
	if err == nil {
		return nil
	}
	if xerrors.Is(err, io.ErrUnexpectedEOF) || xerrors.Is(err, io.EOF) {
		return fmt.Errorf("%w: %v", codec.ErrNotEnoughData, err)
	}
	return err
}

// NewArgEncoder/NewArgDecoder implement the array-granularity helpers over
// an argument tuple: a uint32 count followed by that many tagged values.
func (c binaryCodec) NewArgEncoder(w io.Writer) codec.ArgEncoder {
	return &argEncoder{w: w}
}

func (c binaryCodec) NewArgDecoder(r io.Reader) codec.ArgDecoder {
	return &argDecoder{r: r}
}

type argEncoder struct {
	w       io.Writer
	buf     bytes.Buffer
	count   int
	started bool
}

func (e *argEncoder) Begin(n int) error {
	e.started = true
	return nil
}

func (e *argEncoder) Arg(v interface{}) error {
	e.count++
	return encodeValue(&e.buf, reflect.ValueOf(v))
}

func (e *argEncoder) End() error {
	if _, err := xdr.Marshal(e.w, uint32(e.count)); err != nil {
		return err
	}
	_, err := e.w.Write(e.buf.Bytes())
	return err
}

type argDecoder struct {
	r        io.Reader
	total    uint32
	consumed uint32
	started  bool
}

func (d *argDecoder) ensureStarted() error {
	if d.started {
		return nil
	}
	if _, err := xdr.Unmarshal(d.r, &d.total); err != nil {
		return shortOr(err)
	}
	d.started = true
	return nil
}

func (d *argDecoder) More() (bool, error) {
	if err := d.ensureStarted(); err != nil {
		return false, err
	}
	return d.consumed < d.total, nil
}

func (d *argDecoder) Arg(v interface{}) error {
	if err := d.ensureStarted(); err != nil {
		return err
	}
	if d.consumed >= d.total {
		return fmt.Errorf("wrpc/binary: no more arguments in tuple")
	}
	t, err := readTag(d.r)
	if err != nil {
		return err
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("wrpc/binary: Arg target must be a non-nil pointer")
	}
	if err := decodeValue(d.r, t, rv.Elem()); err != nil {
		return err
	}
	d.consumed++
	return nil
}
