// Package json implements the JSON wire codec. Integer-keyed maps are
// transported as string-keyed maps: keys are stringified on encode and
// parsed back on decode.
package json

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strconv"

	"github.com/wrpc/wrpc/codec"
	"github.com/wrpc/wrpc/message"
	"github.com/wrpc/wrpc/wire"
)

func init() {
	codec.Register(New())
}

type jsonCodec struct{}

// New returns the JSON codec.
func New() codec.Codec { return jsonCodec{} }

func (jsonCodec) ID() codec.ID { return codec.JSON }
func (jsonCodec) Name() string { return "json" }

// wireMessage mirrors the Message struct but only populates the fields
// relevant to its Type, using a single combined struct decoded then
// branched on by Type.
type wireMessage struct {
	XID     uint32          `json:"xid"`
	Type    uint8           `json:"type"`
	Service string          `json:"service,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Status  uint32          `json:"status,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
}

func (c jsonCodec) EncodePacket(w io.Writer, m *message.Message) error {
	wm := wireMessage{XID: m.XID, Type: uint8(m.Type)}
	switch m.Type {
	case wire.Call:
		wm.Service = m.Service
		wm.Method = m.Method
		wm.Params = json.RawMessage(orNull(m.Params))
	case wire.Reply:
		wm.Status = m.Status
		wm.Result = json.RawMessage(orNull(m.Result))
	default:
		return fmt.Errorf("wrpc/json: unknown message type %d", m.Type)
	}
	return json.NewEncoder(w).Encode(&wm)
}

func orNull(b []byte) []byte {
	if len(b) == 0 {
		return []byte("null")
	}
	return b
}

// DecodePacket reads one newline-delimited JSON Message from r. Like the
// BINARY codec, it only Peeks at already-buffered bytes and never consumes
// on a short read, so the TCP connection's accumulate-and-retry loop
// can hand it a growing buffer until a full line is in
// hand.
func (c jsonCodec) DecodePacket(r *bufio.Reader) (*message.Message, error) {
	data, _ := r.Peek(r.Buffered())
	idx := bytes.IndexByte(data, '\n')
	if idx < 0 {
		return nil, fmt.Errorf("%w: no newline in buffered data yet", codec.ErrNotEnoughData)
	}
	line := data[:idx]
	var wm wireMessage
	if err := json.Unmarshal(bytes.TrimSpace(line), &wm); err != nil {
		r.Discard(idx + 1)
		return nil, fmt.Errorf("wrpc/json: decode packet: %w", err)
	}
	if _, err := r.Discard(idx + 1); err != nil {
		return nil, fmt.Errorf("wrpc/json: discard consumed bytes: %w", err)
	}
	m := &message.Message{XID: wm.XID, Type: wire.MessageType(wm.Type)}
	switch m.Type {
	case wire.Call:
		m.Service = wm.Service
		m.Method = wm.Method
		m.Params = []byte(wm.Params)
	case wire.Reply:
		m.Status = wm.Status
		m.Result = []byte(wm.Result)
	default:
		return nil, fmt.Errorf("wrpc/json: unknown message type %d", wm.Type)
	}
	return m, nil
}

// Encode/Decode a single typed value. Composite types use the `wrpc`
// struct tag the same way the binary codec does, so the same Go struct
// definitions serve both codecs; unlike binary, required/unknown-attribute
// validation is done against a raw map rather than a custom tagged
// envelope, since JSON objects are already self-describing by name.
func (c jsonCodec) Encode(w io.Writer, v interface{}) error {
	return json.NewEncoder(w).Encode(encodeForWire(v))
}

// encodeForWire normalizes int-keyed maps to string keys before handing
// off to encoding/json, which otherwise rejects non-string map keys it
// doesn't know how to marshal as an object. A composite struct becomes an
// object keyed by its `wrpc` attribute names, holding only its set fields.
func encodeForWire(v interface{}) interface{} {
	rv := reflect.ValueOf(v)
	for rv.IsValid() && rv.Kind() == reflect.Ptr {
		rv = rv.Elem()
	}
	if rv.IsValid() && rv.Kind() == reflect.Struct {
		out := make(map[string]interface{})
		for _, s := range codec.FieldSpecs(rv.Type()) {
			if codec.IsSet(rv, s) {
				out[s.Name] = encodeForWire(rv.Field(s.Index).Interface())
			}
		}
		return out
	}
	if !rv.IsValid() || rv.Kind() != reflect.Map {
		return v
	}
	if rv.Type().Key().Kind() == reflect.String {
		return v
	}
	out := make(map[string]interface{}, rv.Len())
	iter := rv.MapRange()
	for iter.Next() {
		out[fmt.Sprint(iter.Key().Interface())] = encodeForWire(iter.Value().Interface())
	}
	return out
}

func (c jsonCodec) Decode(r io.Reader, v interface{}) error {
	dec := json.NewDecoder(r)
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Ptr || rv.IsNil() {
		return fmt.Errorf("wrpc/json: Decode target must be a non-nil pointer")
	}
	elem := rv.Elem()
	if elem.Kind() == reflect.Struct {
		return decodeComposite(dec, elem)
	}
	if elem.Kind() == reflect.Map && elem.Type().Key().Kind() != reflect.String {
		return decodeIntKeyedMap(dec, elem)
	}
	if err := dec.Decode(v); err != nil {
		return jsonNotEnoughData(err)
	}
	return nil
}

func decodeIntKeyedMap(dec *json.Decoder, dst reflect.Value) error {
	var raw map[string]json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return jsonNotEnoughData(err)
	}
	out := reflect.MakeMapWithSize(dst.Type(), len(raw))
	for k, v := range raw {
		kv := reflect.New(dst.Type().Key()).Elem()
		if err := setIntKey(kv, k); err != nil {
			return err
		}
		vv := reflect.New(dst.Type().Elem())
		if err := json.Unmarshal(v, vv.Interface()); err != nil {
			return err
		}
		out.SetMapIndex(kv, vv.Elem())
	}
	dst.Set(out)
	return nil
}

func setIntKey(kv reflect.Value, s string) error {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("wrpc/json: non-integer map key %q: %w", s, err)
	}
	kv.SetInt(n)
	return nil
}

func decodeComposite(dec *json.Decoder, dst reflect.Value) error {
	var raw map[string]json.RawMessage
	if err := dec.Decode(&raw); err != nil {
		return jsonNotEnoughData(err)
	}
	specs := codec.FieldSpecs(dst.Type())
	byName := make(map[string]codec.FieldSpec, len(specs))
	for _, s := range specs {
		byName[s.Name] = s
	}
	for name, v := range raw {
		spec, ok := byName[name]
		if !ok {
			return fmt.Errorf("%w: %q", codec.ErrUnknownAttr, name)
		}
		field := dst.Field(spec.Index)
		target := field.Addr()
		if field.Kind() == reflect.Ptr && field.IsNil() {
			field.Set(reflect.New(field.Type().Elem()))
			target = field
		}
		if err := json.Unmarshal(v, target.Interface()); err != nil {
			return fmt.Errorf("wrpc/json: decode attribute %q: %w", name, err)
		}
	}
	for _, s := range specs {
		if s.Required {
			if _, ok := raw[s.Name]; !ok {
				return fmt.Errorf("%w: %q", codec.ErrMissingRequired, s.Name)
			}
		}
	}
	return nil
}

func jsonNotEnoughData(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return fmt.Errorf("%w: %v", codec.ErrNotEnoughData, err)
	}
	return fmt.Errorf("wrpc/json: decode: %w", err)
}

// NewArgEncoder/NewArgDecoder implement the array-granularity tuple
// helpers as a plain JSON array, decoded element-by-element via
// json.Decoder.More(), which maps directly onto the
// begin/continue/end contract.
func (c jsonCodec) NewArgEncoder(w io.Writer) codec.ArgEncoder {
	return &argEncoder{enc: json.NewEncoder(w), w: w}
}

func (c jsonCodec) NewArgDecoder(r io.Reader) codec.ArgDecoder {
	dec := json.NewDecoder(r)
	return &argDecoder{dec: dec}
}

type argEncoder struct {
	w       io.Writer
	enc     *json.Encoder
	buf     bytes.Buffer
	started bool
}

func (e *argEncoder) Begin(n int) error {
	_, err := e.buf.WriteString("[")
	return err
}

func (e *argEncoder) Arg(v interface{}) error {
	if e.started {
		if _, err := e.buf.WriteString(","); err != nil {
			return err
		}
	}
	e.started = true
	data, err := json.Marshal(encodeForWire(v))
	if err != nil {
		return err
	}
	_, err = e.buf.Write(data)
	return err
}

func (e *argEncoder) End() error {
	if _, err := e.buf.WriteString("]"); err != nil {
		return err
	}
	_, err := e.w.Write(e.buf.Bytes())
	return err
}

type argDecoder struct {
	dec     *json.Decoder
	started bool
}

func (d *argDecoder) ensureStarted() error {
	if d.started {
		return nil
	}
	tok, err := d.dec.Token()
	if err != nil {
		return jsonNotEnoughData(err)
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '[' {
		return fmt.Errorf("wrpc/json: expected array start, got %v", tok)
	}
	d.started = true
	return nil
}

func (d *argDecoder) More() (bool, error) {
	if err := d.ensureStarted(); err != nil {
		return false, err
	}
	return d.dec.More(), nil
}

func (d *argDecoder) Arg(v interface{}) error {
	if err := d.ensureStarted(); err != nil {
		return err
	}
	if !d.dec.More() {
		return fmt.Errorf("wrpc/json: no more arguments in tuple")
	}
	if err := d.dec.Decode(v); err != nil {
		return jsonNotEnoughData(err)
	}
	return nil
}
