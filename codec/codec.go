// Package codec defines the pluggable (encoder, decoder) abstraction
// shared by the BINARY and JSON wire formats: encode/decode of whole
// Messages, of individual typed values, and of ordered argument tuples.
package codec

import (
	"bufio"
	"fmt"
	"io"

	"golang.org/x/xerrors"

	"github.com/wrpc/wrpc/message"
)

// ID is the on-wire codec discriminator used by the TCP handshake.
type ID uint8

const (
	Binary ID = 1
	JSON   ID = 2
)

func (id ID) String() string {
	switch id {
	case Binary:
		return "binary"
	case JSON:
		return "json"
	default:
		return fmt.Sprintf("codec(%d)", uint8(id))
	}
}

// ErrNotEnoughData is wrapped by Decode/DecodePacket when the supplied
// reader does not yet hold a complete value or packet. Callers must
// preserve the buffer and retry once more bytes arrive.
var ErrNotEnoughData = xerrors.New("wrpc/codec: not enough data")

// ErrUnknownAttr is wrapped when a composite's decoded attribute stream
// names a field the target type does not declare.
var ErrUnknownAttr = xerrors.New("wrpc/codec: unknown attribute")

// ErrMissingRequired is wrapped when a composite is missing a REQUIRED
// attribute.
var ErrMissingRequired = xerrors.New("wrpc/codec: missing required attribute")

// IsNotEnoughData reports whether err (or a wrapped cause) is
// ErrNotEnoughData, the "ask me again with more bytes" signal.
func IsNotEnoughData(err error) bool { return xerrors.Is(err, ErrNotEnoughData) }

// Codec produces matched encoder/decoder behavior over byte streams: whole
// Messages, individual typed values, and tuples of heterogeneous
// arguments. A codec is stateless; all state lives in the ArgEncoder /
// ArgDecoder it hands out per call.
type Codec interface {
	ID() ID
	Name() string

	// EncodePacket frames one Message onto w.
	EncodePacket(w io.Writer, m *message.Message) error

	// DecodePacket reads one Message from r. It returns an error wrapping
	// ErrNotEnoughData if r does not yet contain a full packet; the caller
	// must not have consumed any bytes from r in that case (buffered
	// readers are used precisely so callers can retry from the same mark).
	DecodePacket(r *bufio.Reader) (*message.Message, error)

	// Encode/Decode handle a single typed value of any supported base or
	// composite type.
	Encode(w io.Writer, v interface{}) error
	Decode(r io.Reader, v interface{}) error

	// NewArgEncoder/NewArgDecoder open an array-granularity view over an
	// argument tuple, used by the services manager to walk positional
	// parameters and by clients/wrappers to build the outbound parameter
	// stream.
	NewArgEncoder(w io.Writer) ArgEncoder
	NewArgDecoder(r io.Reader) ArgDecoder
}

// ArgEncoder builds an ordered tuple of heterogeneous arguments.
type ArgEncoder interface {
	// Begin starts the tuple. n is a hint (number of arguments), ignored
	// by codecs that don't need to pre-size anything.
	Begin(n int) error
	// Arg encodes the next positional argument.
	Arg(v interface{}) error
	// End finishes the tuple. Must be called exactly once.
	End() error
}

// ArgDecoder walks an ordered tuple of heterogeneous arguments, one
// position at a time, so the caller can supply the expected type for each
// position without the decoder needing to know the whole schema up front.
type ArgDecoder interface {
	// More reports whether at least one more argument follows, without
	// consuming it. This lets the server detect "too many arguments"
	// independently of the argument types: after the last expected
	// parameter is decoded, the caller asserts More() == false.
	More() (bool, error)
	// Arg decodes the next positional argument into v, which must be a
	// pointer to a supported base or composite type.
	Arg(v interface{}) error
}

// Attr is one named, optionally-present field of a composite ("custom")
// type as it travels across the wire.
type Attr struct {
	Name     string
	Value    interface{}
	Required bool
}

var registry = map[ID]Codec{}
var byName = map[string]Codec{}

// Register makes a concrete Codec available to ByID/ByName. Concrete
// codec packages call this from an init() func, the way
// rpc_codec_factory.cc registers BINARY and JSON with the factory in the
// original source (see DESIGN.md).
func Register(c Codec) {
	registry[c.ID()] = c
	byName[c.Name()] = c
}

// ByID resolves a codec from its on-wire TCP handshake id.
func ByID(id ID) (Codec, error) {
	c, ok := registry[id]
	if !ok {
		return nil, fmt.Errorf("wrpc/codec: unknown codec id %d", uint8(id))
	}
	return c, nil
}

// ByName resolves a codec from its HTTP `codec` header value.
func ByName(name string) (Codec, error) {
	c, ok := byName[name]
	if !ok {
		return nil, fmt.Errorf("wrpc/codec: unknown codec name %q", name)
	}
	return c, nil
}
