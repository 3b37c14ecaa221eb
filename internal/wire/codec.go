// Package wire defines the messages exchanged between the scheduler and
// worker processes and their CBOR encoding.
//
// The stream is a plain CBOR sequence on the worker's stdin and stdout: one
// Init, then a Request per job. While a job runs the worker may send
// Reserve replies, each answered by a Grant on stdin, before the final
// Response reply. CBOR items are self-delimiting, so no extra framing is
// needed.
package wire

import (
	"io"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// encMode uses Core Deterministic Encoding so identical messages produce
// identical bytes.
var encMode cbor.EncMode

// decMode decodes untyped maps as map[string]any so parser metadata stays
// usable with encoding/json.
var decMode cbor.DecMode

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("wire: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("wire: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Encoder writes a CBOR sequence.
type Encoder = cbor.Encoder

// Decoder reads a CBOR sequence.
type Decoder = cbor.Decoder

// NewEncoder returns an encoder writing to w.
func NewEncoder(w io.Writer) *Encoder {
	return encMode.NewEncoder(w)
}

// NewDecoder returns a decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return decMode.NewDecoder(r)
}
