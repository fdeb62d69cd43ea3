package codec

import (
	"github.com/fxamacker/cbor/v2"

	"github.com/ChuLiYu/remotetask/pkg/task"
)

// CBORCodec is the compact binary wire framing. CBOR is self-describing,
// so it round-trips existing Go structs directly, unlike protobuf, which
// would need a separate schema/IDL and a code generation step for the
// same four message types.
type CBORCodec struct {
	encMode cbor.EncMode
	decMode cbor.DecMode
}

// NewCBORCodec builds a CBORCodec with canonical encoding options, so
// equal values always serialize to identical bytes (useful for the
// equivalence tests pinning "the two MUST produce equivalent objects").
// Times are encoded as RFC 3339 text, as the JSON codec does, so a
// decoded time.Time carries the same location as its JSON counterpart.
func NewCBORCodec() CBORCodec {
	encOpts := cbor.CanonicalEncOptions()
	encOpts.Time = cbor.TimeRFC3339Nano
	encMode, err := encOpts.EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return CBORCodec{encMode: encMode, decMode: decMode}
}

func (c CBORCodec) Name() string        { return "cbor" }
func (c CBORCodec) ContentType() string { return "application/cbor" }

func (c CBORCodec) EncodeStatus(s task.Status) ([]byte, error) { return c.encMode.Marshal(s) }
func (c CBORCodec) DecodeStatus(b []byte) (task.Status, error) {
	var s task.Status
	err := c.decMode.Unmarshal(b, &s)
	return s, err
}

func (c CBORCodec) EncodeInfo(i task.Info) ([]byte, error) { return c.encMode.Marshal(i) }
func (c CBORCodec) DecodeInfo(b []byte) (task.Info, error) {
	var i task.Info
	err := c.decMode.Unmarshal(b, &i)
	return i, err
}

func (c CBORCodec) EncodeUpdateRequest(r task.UpdateRequest) ([]byte, error) {
	return c.encMode.Marshal(r)
}
func (c CBORCodec) DecodeUpdateRequest(b []byte) (task.UpdateRequest, error) {
	var r task.UpdateRequest
	err := c.decMode.Unmarshal(b, &r)
	return r, err
}
