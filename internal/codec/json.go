package codec

import (
	"encoding/json"

	"github.com/ChuLiYu/remotetask/pkg/task"
)

// JSONCodec is the textual wire framing, using the standard library's
// encoding/json for payload marshalling.
type JSONCodec struct{}

func (JSONCodec) Name() string        { return "json" }
func (JSONCodec) ContentType() string { return "application/json" }

func (JSONCodec) EncodeStatus(s task.Status) ([]byte, error) { return json.Marshal(s) }
func (JSONCodec) DecodeStatus(b []byte) (task.Status, error) {
	var s task.Status
	err := json.Unmarshal(b, &s)
	return s, err
}

func (JSONCodec) EncodeInfo(i task.Info) ([]byte, error) { return json.Marshal(i) }
func (JSONCodec) DecodeInfo(b []byte) (task.Info, error) {
	var i task.Info
	err := json.Unmarshal(b, &i)
	return i, err
}

func (JSONCodec) EncodeUpdateRequest(r task.UpdateRequest) ([]byte, error) { return json.Marshal(r) }
func (JSONCodec) DecodeUpdateRequest(b []byte) (task.UpdateRequest, error) {
	var r task.UpdateRequest
	err := json.Unmarshal(b, &r)
	return r, err
}
