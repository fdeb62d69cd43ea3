package task

// OutputBuffers is the planner's locally-intended output-buffer
// descriptor: which buffer ids exist, whether no more will be added,
// and a monotonic Version the planner bumps on every change. TaskHandle
// only ever accepts a newer-or-equal OutputBuffers (by Version); an
// older one is silently discarded.
type OutputBuffers struct {
	Version     int64    `json:"version" cbor:"version"`
	Type        string   `json:"type" cbor:"type"`
	BufferIDs   []string `json:"bufferIds,omitempty" cbor:"bufferIds,omitempty"`
	NoMoreBuffers bool   `json:"noMoreBufferIds" cbor:"noMoreBufferIds"`
}

// NewerOrEqual reports whether other is safe to adopt in place of b: it
// must have a Version greater than or equal to b's.
func (b OutputBuffers) NewerOrEqual(other OutputBuffers) bool {
	return other.Version >= b.Version
}

func (b OutputBuffers) clone() OutputBuffers {
	clone := b
	if b.BufferIDs != nil {
		clone.BufferIDs = append([]string(nil), b.BufferIDs...)
	}
	return clone
}
