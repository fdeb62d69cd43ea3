package task

// UpdateRequest is what UpdateSender POSTs to the worker: the session
// context, the plan fragment (only while the worker still needs it),
// the per-source split/no-more-splits intent, the output-buffer
// descriptor, and the total partition count.
type UpdateRequest struct {
	SessionID       string        `json:"sessionId" cbor:"sessionId"`
	Fragment        []byte        `json:"fragment,omitempty" cbor:"fragment,omitempty"`
	Sources         []Source      `json:"sources,omitempty" cbor:"sources,omitempty"`
	OutputBuffers   OutputBuffers `json:"outputBuffers" cbor:"outputBuffers"`
	TotalPartitions int           `json:"totalPartitions" cbor:"totalPartitions"`
}
