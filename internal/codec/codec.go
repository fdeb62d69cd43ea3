// Package codec provides the injected codec capability: round-tripping
// the four message types over the wire in either the textual JSON
// framing or the compact binary (CBOR) framing, with content
// negotiation between the two.
package codec

import "github.com/ChuLiYu/remotetask/pkg/task"

// Codec round-trips the wire message types. Implementations must be
// safe for concurrent use by multiple goroutines.
type Codec interface {
	// Name identifies the codec for logging/tracing.
	Name() string
	// ContentType is the MIME type this codec produces and the value
	// sent in the Content-Type header of requests it encodes.
	ContentType() string

	EncodeStatus(task.Status) ([]byte, error)
	DecodeStatus([]byte) (task.Status, error)

	EncodeInfo(task.Info) ([]byte, error)
	DecodeInfo([]byte) (task.Info, error)

	EncodeUpdateRequest(task.UpdateRequest) ([]byte, error)
	DecodeUpdateRequest([]byte) (task.UpdateRequest, error)
}

// ByContentType returns the codec among candidates whose ContentType
// matches contentType, or nil if none match. Used to decode a reply by
// the Content-Type the worker actually sent, since a reply may arrive in
// either framing regardless of which one was preferred on the way out.
func ByContentType(contentType string, candidates ...Codec) Codec {
	for _, c := range candidates {
		if c.ContentType() == contentType {
			return c
		}
	}
	return nil
}

// AcceptHeader builds the Accept header value that prefers preferred
// and lists the rest with a lower quality value, so the wire prefers the
// binary framing by default but still accepts either in replies.
func AcceptHeader(preferred Codec, rest ...Codec) string {
	header := preferred.ContentType()
	for _, c := range rest {
		header += ", " + c.ContentType() + ";q=0.5"
	}
	return header
}
