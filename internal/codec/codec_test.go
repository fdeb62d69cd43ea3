package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/remotetask/pkg/task"
)

func sampleStatus() task.Status {
	return task.Status{
		TaskID:     task.ID{QueryID: "q1", StageID: 2, PartitionID: 3, Attempt: 0},
		InstanceID: "instance-1",
		Version:    42,
		State:      task.StateRunning,
		SelfURI:    "http://worker/task/node1/q1.2.3.0",
		NodeID:     "node1",
		Failures:   nil,
		QueuedDrivers:  1,
		RunningDrivers: 2,
	}
}

func sampleInfo() task.Info {
	return task.Info{
		Status:        sampleStatus(),
		LastHeartbeat: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		OutputBuffer: task.OutputBufferInfo{
			Type: "PARTITIONED",
			Buffers: []task.OutputBufferState{
				{BufferID: "b0", Finished: false, RowCount: 10},
			},
		},
		NoMoreSplits: map[task.PlanNodeID]bool{"scan0": true},
		NeedsPlan:    false,
	}
}

func sampleUpdateRequest() task.UpdateRequest {
	return task.UpdateRequest{
		SessionID: "session-1",
		Fragment:  []byte("fragment-bytes"),
		Sources: []task.Source{
			{
				PlanNodeID: "scan0",
				Splits: []task.ScheduledSplit{
					{SequenceID: 1, Lifespan: task.LifespanTaskWide, ConnectorSplit: task.ConnectorSplit{ConnectorID: "tpch"}},
				},
				NoMoreSplitsForLifespan: []task.Lifespan{1, 2},
				NoMoreSplits:            false,
			},
		},
		OutputBuffers:   task.OutputBuffers{Version: 1, Type: "PARTITIONED", BufferIDs: []string{"b0"}},
		TotalPartitions: 4,
	}
}

func codecs() map[string]Codec {
	return map[string]Codec{
		"json": JSONCodec{},
		"cbor": NewCBORCodec(),
	}
}

func TestCodecsRoundTripStatus(t *testing.T) {
	want := sampleStatus()
	for name, c := range codecs() {
		t.Run(name, func(t *testing.T) {
			encoded, err := c.EncodeStatus(want)
			require.NoError(t, err)
			got, err := c.DecodeStatus(encoded)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestCodecsRoundTripInfo(t *testing.T) {
	want := sampleInfo()
	for name, c := range codecs() {
		t.Run(name, func(t *testing.T) {
			encoded, err := c.EncodeInfo(want)
			require.NoError(t, err)
			got, err := c.DecodeInfo(encoded)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

func TestCodecsRoundTripUpdateRequest(t *testing.T) {
	want := sampleUpdateRequest()
	for name, c := range codecs() {
		t.Run(name, func(t *testing.T) {
			encoded, err := c.EncodeUpdateRequest(want)
			require.NoError(t, err)
			got, err := c.DecodeUpdateRequest(encoded)
			require.NoError(t, err)
			assert.Equal(t, want, got)
		})
	}
}

// TestCodecsProduceEquivalentObjects pins the requirement that the two
// codecs must produce equivalent objects: decoding the JSON encoding and
// decoding the CBOR encoding of the same value must yield equal Go
// structs, even though the bytes on the wire differ.
func TestCodecsProduceEquivalentObjects(t *testing.T) {
	want := sampleInfo()

	jsonBytes, err := JSONCodec{}.EncodeInfo(want)
	require.NoError(t, err)
	cborBytes, err := NewCBORCodec().EncodeInfo(want)
	require.NoError(t, err)

	fromJSON, err := JSONCodec{}.DecodeInfo(jsonBytes)
	require.NoError(t, err)
	fromCBOR, err := NewCBORCodec().DecodeInfo(cborBytes)
	require.NoError(t, err)

	assert.Equal(t, fromJSON, fromCBOR)
}

func TestByContentType(t *testing.T) {
	jsonCodec := JSONCodec{}
	cborCodec := NewCBORCodec()

	got := ByContentType("application/json", jsonCodec, cborCodec)
	assert.Equal(t, jsonCodec, got)

	got = ByContentType("application/cbor", jsonCodec, cborCodec)
	assert.Equal(t, cborCodec, got)

	assert.Nil(t, ByContentType("text/plain", jsonCodec, cborCodec))
}

func TestAcceptHeader(t *testing.T) {
	header := AcceptHeader(NewCBORCodec(), JSONCodec{})
	assert.Equal(t, "application/cbor, application/json;q=0.5", header)
}
