package notify

import (
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/require"
	"github.com/trickledb/trickle/route"
)

func newTestPublisher(t *testing.T, compressMin int) *Publisher {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	t.Cleanup(func() { enc.Close() })
	return &Publisher{compressMin: compressMin, enc: enc}
}

func TestAnnouncementRoundTrip(t *testing.T) {
	pub := newTestPublisher(t, 0)

	sealTime := time.Now().Truncate(time.Millisecond)
	batches := []*route.OutgoingBatch{
		{BatchID: 7, NodeID: "store-1", ChannelID: "orders", Status: route.StatusNew,
			ByteCount: 1024, Checksum: 0xdeadbeef, SealTime: sealTime},
		{BatchID: 8, NodeID: "store-2", ChannelID: "orders", Status: route.StatusNew,
			ByteCount: 2048, Checksum: 0xcafe, SealTime: sealTime},
	}

	data, compressed, err := pub.encodePayload("orders", batches)
	require.NoError(t, err)
	require.False(t, compressed)

	channel, decoded, err := DecodeAnnouncement(data, compressed)
	require.NoError(t, err)
	require.Equal(t, "orders", channel)
	require.Len(t, decoded, 2)

	require.Equal(t, int64(7), decoded[0].BatchID)
	require.Equal(t, "store-1", decoded[0].NodeID)
	require.Equal(t, int64(1024), decoded[0].ByteCount)
	require.Equal(t, uint64(0xdeadbeef), decoded[0].Checksum)
	require.Equal(t, sealTime.UnixMilli(), decoded[0].SealTimeMS)
	require.Equal(t, int64(8), decoded[1].BatchID)
}

func TestAnnouncementCompressesAboveThreshold(t *testing.T) {
	pub := newTestPublisher(t, 64)

	batches := []*route.OutgoingBatch{
		{BatchID: 1, NodeID: strings.Repeat("n", 200), ChannelID: "orders"},
	}

	data, compressed, err := pub.encodePayload("orders", batches)
	require.NoError(t, err)
	require.True(t, compressed)

	channel, decoded, err := DecodeAnnouncement(data, compressed)
	require.NoError(t, err)
	require.Equal(t, "orders", channel)
	require.Len(t, decoded, 1)
	require.Equal(t, strings.Repeat("n", 200), decoded[0].NodeID)
}

func TestAnnouncementSmallPayloadStaysUncompressed(t *testing.T) {
	pub := newTestPublisher(t, 1<<20)

	data, compressed, err := pub.encodePayload("orders", nil)
	require.NoError(t, err)
	require.False(t, compressed)

	channel, decoded, err := DecodeAnnouncement(data, compressed)
	require.NoError(t, err)
	require.Equal(t, "orders", channel)
	require.Empty(t, decoded)
}

func TestStreamNameReplacesDots(t *testing.T) {
	require.Equal(t, "trickle_batches", streamName("trickle.batches"))
	require.Equal(t, "batches", streamName("batches"))
}
