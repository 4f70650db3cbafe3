package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog/log"
	"github.com/trickledb/trickle/encoding"
	"github.com/trickledb/trickle/route"
)

// SealedBatch is the wire shape of one sealed batch announcement.
type SealedBatch struct {
	BatchID    int64  `msgpack:"b"`
	NodeID     string `msgpack:"n"`
	ChannelID  string `msgpack:"c"`
	EventCount int    `msgpack:"e"`
	ByteCount  int64  `msgpack:"y"`
	Checksum   uint64 `msgpack:"x"`
	SealTimeMS int64  `msgpack:"t"`
}

type sealedPayload struct {
	Channel string        `msgpack:"channel"`
	Batches []SealedBatch `msgpack:"batches"`
}

// Publisher announces sealed batches on NATS JetStream so external
// transports can start shipping without polling the batch table. Delivery
// is best effort: batches live in the store regardless, and a transport
// that misses an announcement finds them by status.
type Publisher struct {
	nc            *nats.Conn
	js            jetstream.JetStream
	subjectPrefix string
	compressMin   int
	enc           *zstd.Encoder
}

// NewPublisher connects to NATS. Payloads larger than compressMin bytes
// are zstd-compressed, flagged through a message header.
func NewPublisher(url, subjectPrefix string, compressMin int) (*Publisher, error) {
	nc, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		nc.Close()
		return nil, err
	}

	return &Publisher{
		nc:            nc,
		js:            js,
		subjectPrefix: subjectPrefix,
		compressMin:   compressMin,
		enc:           enc,
	}, nil
}

// BatchesSealed implements route.Notifier. Failures are logged, never
// propagated: a routing pass must not fail because the announcement bus
// is down.
func (p *Publisher) BatchesSealed(channelID string, batches []*route.OutgoingBatch) {
	payload, compressed, err := p.encodePayload(channelID, batches)
	if err != nil {
		log.Error().Err(err).Str("channel", channelID).Msg("Unable to encode batch announcement")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	subject := p.subjectPrefix + "." + channelID
	if err := p.ensureStream(ctx); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("Unable to ensure announcement stream")
		return
	}

	msg := &nats.Msg{
		Subject: subject,
		Data:    payload,
		Header:  nats.Header{"batches": []string{fmt.Sprint(len(batches))}},
	}
	if compressed {
		msg.Header.Set("content-encoding", "zstd")
	}
	if _, err := p.js.PublishMsg(ctx, msg); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("Unable to publish batch announcement")
	}
}

func (p *Publisher) encodePayload(channelID string, batches []*route.OutgoingBatch) ([]byte, bool, error) {
	payload := sealedPayload{Channel: channelID, Batches: make([]SealedBatch, len(batches))}
	for i, b := range batches {
		payload.Batches[i] = SealedBatch{
			BatchID:    b.BatchID,
			NodeID:     b.NodeID,
			ChannelID:  b.ChannelID,
			EventCount: b.EventCount(),
			ByteCount:  b.ByteCount,
			Checksum:   b.Checksum,
			SealTimeMS: b.SealTime.UnixMilli(),
		}
	}

	data, err := encoding.Marshal(&payload)
	if err != nil {
		return nil, false, err
	}
	if p.compressMin > 0 && len(data) >= p.compressMin {
		return p.enc.EncodeAll(data, nil), true, nil
	}
	return data, false, nil
}

func (p *Publisher) ensureStream(ctx context.Context) error {
	_, err := p.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      streamName(p.subjectPrefix),
		Subjects:  []string{p.subjectPrefix + ".>"},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.LimitsPolicy,
		MaxAge:    24 * time.Hour,
	})
	return err
}

// DecodeAnnouncement parses a published announcement payload. Compressed
// is true when the message carried a "content-encoding: zstd" header.
func DecodeAnnouncement(data []byte, compressed bool) (string, []SealedBatch, error) {
	if compressed {
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return "", nil, err
		}
		defer dec.Close()

		data, err = dec.DecodeAll(data, nil)
		if err != nil {
			return "", nil, fmt.Errorf("failed to decompress announcement: %w", err)
		}
	}

	var payload sealedPayload
	if err := encoding.Unmarshal(data, &payload); err != nil {
		return "", nil, err
	}
	return payload.Channel, payload.Batches, nil
}

// Close releases the NATS connection.
func (p *Publisher) Close() error {
	p.enc.Close()
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

// streamName converts the subject prefix to a valid JetStream stream
// name; stream names cannot contain ".".
func streamName(prefix string) string {
	result := make([]byte, len(prefix))
	for i := 0; i < len(prefix); i++ {
		if prefix[i] == '.' {
			result[i] = '_'
		} else {
			result[i] = prefix[i]
		}
	}
	return string(result)
}
