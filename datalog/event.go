package datalog

import (
	"fmt"
	"time"

	"github.com/trickledb/trickle/encoding"
)

// EventType is the captured row mutation kind.
type EventType string

const (
	EventInsert EventType = "I"
	EventUpdate EventType = "U"
	EventDelete EventType = "D"
)

// Valid reports whether t is a known event type.
func (t EventType) Valid() bool {
	switch t {
	case EventInsert, EventUpdate, EventDelete:
		return true
	}
	return false
}

// ChangeEvent is one captured row mutation from the change log.
// Events are created by the capture triggers and are read-only to the
// routing engine; column values are trigger-captured strings.
type ChangeEvent struct {
	ID           int64
	ChannelID    string
	Table        string
	Type         EventType
	RowData      map[string]string // post-image
	OldData      map[string]string // pre-image, nil for inserts
	PKData       map[string]string
	TxnID        string
	SourceNodeID string
	CreateTime   time.Time
}

// rowImage is the stored shape of a captured column map.
type rowImage struct {
	Values map[string]string `msgpack:"v"`
}

// EncodeImage serializes a captured column map to msgpack bytes.
// A nil map encodes to nil so absent pre-images stay NULL in the log.
func EncodeImage(values map[string]string) ([]byte, error) {
	if values == nil {
		return nil, nil
	}
	return encoding.Marshal(&rowImage{Values: values})
}

// DecodeImage deserializes msgpack bytes to a captured column map.
func DecodeImage(data []byte) (map[string]string, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var img rowImage
	if err := encoding.Unmarshal(data, &img); err != nil {
		return nil, fmt.Errorf("failed to decode row image: %w", err)
	}
	return img.Values, nil
}

// PayloadSize estimates the wire size of the event for batch byte limits.
func (e *ChangeEvent) PayloadSize() int {
	size := 0
	for k, v := range e.RowData {
		size += len(k) + len(v)
	}
	for k, v := range e.OldData {
		size += len(k) + len(v)
	}
	return size
}
