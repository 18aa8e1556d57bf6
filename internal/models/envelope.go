package models

import "time"

// ChangeType is the kind of committed change an [Envelope] carries.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Envelope is one committed change of a table row as it travels between stores, servers and clients.
//
// Record is the post-image (absent for deletes) and OldRecord the pre-image when the store has one.
// Seq is the change-log sequence; it increases with commit order and is 0 when unknown.
type Envelope struct {
	Type            ChangeType `json:"type" validate:"required,oneof=INSERT UPDATE DELETE"`
	Table           string     `json:"table" validate:"required"`
	Seq             uint64     `json:"seq"`
	Record          Row        `json:"record,omitempty" validate:"required_unless=Type DELETE"`
	OldRecord       Row        `json:"old_record,omitempty"`
	CommitTimestamp time.Time  `json:"commit_timestamp"`
}

// RecordID returns the id of the changed row, preferring the post-image.
func (e Envelope) RecordID() string {
	if id := e.Record.ID(); id != "" {
		return id
	}
	return e.OldRecord.ID()
}

// FrameEvent names the kind of a [Frame].
type FrameEvent string

const (
	FrameSubscribed FrameEvent = "subscribed" // the stream is established (or re-established)
	FrameChange     FrameEvent = "change"     // Payload carries a change
	FrameError      FrameEvent = "error"      // the stream failed; the producer may recover
)

// Frame is one element of a realtime change stream, in process and on the websocket.
type Frame struct {
	Event   FrameEvent `json:"event" validate:"required,oneof=subscribed change error"`
	Payload *Envelope  `json:"payload,omitempty" validate:"required_if=Event change"`
	Error   string     `json:"error,omitempty"`
}

// SubscribedFrame acknowledges a stream.
func SubscribedFrame() Frame {
	return Frame{Event: FrameSubscribed}
}

// ChangeFrame wraps an envelope.
func ChangeFrame(env Envelope) Frame {
	return Frame{Event: FrameChange, Payload: &env}
}

// ErrorFrame reports a stream failure.
func ErrorFrame(err error) Frame {
	return Frame{Event: FrameError, Error: err.Error()}
}
