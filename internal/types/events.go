package types

import "time"

// EventType represents the type of real-time event
type EventType string

const (
	EventChunkReceived   EventType = "upload.chunk_received"
	EventUploadCommitted EventType = "upload.committed"
	EventUploadFailed    EventType = "upload.failed"
	EventUploadExpired   EventType = "upload.expired"
)

// Event represents a real-time event that can be sent over WebSocket
type Event struct {
	Type      EventType   `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp string      `json:"timestamp"`
}

// ChunkReceivedEvent reports upload progress to the session owner
type ChunkReceivedEvent struct {
	UploadID       string  `json:"upload_id"`
	ChunkIndex     int     `json:"chunk_index"`
	UploadedChunks int     `json:"uploaded_chunks"`
	TotalChunks    int     `json:"total_chunks"`
	Progress       float64 `json:"progress"`
}

// UploadCommittedEvent carries the committed file reference
type UploadCommittedEvent struct {
	UploadID string       `json:"upload_id"`
	Result   CommitResult `json:"result"`
}

// UploadFailedEvent reports a failed commit attempt
type UploadFailedEvent struct {
	UploadID string `json:"upload_id"`
	Reason   string `json:"reason"`
}

// UploadExpiredEvent reports that the sweeper reclaimed a session
type UploadExpiredEvent struct {
	UploadID  string `json:"upload_id"`
	ExpiredAt string `json:"expired_at"`
}

// NewEvent creates a new event with the current timestamp
func NewEvent(eventType EventType, data interface{}) *Event {
	return &Event{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
}
