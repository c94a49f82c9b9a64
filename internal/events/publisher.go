package events

import (
	"time"

	"github.com/princekumarofficial/uploads-service/internal/types"
)

// Publisher pushes upload lifecycle events to the session owner
type Publisher interface {
	PublishChunkReceived(ownerID, uploadID string, index, uploaded, total int)
	PublishCommitted(ownerID, uploadID string, result types.CommitResult)
	PublishFailed(ownerID, uploadID, reason string)
	PublishExpired(ownerID, uploadID string)
}

// EventPublisher implements the Publisher interface
type EventPublisher struct {
	hub WebSocketHub
}

// WebSocketHub interface for the WebSocket hub
type WebSocketHub interface {
	BroadcastToUser(userID string, event *types.Event)
	IsUserConnected(userID string) bool
}

// NewEventPublisher creates a new event publisher
func NewEventPublisher(hub WebSocketHub) *EventPublisher {
	return &EventPublisher{
		hub: hub,
	}
}

func (p *EventPublisher) publish(ownerID string, eventType types.EventType, data interface{}) {
	// Only send if the owner is connected
	if !p.hub.IsUserConnected(ownerID) {
		return
	}
	p.hub.BroadcastToUser(ownerID, types.NewEvent(eventType, data))
}

func (p *EventPublisher) PublishChunkReceived(ownerID, uploadID string, index, uploaded, total int) {
	p.publish(ownerID, types.EventChunkReceived, &types.ChunkReceivedEvent{
		UploadID:       uploadID,
		ChunkIndex:     index,
		UploadedChunks: uploaded,
		TotalChunks:    total,
		Progress:       float64(uploaded) / float64(total),
	})
}

func (p *EventPublisher) PublishCommitted(ownerID, uploadID string, result types.CommitResult) {
	p.publish(ownerID, types.EventUploadCommitted, &types.UploadCommittedEvent{
		UploadID: uploadID,
		Result:   result,
	})
}

func (p *EventPublisher) PublishFailed(ownerID, uploadID, reason string) {
	p.publish(ownerID, types.EventUploadFailed, &types.UploadFailedEvent{
		UploadID: uploadID,
		Reason:   reason,
	})
}

func (p *EventPublisher) PublishExpired(ownerID, uploadID string) {
	p.publish(ownerID, types.EventUploadExpired, &types.UploadExpiredEvent{
		UploadID:  uploadID,
		ExpiredAt: time.Now().UTC().Format(time.RFC3339),
	})
}

// Nop drops every event
type Nop struct{}

func (Nop) PublishChunkReceived(ownerID, uploadID string, index, uploaded, total int) {}
func (Nop) PublishCommitted(ownerID, uploadID string, result types.CommitResult)      {}
func (Nop) PublishFailed(ownerID, uploadID, reason string)                            {}
func (Nop) PublishExpired(ownerID, uploadID string)                                   {}
