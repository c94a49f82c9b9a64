// Package audit writes one structured record per security- or
// lifecycle-relevant upload event. Records never carry file content, and
// owner ids are reduced to a short hash.
package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"

	"github.com/princekumarofficial/uploads-service/internal/types"
	"github.com/rs/zerolog"
)

// Event types
const (
	EventUploadCreated   = "upload.created"
	EventChunkRejected   = "chunk.rejected"
	EventCommitSucceeded = "commit.succeeded"
	EventCommitFailed    = "commit.failed"
	EventSessionExpired  = "session.expired"
	EventSessionDiscard  = "session.discarded"
	EventAccessDenied    = "access.denied"
)

type Logger struct {
	logger zerolog.Logger
}

func NewLogger(logger zerolog.Logger) *Logger {
	return &Logger{logger: logger}
}

// Nop discards everything
func Nop() *Logger {
	return &Logger{logger: zerolog.Nop()}
}

// RedactOwner maps an owner id to the first 12 hex characters of its SHA-256
func RedactOwner(ownerID string) string {
	if ownerID == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ownerID))
	return hex.EncodeToString(sum[:])[:12]
}

func (l *Logger) event(level zerolog.Level, eventType, uploadID, ownerID string) *zerolog.Event {
	return l.logger.WithLevel(level).
		Str("event_type", eventType).
		Str("upload_id", uploadID).
		Str("owner", RedactOwner(ownerID))
}

func (l *Logger) LogCreated(uploadID, ownerID string, totalSize int64, totalChunks int) {
	l.event(zerolog.InfoLevel, EventUploadCreated, uploadID, ownerID).
		Int64("total_size", totalSize).
		Int("total_chunks", totalChunks).
		Msg("Upload session created")
}

// LogChunkRejected records a refused chunk write with the error kind
func (l *Logger) LogChunkRejected(uploadID, ownerID string, index int, err error) {
	l.event(zerolog.WarnLevel, EventChunkRejected, uploadID, ownerID).
		Int("index", index).
		Str("kind", types.Kind(err)).
		Str("reason", err.Error()).
		Msg("Chunk rejected")
}

func (l *Logger) LogCommitSucceeded(uploadID, ownerID string, result types.CommitResult) {
	l.event(zerolog.InfoLevel, EventCommitSucceeded, uploadID, ownerID).
		Str("sha256", result.SHA256).
		Int64("size", result.Size).
		Str("storage_path", result.StoragePath).
		Bool("duplicate", result.IsDuplicate).
		Msg("Upload committed")
}

func (l *Logger) LogCommitFailed(uploadID, ownerID string, err error) {
	event := l.event(zerolog.WarnLevel, EventCommitFailed, uploadID, ownerID).
		Str("kind", types.Kind(err)).
		Str("reason", err.Error())

	var incomplete *types.IncompleteError
	if errors.As(err, &incomplete) {
		event = event.Ints("missing", incomplete.Missing)
	}

	event.Msg("Commit failed")
}

func (l *Logger) LogExpired(uploadID, ownerID string) {
	l.event(zerolog.InfoLevel, EventSessionExpired, uploadID, ownerID).
		Msg("Upload session expired")
}

func (l *Logger) LogDiscarded(uploadID, ownerID, actorID string) {
	l.event(zerolog.InfoLevel, EventSessionDiscard, uploadID, ownerID).
		Str("actor", RedactOwner(actorID)).
		Msg("Upload session discarded")
}

// LogAccessDenied records a caller acting on a session it does not own
func (l *Logger) LogAccessDenied(uploadID, ownerID, callerID, operation string) {
	l.event(zerolog.WarnLevel, EventAccessDenied, uploadID, ownerID).
		Str("caller", RedactOwner(callerID)).
		Str("operation", operation).
		Msg("Access denied")
}
