package uploads

import "time"

// CreateUploadRequest opens a new upload session
type CreateUploadRequest struct {
	FileName    string            `json:"fileName" validate:"required,max=255"`
	TotalSize   int64             `json:"totalSize" validate:"min=0"`
	TotalChunks int               `json:"totalChunks" validate:"required,min=1"`
	Metadata    map[string]string `json:"metadata,omitempty" validate:"omitempty,max=32,dive,keys,max=64,endkeys,max=1024"`
}

// CreateUploadResponse is returned when a session is created
type CreateUploadResponse struct {
	UploadID  string    `json:"uploadId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// UploadStatusResponse describes the progress of a session
type UploadStatusResponse struct {
	UploadID       string    `json:"uploadId"`
	FileName       string    `json:"fileName"`
	State          string    `json:"state"`
	UploadedChunks int       `json:"uploadedChunks"`
	TotalChunks    int       `json:"totalChunks"`
	MissingChunks  []int     `json:"missingChunks"`
	Progress       float64   `json:"progress"`
	ExpiresAt      time.Time `json:"expiresAt"`
}

// CommitUploadRequest optionally merges metadata into the final record
type CommitUploadRequest struct {
	Metadata map[string]string `json:"metadata,omitempty" validate:"omitempty,max=32,dive,keys,max=64,endkeys,max=1024"`
}

// ChunkAcceptedResponse is returned for an accepted chunk
type ChunkAcceptedResponse struct {
	UploadID       string `json:"uploadId"`
	ChunkIndex     int    `json:"chunkIndex"`
	Size           int64  `json:"size"`
	UploadedChunks int    `json:"uploadedChunks"`
	TotalChunks    int    `json:"totalChunks"`
}
