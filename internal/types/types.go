package types

import "time"

// State is the lifecycle state of an upload session
type State string

const (
	StateOpen       State = "OPEN"
	StateCommitting State = "COMMITTING"
	StateCommitted  State = "COMMITTED"
	StateExpired    State = "EXPIRED"
	StateFailed     State = "FAILED"
)

// Terminal reports whether no further transition can leave s
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateExpired
}

// Caller is the authenticated identity behind a request
type Caller struct {
	UserID string
	Admin  bool
}

// CommitResult is the hand-off reference for a committed file
type CommitResult struct {
	SHA256      string `json:"sha256"`
	Size        int64  `json:"size"`
	StoragePath string `json:"storagePath"`
	PublicPath  string `json:"publicPath"`
	IsDuplicate bool   `json:"isDuplicate"`
}

// StoredObject is an entry of the content-addressed namespace. It is never
// mutated after creation.
type StoredObject struct {
	ContentHash   string    `json:"content_hash" db:"content_hash"`
	Size          int64     `json:"size" db:"size"`
	StoragePath   string    `json:"storage_path" db:"storage_path"`
	PublicPath    string    `json:"public_path" db:"public_path"`
	FirstStoredAt time.Time `json:"first_stored_at" db:"first_stored_at"`
}
