package dto

import "time"

type FileRef struct {
	URI         string `json:"uri" binding:"required"`
	ContentType string `json:"content_type"`
}

type CreateRequestRequest struct {
	Files []FileRef `json:"files" binding:"required,min=1,dive"`
}

type FileStateDTO struct {
	URI   string `json:"uri"`
	State string `json:"state"`
}

type CreateRequestResponse struct {
	RequestID uint32         `json:"request_id"`
	Files     []FileStateDTO `json:"files"`
}

type CancelRequestResponse struct {
	RequestID uint32 `json:"request_id"`
	Status    string `json:"status"`
}

// FileResponse is the state of a single file. Source is "memory" for files known to the
// running process and "history" for persisted states.
type FileResponse struct {
	URI         string     `json:"uri"`
	ContentType string     `json:"content_type,omitempty"`
	State       string     `json:"state"`
	UpdatedAt   *time.Time `json:"updated_at,omitempty"`
	Source      string     `json:"source"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}
