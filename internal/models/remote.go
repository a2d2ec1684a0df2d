package models

import (
	"encoding/json"
	"time"
)

// RemoteSessionType selects the interactive channel an operator requested.
type RemoteSessionType string

const (
	SessionTypeTerminal     RemoteSessionType = "terminal"
	SessionTypeDesktop      RemoteSessionType = "desktop"
	SessionTypeFileTransfer RemoteSessionType = "file_transfer"
)

// RemoteSessionStatus tracks the signaling lifecycle.
type RemoteSessionStatus string

const (
	SessionStatusPending      RemoteSessionStatus = "pending"
	SessionStatusConnecting   RemoteSessionStatus = "connecting"
	SessionStatusActive       RemoteSessionStatus = "active"
	SessionStatusDisconnected RemoteSessionStatus = "disconnected"
	SessionStatusFailed       RemoteSessionStatus = "failed"
)

// RemoteSession mediates a WebRTC connection between an operator and an
// agent. Only the owning UserID may post offer/answer/ice/end; the device's
// agent may post file-transfer progress. Media never touches the server.
type RemoteSession struct {
	ID               string              `json:"id"`
	DeviceID         string              `json:"deviceId"`
	UserID           string              `json:"userId"`
	OrgID            string              `json:"orgId"`
	Type             RemoteSessionType   `json:"type"`
	Status           RemoteSessionStatus `json:"status"`
	Offer            *string             `json:"offer,omitempty"`
	Answer           *string             `json:"answer,omitempty"`
	ICECandidates    []json.RawMessage   `json:"iceCandidates,omitempty"`
	StartedAt        time.Time           `json:"startedAt"`
	EndedAt          *time.Time          `json:"endedAt,omitempty"`
	LastActivityAt   time.Time           `json:"lastActivityAt"`
	BytesTransferred int64               `json:"bytesTransferred"`
}

// TransferDirection distinguishes uploads (operator to device) from
// downloads.
type TransferDirection string

const (
	TransferUpload   TransferDirection = "upload"
	TransferDownload TransferDirection = "download"
)

// TransferStatus tracks a file transfer through completion.
type TransferStatus string

const (
	TransferStatusPending   TransferStatus = "pending"
	TransferStatusActive    TransferStatus = "active"
	TransferStatusCompleted TransferStatus = "completed"
	TransferStatusFailed    TransferStatus = "failed"
	TransferStatusCancelled TransferStatus = "cancelled"
)

// FileTransfer is the control-plane record of a file moving over a session
// data channel. Chunks ride WebRTC; only bookkeeping lands here.
type FileTransfer struct {
	ID              string            `json:"id"`
	SessionID       *string           `json:"sessionId,omitempty"`
	DeviceID        string            `json:"deviceId"`
	UserID          string            `json:"userId"`
	OrgID           string            `json:"orgId"`
	Direction       TransferDirection `json:"direction"`
	RemotePath      string            `json:"remotePath"`
	Size            int64             `json:"size"`
	Status          TransferStatus    `json:"status"`
	ProgressPercent int               `json:"progressPercent"`
	Checksum        string            `json:"checksum,omitempty"`
	BlobKey         string            `json:"-"`
	CreatedAt       time.Time         `json:"createdAt"`
	UpdatedAt       time.Time         `json:"updatedAt"`
}
