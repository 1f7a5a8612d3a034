// Package protocol defines the wire envelope exchanged between the sync
// engine and its clients
package protocol

import (
	"encoding/json"
	"time"
)

// Message type constants
const (
	// File lifecycle
	MessageTypeFileCreated  = "file_created"
	MessageTypeFileModified = "file_modified"
	MessageTypeFileDeleted  = "file_deleted"
	MessageTypeChangeBatch  = "change_batch"

	// Locking
	MessageTypeLockAcquired = "lock_acquired"
	MessageTypeLockReleased = "lock_released"
	MessageTypeLockDenied   = "lock_denied"

	// Conflicts
	MessageTypeConflictDetected = "conflict_detected"
	MessageTypeConflictResolved = "conflict_resolved"

	// Collaboration
	MessageTypeCollabOp      = "collab_op"
	MessageTypeCursorUpdate  = "cursor_update"
	MessageTypePresenceJoin  = "presence_join"
	MessageTypePresenceLeave = "presence_leave"
	MessageTypeDocumentState = "document_state"

	// Subscriptions
	MessageTypeSubscribe   = "subscribe"
	MessageTypeUnsubscribe = "unsubscribe"

	// Connection lifecycle
	MessageTypePing   = "ping"
	MessageTypePong   = "pong"
	MessageTypeClose  = "close"
	MessageTypeClosed = "closed"

	// Error
	MessageTypeError = "error"
)

// Envelope is the base structure for all messages. Exactly one of Path or
// DocumentID is set depending on whether the message targets a file or a
// collaborative document.
type Envelope struct {
	Type       string          `json:"type"`
	Path       string          `json:"path,omitempty"`
	DocumentID string          `json:"document_id,omitempty"`
	RequestID  string          `json:"request_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  string          `json:"timestamp,omitempty"`
	Error      *ErrorInfo      `json:"error,omitempty"`
}

// ErrorInfo contains error details
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// NewMessage creates an envelope for a file-scoped message
func NewMessage(msgType, path string, payload interface{}) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:      msgType,
		Path:      path,
		Payload:   raw,
		Timestamp: now(),
	}, nil
}

// NewDocumentMessage creates an envelope for a document-scoped message
func NewDocumentMessage(msgType, documentID string, payload interface{}) (*Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Type:       msgType,
		DocumentID: documentID,
		Payload:    raw,
		Timestamp:  now(),
	}, nil
}

// NewError creates an error envelope
func NewError(requestID, errCode, message, details string) *Envelope {
	return &Envelope{
		Type:      MessageTypeError,
		RequestID: requestID,
		Error: &ErrorInfo{
			Code:    errCode,
			Message: message,
			Details: details,
		},
		Timestamp: now(),
	}
}

func marshalPayload(payload interface{}) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// ChangeEvent is one entry within a change_batch payload
type ChangeEvent struct {
	Path     string `json:"path"`
	Action   string `json:"action"` // "create", "modify" or "delete"
	Checksum string `json:"checksum,omitempty"`
}

// ChangeBatch is the payload for change_batch messages
type ChangeBatch struct {
	Workspace string        `json:"workspace"`
	Events    []ChangeEvent `json:"events"`
	ClosedAt  time.Time     `json:"closed_at"`
}

// LockNotice is the payload for lock_* messages
type LockNotice struct {
	Path   string `json:"path"`
	Mode   string `json:"mode"` // "exclusive" or "shared"
	Holder string `json:"holder"`
	LockID string `json:"lock_id,omitempty"`
}

// ConflictNotice is the payload for conflict_detected messages
type ConflictNotice struct {
	Path            string    `json:"path"`
	CurrentChecksum string    `json:"current_checksum"`
	KnownChecksum   string    `json:"known_checksum"`
	CurrentModTime  time.Time `json:"current_mod_time"`
	KnownModTime    time.Time `json:"known_mod_time"`
}

// CursorNotice is the payload for cursor_update messages
type CursorNotice struct {
	User   string `json:"user"`
	Line   int    `json:"line"`
	Column int    `json:"column"`
}

// PresenceNotice is the payload for presence_join and presence_leave
type PresenceNotice struct {
	User        string   `json:"user"`
	ActiveUsers []string `json:"active_users"`
}

// SubscribeRequest is the payload for subscribe and unsubscribe
type SubscribeRequest struct {
	Workspace string `json:"workspace,omitempty"`
	Path      string `json:"path,omitempty"`
}
