package wire

import "encoding/json"

// Client → server message types (spec §6).
const (
	ClientMsgSynthesize  = "synthesize"
	ClientMsgCursorMoved = "cursor_moved"
)

// SynthesisMode distinguishes server-side synthesis from browser-local
// synthesis (spec §4.3, §4.11).
type SynthesisMode string

const (
	SynthesisModeServer  SynthesisMode = "server"
	SynthesisModeBrowser SynthesisMode = "browser"
)

// ClientEnvelope is the tagged union envelope read off the websocket. Type
// selects which of the embedded payloads is populated.
type ClientEnvelope struct {
	Type string `json:"type"`

	Synthesize  *SynthesizeMessage  `json:"-"`
	CursorMoved *CursorMovedMessage `json:"-"`
}

// SynthesizeMessage is the `synthesize` client message (spec §4.3, §6).
type SynthesizeMessage struct {
	DocumentID     string        `json:"document_id" validate:"required"`
	BlockIndices   []int         `json:"block_indices"`
	Cursor         int           `json:"cursor"`
	Model          string        `json:"model" validate:"required"`
	Voice          string        `json:"voice" validate:"required"`
	SynthesisMode  SynthesisMode `json:"synthesis_mode" validate:"required,oneof=server browser"`
}

// CursorMovedMessage is the `cursor_moved` client message (spec §4.3, §6).
type CursorMovedMessage struct {
	DocumentID string `json:"document_id" validate:"required"`
	Cursor     int    `json:"cursor"`
}

// UnmarshalJSON decodes the envelope, then re-decodes the matching payload
// based on the discriminator field.
func (e *ClientEnvelope) UnmarshalJSON(data []byte) error {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return err
	}
	e.Type = head.Type

	switch head.Type {
	case ClientMsgSynthesize:
		var m SynthesizeMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		e.Synthesize = &m
	case ClientMsgCursorMoved:
		var m CursorMovedMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return err
		}
		e.CursorMoved = &m
	}
	return nil
}

// Status values for the server `status` message (spec §4.3, §6, §7).
const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusCached     = "cached"
	StatusSkipped    = "skipped"
	StatusError      = "error"
)

// Server → client message types.
const (
	ServerMsgStatus   = "status"
	ServerMsgEvicted  = "evicted"
	ServerMsgError    = "error"
)

// StatusMessage is the per-block status push (spec §4.3, §6).
type StatusMessage struct {
	Type       string `json:"type"`
	DocumentID string `json:"document_id"`
	BlockIdx   int    `json:"block_idx"`
	Status     string `json:"status"`
	VariantHash string `json:"variant_hash,omitempty"`
	AudioURL   string `json:"audio_url,omitempty"`
	Error      string `json:"error,omitempty"`
	ModelSlug  string `json:"model_slug"`
	VoiceSlug  string `json:"voice_slug"`
}

// NewStatusMessage builds a status envelope with Type pre-filled.
func NewStatusMessage(documentID string, blockIdx int, status, model, voice string) StatusMessage {
	return StatusMessage{
		Type:       ServerMsgStatus,
		DocumentID: documentID,
		BlockIdx:   blockIdx,
		Status:     status,
		ModelSlug:  model,
		VoiceSlug:  voice,
	}
}

// EvictedMessage lists block indices removed by a cursor move (spec §4.3).
type EvictedMessage struct {
	Type         string `json:"type"`
	DocumentID   string `json:"document_id"`
	BlockIndices []int  `json:"block_indices"`
}

// ErrorMessage is a document-level failure (spec §4.3, §7 "not a per-block status").
type ErrorMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}

// NewErrorMessage builds a document-level error envelope.
func NewErrorMessage(reason, detail string) ErrorMessage {
	return ErrorMessage{Type: ServerMsgError, Reason: reason, Detail: detail}
}
