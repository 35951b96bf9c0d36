// Package wire defines the strongly-shaped types that cross the core's
// serialization boundaries: Redis-stored jobs and results, and the
// websocket client/server message tagged unions (spec §9 calls out
// replacing dynamically-typed job/result payloads with these).
package wire

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Job is an intent to synthesize one (block, variant) pair for a user and
// document (spec §3 "Job").
type Job struct {
	JobID           string            `json:"job_id"`
	UserID          string            `json:"user_id"`
	DocumentID      string            `json:"document_id"`
	BlockIdx        int               `json:"block_idx"`
	Text            string            `json:"text"`
	Model           string            `json:"model"`
	Voice           string            `json:"voice"`
	VoiceParams     map[string]string `json:"voice_params"`
	VariantHash     string            `json:"variant_hash"`
	UsageMultiplier float64           `json:"usage_multiplier"`
	CreatedAtMs     int64             `json:"created_at_ms"`
	RetryCount      int               `json:"retry_count"`
}

// VariantHash computes variant_hash = H(text ‖ model ‖ voice ‖ sorted(k=v)),
// per spec §3. Codec is intentionally excluded (SPEC_FULL.md §D.1).
func VariantHash(text, model, voice string, voiceParams map[string]string) string {
	h := sha256.New()
	h.Write([]byte(text))
	h.Write([]byte{0})
	h.Write([]byte(model))
	h.Write([]byte{0})
	h.Write([]byte(voice))
	h.Write([]byte{0})

	keys := make([]string, 0, len(voiceParams))
	for k := range voiceParams {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write([]byte(voiceParams[k]))
		h.Write([]byte{';'})
	}

	return hex.EncodeToString(h.Sum(nil))
}

// Result is a worker's output for a job (spec §3 "Result"). At most one
// of AudioB64/Codec/DurationMs or ErrorCode/ErrorMessage is populated; a
// result with neither is an empty (skipped) result.
type Result struct {
	JobID           string  `json:"job_id"`
	UserID          string  `json:"user_id"`
	DocumentID      string  `json:"document_id"`
	BlockIdx        int     `json:"block_idx"`
	Model           string  `json:"model"`
	Voice           string  `json:"voice"`
	VariantHash     string  `json:"variant_hash"`
	UsageMultiplier float64 `json:"usage_multiplier"`
	TextLength      int     `json:"text_length"`

	AudioB64   string `json:"audio_b64,omitempty"`
	Codec      string `json:"codec,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`

	ErrorCode    string `json:"error_code,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// IsError reports whether this result carries an adapter/worker failure.
func (r Result) IsError() bool {
	return r.ErrorCode != ""
}

// IsEmpty reports whether this result has no audio bytes to cache
// (spec §4.5 step 3, e.g. whitespace-only text).
func (r Result) IsEmpty() bool {
	return !r.IsError() && len(r.AudioB64) == 0
}

// Error codes (spec §7).
const (
	ErrorCodeAdapterExhausted = "adapter_exhausted"
	ErrorCodeAdapterFatal     = "adapter_fatal"
	ErrorCodeRetryLimit       = "retry_limit_exceeded"
)

// BillingEvent is pushed onto the `billing` list by the result consumer
// (spec §4.5 step 5) and drained by the billing consumer (§4.6).
type BillingEvent struct {
	UserID          string  `json:"user_id"`
	DocumentID      string  `json:"document_id"`
	VariantHash     string  `json:"variant_hash"`
	TextLength      int     `json:"text_length"`
	UsageMultiplier float64 `json:"usage_multiplier"`
	DurationMs      int64   `json:"duration_ms"`
	Model           string  `json:"model"`
	Voice           string  `json:"voice"`
	Codec           string  `json:"codec"`
	CacheRef        string  `json:"cache_ref"`
}
