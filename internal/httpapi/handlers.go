// Package httpapi exposes the plain-HTTP surface around the synthesis
// core: fetching cached audio and uploading browser-synthesized audio
// (spec §4.11, §9 "browser synthesis mode"). It follows the teacher's
// handlers package shape — constructor functions returning
// http.HandlerFunc closures over their collaborators, wired by gorilla/mux
// in cmd/server.
package httpapi

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/yapit-tts/yapit-sub004/internal/cache"
	"github.com/yapit-tts/yapit-sub004/internal/queue"
	"github.com/yapit-tts/yapit-sub004/internal/wire"
)

const maxUploadBytes = 16 << 20 // 16MiB, generous for one block of browser-synthesized audio.

// GetAudio serves a cached variant's audio bytes by variant_hash (spec §9
// "audio_url").
func GetAudio(store *cache.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		variantHash := mux.Vars(r)["variant_hash"]
		entry, err := store.Get(variantHash)
		if err != nil {
			if errors.Is(err, cache.ErrNotFound) {
				http.Error(w, "variant not found", http.StatusNotFound)
				return
			}
			slog.Error("httpapi: cache get failed", "variant_hash", variantHash, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", codecMIME(entry.Codec))
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
		w.WriteHeader(http.StatusOK)
		w.Write(entry.Audio)
	}
}

// uploadRequest is the browser-synthesis upload body (spec §4.11): the
// client already ran TTS locally and hands the result to the server to
// cache and bill like any other variant.
type uploadRequest struct {
	UserID          string            `json:"user_id" validate:"required"`
	DocumentID      string            `json:"document_id" validate:"required"`
	BlockIdx        int               `json:"block_idx"`
	Text            string            `json:"text" validate:"required"`
	Model           string            `json:"model" validate:"required"`
	Voice           string            `json:"voice" validate:"required"`
	VoiceParams     map[string]string `json:"voice_params"`
	AudioB64        string            `json:"audio_b64" validate:"required"`
	Codec           string            `json:"codec" validate:"required"`
	DurationMs      int64             `json:"duration_ms"`
	UsageMultiplier float64           `json:"usage_multiplier"`
}

// PostAudio accepts a browser-synthesized block, caches it under its
// variant_hash, and pushes a usage event onto the same billing list the
// result consumer uses (spec §4.5, §4.11) — the billing consumer doesn't
// care whether a block was synthesized server-side or in the browser.
func PostAudio(store *cache.Store, client *queue.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body := http.MaxBytesReader(w, r.Body, maxUploadBytes)
		defer r.Body.Close()

		var req uploadRequest
		if err := json.NewDecoder(body).Decode(&req); err != nil {
			if errors.Is(err, io.ErrUnexpectedEOF) || err.Error() == "http: request body too large" {
				http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
				return
			}
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		if err := validate.Struct(req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		audio, err := base64.StdEncoding.DecodeString(req.AudioB64)
		if err != nil {
			http.Error(w, "invalid audio_b64", http.StatusBadRequest)
			return
		}

		variantHash := wire.VariantHash(req.Text, req.Model, req.Voice, req.VoiceParams)
		if err := store.Put(variantHash, audio, req.Codec, req.DurationMs); err != nil {
			slog.Error("httpapi: cache put failed", "variant_hash", variantHash, "error", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		event := wire.BillingEvent{
			UserID: req.UserID, DocumentID: req.DocumentID, VariantHash: variantHash,
			TextLength: len(req.Text), UsageMultiplier: req.UsageMultiplier,
			DurationMs: req.DurationMs, Model: req.Model, Voice: req.Voice,
			Codec: req.Codec, CacheRef: variantHash,
		}
		if err := client.PushBillingEvent(r.Context(), event); err != nil {
			slog.Error("httpapi: billing push failed", "variant_hash", variantHash, "error", err)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{
			"variant_hash": variantHash,
			"audio_url":    "/audio/" + variantHash,
		})
	}
}

func codecMIME(codec string) string {
	switch codec {
	case "opus":
		return "audio/ogg; codecs=opus"
	case "mp3":
		return "audio/mpeg"
	case "wav":
		return "audio/wav"
	default:
		return "application/octet-stream"
	}
}
