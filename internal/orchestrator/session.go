// Package orchestrator implements the synthesis websocket endpoint (spec
// §4.3, §9): the admission path for `synthesize` and the eviction path for
// `cursor_moved`. It is the direct descendant of the teacher's
// DAGStreamer — same register/unregister/broadcast hub shape — but each
// session here subscribes to its own (user, document) notification
// channel instead of one global broadcast, since a synthesize reply must
// only reach the client that asked for it.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/yapit-tts/yapit-sub004/internal/cache"
	"github.com/yapit-tts/yapit-sub004/internal/notify"
	"github.com/yapit-tts/yapit-sub004/internal/queue"
	"github.com/yapit-tts/yapit-sub004/internal/wire"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// UsageGate is the external policy collaborator consulted before a block
// is admitted (spec §4.3 step 3). Implementations may deny a block with a
// client-facing reason.
type UsageGate interface {
	Allow(ctx context.Context, userID, documentID string, blockIdx int, usageMultiplier float64) (bool, string, error)
}

// Hub upgrades websocket connections into Sessions and owns the shared
// collaborators every session needs.
type Hub struct {
	Client         *queue.Client
	Cache          *cache.Store
	Bus            *notify.Bus
	Documents      DocumentStore
	Usage          UsageGate
	VariantTimeout time.Duration
	RetentionBehind int
	RetentionAhead  int

	upgrader websocket.Upgrader
}

// NewHub builds a Hub. CORS is the caller's concern (spec §5 ambient
// stack, applied at the HTTP layer before the upgrade).
func NewHub(client *queue.Client, store *cache.Store, bus *notify.Bus, docs DocumentStore, usage UsageGate, variantTimeout time.Duration, retentionBehind, retentionAhead int) *Hub {
	return &Hub{
		Client: client, Cache: store, Bus: bus, Documents: docs, Usage: usage,
		VariantTimeout: variantTimeout, RetentionBehind: retentionBehind, RetentionAhead: retentionAhead,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs the session until the client
// disconnects, after a light handshake resolving the caller to a user_id
// (spec §4.3 "opaque user-session material for a user_id").
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request, userID string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("orchestrator: websocket upgrade failed", "error", err)
		return
	}

	sess := &session{
		hub:    h,
		conn:   conn,
		userID: userID,
		subs:   make(map[string]*notify.Subscription),
	}
	sess.run()
}

// session is one connected client: a write mutex for outgoing frames and a
// set of outstanding (document_id, variant_hash) subscriptions (spec §4.3
// "Admission/subscription"). It keeps no model/voice state; model and
// voice are echoed from each synthesize message.
type session struct {
	hub    *Hub
	conn   *websocket.Conn
	userID string

	writeMu sync.Mutex

	subMu sync.Mutex
	subs  map[string]*notify.Subscription // key: documentID + "|" + variantHash
}

func (s *session) run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	defer s.closeAllSubs()
	defer s.conn.Close()

	for {
		var env wire.ClientEnvelope
		if err := s.conn.ReadJSON(&env); err != nil {
			return
		}

		switch env.Type {
		case wire.ClientMsgSynthesize:
			if env.Synthesize == nil {
				continue
			}
			if err := validate.Struct(env.Synthesize); err != nil {
				s.writeJSON(wire.NewErrorMessage("invalid_request", err.Error()))
				continue
			}
			s.handleSynthesize(ctx, *env.Synthesize)
		case wire.ClientMsgCursorMoved:
			if env.CursorMoved == nil {
				continue
			}
			if err := validate.Struct(env.CursorMoved); err != nil {
				s.writeJSON(wire.NewErrorMessage("invalid_request", err.Error()))
				continue
			}
			s.handleCursorMoved(ctx, *env.CursorMoved)
		}
	}
}

// handleSynthesize runs the five-step admission algorithm for each
// requested block index (spec §4.3 "synthesize").
func (s *session) handleSynthesize(ctx context.Context, msg wire.SynthesizeMessage) {
	for _, blockIdx := range msg.BlockIndices {
		s.admitBlock(ctx, msg, blockIdx)
	}
}

func (s *session) admitBlock(ctx context.Context, msg wire.SynthesizeMessage, blockIdx int) {
	block, err := s.hub.Documents.GetBlock(msg.DocumentID, blockIdx)
	if err != nil {
		s.writeJSON(wire.NewErrorMessage("unknown_document", err.Error()))
		return
	}

	variantHash := wire.VariantHash(block.Text, msg.Model, msg.Voice, block.VoiceParams)

	// Step 2: cache hit.
	if ok, err := s.hub.Cache.Exists(variantHash); err == nil && ok {
		status := wire.NewStatusMessage(msg.DocumentID, blockIdx, wire.StatusCached, msg.Model, msg.Voice)
		status.VariantHash = variantHash
		status.AudioURL = audioURL(variantHash)
		s.writeJSON(status)
		return
	}

	// Step 3: usage gate.
	if s.hub.Usage != nil {
		allowed, reason, err := s.hub.Usage.Allow(ctx, s.userID, msg.DocumentID, blockIdx, block.UsageMultiplier)
		if err != nil || !allowed {
			status := wire.NewStatusMessage(msg.DocumentID, blockIdx, wire.StatusError, msg.Model, msg.Voice)
			status.VariantHash = variantHash
			if reason != "" {
				status.Error = reason
			} else {
				status.Error = "usage gate denied"
			}
			s.writeJSON(status)
			return
		}
	}

	// Step 4: dedup admission.
	job := wire.Job{
		JobID:           uuid.NewString(),
		UserID:          s.userID,
		DocumentID:      msg.DocumentID,
		BlockIdx:        blockIdx,
		Text:            block.Text,
		Model:           msg.Model,
		Voice:           msg.Voice,
		VoiceParams:     block.VoiceParams,
		VariantHash:     variantHash,
		UsageMultiplier: block.UsageMultiplier,
		CreatedAtMs:     time.Now().UnixMilli(),
	}

	won, err := s.hub.Client.EnqueueIfNew(ctx, job, s.hub.VariantTimeout)
	if err != nil {
		slog.Error("orchestrator: enqueue failed", "error", err)
		status := wire.NewStatusMessage(msg.DocumentID, blockIdx, wire.StatusError, msg.Model, msg.Voice)
		status.Error = "enqueue failed"
		s.writeJSON(status)
		return
	}

	status := wire.NewStatusMessage(msg.DocumentID, blockIdx, wire.StatusQueued, msg.Model, msg.Voice)
	status.VariantHash = variantHash
	s.writeJSON(status)

	// Step 5: subscribe regardless of who won the race — the loser still
	// needs to hear the winner's result.
	s.subscribe(ctx, msg.DocumentID, variantHash)
	_ = won
}

// subscribe opens (once) a Redis subscription for this (document, variant)
// and forwards each block_ready event whose variant_hash matches to the
// client as a status message; other events on the channel are skipped.
func (s *session) subscribe(ctx context.Context, documentID, variantHash string) {
	key := documentID + "|" + variantHash

	s.subMu.Lock()
	if _, exists := s.subs[key]; exists {
		s.subMu.Unlock()
		return
	}
	sub, err := s.hub.Bus.Subscribe(ctx, s.userID, documentID)
	if err != nil {
		s.subMu.Unlock()
		slog.Error("orchestrator: subscribe failed", "error", err)
		return
	}
	s.subs[key] = sub
	s.subMu.Unlock()

	go func() {
		for event := range sub.Events() {
			if event.Type != notify.EventBlockReady {
				continue
			}
			if hash, _ := event.Data["variant_hash"].(string); hash != variantHash {
				continue
			}
			s.forwardStatus(event)
		}
	}()
}

func (s *session) forwardStatus(event *notify.CloudEvent) {
	status, _ := event.Data["status"].(string)
	blockIdx, _ := event.Data["block_idx"].(float64)
	model, _ := event.Data["model_slug"].(string)
	voice, _ := event.Data["voice_slug"].(string)
	variantHash, _ := event.Data["variant_hash"].(string)
	errMsg, _ := event.Data["error"].(string)

	msg := wire.NewStatusMessage(event.Subject, int(blockIdx), status, model, voice)
	msg.VariantHash = variantHash
	msg.Error = errMsg
	if status == wire.StatusCached {
		msg.AudioURL = audioURL(variantHash)
	}
	s.writeJSON(msg)
}

// handleCursorMoved evicts every indexed, unclaimed job outside the
// retention window around the new cursor (spec §4.3, §4.9 example "2
// behind, 10 ahead"). It enumerates the actual indexed blocks rather than
// an arithmetic window around the cursor: a large batch enqueued before
// the first cursor move can sit entirely outside any window derived from
// the retention distances, and every one of those blocks still needs
// evicting (spec §8 scenario 3).
func (s *session) handleCursorMoved(ctx context.Context, msg wire.CursorMovedMessage) {
	lo := msg.Cursor - s.hub.RetentionBehind
	hi := msg.Cursor + s.hub.RetentionAhead

	indexed, err := s.hub.Client.IndexedBlocks(ctx, s.userID, msg.DocumentID)
	if err != nil {
		slog.Error("orchestrator: list indexed blocks failed", "document_id", msg.DocumentID, "error", err)
		return
	}

	var evicted []int
	for _, idx := range indexed {
		if idx >= lo && idx <= hi {
			continue
		}
		outcome, err := s.hub.Client.EvictBlock(ctx, s.userID, msg.DocumentID, idx)
		if err != nil {
			slog.Error("orchestrator: evict failed", "document_id", msg.DocumentID, "block_idx", idx, "error", err)
			continue
		}
		if outcome == queue.EvictOutcomeEvicted {
			evicted = append(evicted, idx)
		}
	}

	if len(evicted) > 0 {
		s.writeJSON(wire.EvictedMessage{Type: wire.ServerMsgEvicted, DocumentID: msg.DocumentID, BlockIndices: evicted})
	}
}

func (s *session) writeJSON(v interface{}) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteJSON(v); err != nil {
		slog.Error("orchestrator: write failed", "error", err)
	}
}

func (s *session) closeAllSubs() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, sub := range s.subs {
		_ = sub.Close()
	}
}

func audioURL(variantHash string) string {
	return fmt.Sprintf("/audio/%s", variantHash)
}
