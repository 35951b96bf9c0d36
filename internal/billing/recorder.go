package billing

import (
	"fmt"

	supabase "github.com/supabase-community/supabase-go"

	"github.com/yapit-tts/yapit-sub004/internal/wire"
)

// UsageRecorder mirrors committed usage to the external usage-recording
// collaborator over the Supabase REST API (spec §6), the same client the
// teacher used for its tenant/agent tables (database.SupabaseClient).
type UsageRecorder struct {
	client *supabase.Client
}

// NewUsageRecorder builds a recorder against the given Supabase project.
func NewUsageRecorder(url, serviceKey string) (*UsageRecorder, error) {
	client, err := supabase.NewClient(url, serviceKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("billing: new supabase client: %w", err)
	}
	return &UsageRecorder{client: client}, nil
}

// usageRow is the wire shape inserted into Supabase's usage_events table.
type usageRow struct {
	UserID          string  `json:"user_id"`
	DocumentID      string  `json:"document_id"`
	VariantHash     string  `json:"variant_hash"`
	TextLength      int     `json:"text_length"`
	UsageMultiplier float64 `json:"usage_multiplier"`
	DurationMs      int64   `json:"duration_ms"`
	Model           string  `json:"model"`
	Voice           string  `json:"voice"`
}

// Record inserts one usage row, upserting on (user_id, variant_hash) so a
// redelivered billing event cannot double-charge (spec §4.6).
func (r *UsageRecorder) Record(event wire.BillingEvent) error {
	row := usageRow{
		UserID:          event.UserID,
		DocumentID:      event.DocumentID,
		VariantHash:     event.VariantHash,
		TextLength:      event.TextLength,
		UsageMultiplier: event.UsageMultiplier,
		DurationMs:      event.DurationMs,
		Model:           event.Model,
		Voice:           event.Voice,
	}
	var result []usageRow
	_, err := r.client.From("usage_events").
		Upsert(row, "user_id,variant_hash", "", "").
		ExecuteTo(&result)
	if err != nil {
		return fmt.Errorf("billing: upsert usage_events: %w", err)
	}
	return nil
}
