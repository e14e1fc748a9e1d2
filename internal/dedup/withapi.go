package dedup

import (
	"context"
	"encoding/json"
	"time"

	"github.com/you/mention-tracker/internal/core"
)

type broadcaster interface {
	Broadcast(core.ProcessedItem)
	ReportDBWriteError()
}

// WithBroadcast forwards every newly processed item to live HTTP subscribers
// after it has been persisted. Write failures are counted instead.
type WithBroadcast struct {
	*SQLiteStore
	api broadcaster
}

func WithAPI(base *SQLiteStore, api broadcaster) *WithBroadcast {
	return &WithBroadcast{SQLiteStore: base, api: api}
}

func (w *WithBroadcast) MarkProcessed(ctx context.Context, itemID, platform string, payload any) error {
	inserted, err := w.SQLiteStore.markProcessed(ctx, itemID, platform, payload)
	if err != nil {
		if w.api != nil {
			w.api.ReportDBWriteError()
		}
		return err
	}
	if inserted && w.api != nil {
		data, _ := json.Marshal(payload)
		w.api.Broadcast(core.ProcessedItem{
			ItemID:      itemID,
			Platform:    platform,
			PayloadJSON: nz(string(data), "{}"),
			ProcessedAt: time.Now().UTC(),
		})
	}
	return nil
}

func (w *WithBroadcast) LogAction(ctx context.Context, platform, action string, details map[string]any) error {
	err := w.SQLiteStore.LogAction(ctx, platform, action, details)
	if err != nil && w.api != nil {
		w.api.ReportDBWriteError()
	}
	return err
}
