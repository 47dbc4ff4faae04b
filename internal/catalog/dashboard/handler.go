package dashboard

import (
	"context"
	"path/filepath"
	"time"

	"github.com/allcryptotokens/tokendb/internal/catalog/db"
	"github.com/allcryptotokens/tokendb/internal/catalog/patch"
	"github.com/allcryptotokens/tokendb/internal/catalog/sync"
)

// PhaseData is the payload of MessageTypePhase.
type PhaseData struct {
	Phase      string `json:"phase"`
	Seeded     int    `json:"seeded"`
	Enriched   int    `json:"enriched"`
	Updated    int    `json:"updated"`
	Unchanged  int    `json:"unchanged"`
	Missing    int    `json:"missing"`
	Skipped    int    `json:"skipped"`
	Failed     int    `json:"failed"`
	DurationMs int64  `json:"duration_ms"`
}

// SyncCompleteData is the payload of MessageTypeSyncComplete.
type SyncCompleteData struct {
	RunID         string `json:"run_id"`
	Mode          string `json:"mode"`
	Phases        int    `json:"phases"`
	Unresolved    int    `json:"unresolved"`
	LastCommitted string `json:"last_committed,omitempty"`
	Aborted       bool   `json:"aborted"`
	Cancelled     bool   `json:"cancelled"`
}

// PatchData is the payload of MessageTypePatch.
type PatchData struct {
	File       string `json:"file"`
	Applied    bool   `json:"applied"`
	Updated    int    `json:"updated"`
	Missing    int    `json:"missing"`
	Skipped    int    `json:"skipped"`
	Generation int64  `json:"generation"`
	Error      string `json:"error,omitempty"`
}

// StatsData is the payload of MessageTypeStats.
type StatsData struct {
	Total              int   `json:"total"`
	Complete           int   `json:"complete"`
	MissingDescription int   `json:"missing_description"`
	MissingImage       int   `json:"missing_image"`
	Generation         int64 `json:"generation"`
}

// Handler turns pipeline and daemon callbacks into dashboard messages.
// A nil store disables the stats messages.
type Handler struct {
	server *Server
	store  *db.DB
}

// NewHandler creates a new event handler connected to a dashboard server
func NewHandler(server *Server, store *db.DB) *Handler {
	return &Handler{server: server, store: store}
}

// OnPhase is a sync.Config.OnPhase callback.
func (h *Handler) OnPhase(sum sync.PhaseSummary) {
	h.server.Publish(MessageTypePhase, PhaseData{
		Phase:      sum.Phase.String(),
		Seeded:     sum.Seeded,
		Enriched:   sum.Enriched,
		Updated:    sum.Updated,
		Unchanged:  sum.Unchanged,
		Missing:    sum.Missing,
		Skipped:    sum.Skipped,
		Failed:     sum.Failed,
		DurationMs: sum.Duration.Milliseconds(),
	})
	h.broadcastStats()
}

// OnRunComplete publishes the outcome of a whole run.
func (h *Handler) OnRunComplete(r *sync.Report) {
	if r == nil {
		return
	}
	h.server.Publish(MessageTypeSyncComplete, SyncCompleteData{
		RunID:         r.RunID,
		Mode:          r.Mode,
		Phases:        len(r.Phases),
		Unresolved:    len(r.Unresolved),
		LastCommitted: r.LastCommitted,
		Aborted:       r.Aborted,
		Cancelled:     r.Cancelled,
	})
}

// OnPatch is a daemon.OnProcessed callback.
func (h *Handler) OnPatch(path string, res *patch.Result, err error) {
	data := PatchData{File: filepath.Base(path), Applied: err == nil}
	if res != nil {
		data.Updated = res.Updated
		data.Missing = res.MissingInStore
		data.Skipped = res.Skipped
		data.Generation = res.Generation
	}
	if err != nil {
		data.Error = err.Error()
	}
	h.server.Publish(MessageTypePatch, data)
	if data.Applied {
		h.broadcastStats()
	}
}

func (h *Handler) broadcastStats() {
	if h.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	st, err := h.store.GetStatsContext(ctx)
	if err != nil {
		h.server.logger.Warn("failed to read stats", "error", err)
		return
	}
	h.server.Publish(MessageTypeStats, StatsData{
		Total:              st.Total,
		Complete:           st.Complete,
		MissingDescription: st.MissingDescription,
		MissingImage:       st.MissingImage,
		Generation:         st.Generation,
	})
}
