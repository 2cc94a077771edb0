package dashboard

import (
	"encoding/json"
	"log"
	"os"
	"sync"
	"time"

	"github.com/mschirtzinger/taskbridge/internal/db"
	"github.com/mschirtzinger/taskbridge/internal/orchestrator"
	"github.com/mschirtzinger/taskbridge/internal/resolve"
)

// StatsData contains running sync statistics
type StatsData struct {
	Total       int            `json:"total"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	ByErrorType map[string]int `json:"by_error_type"`
	LastSyncAt  time.Time      `json:"last_sync_at,omitempty"`
}

// DriftReportData contains a drift check for one team
type DriftReportData struct {
	TeamKey        string           `json:"team_key"`
	Valid          []resolve.Status `json:"valid"`
	Renamed        []RenameData     `json:"renamed"`
	Broken         []resolve.Status `json:"broken"`
	Deleted        []resolve.Status `json:"deleted"`
	NewlyAvailable []string         `json:"newly_available"`
	Breaking       bool             `json:"breaking"`
	Warnings       []string         `json:"warnings,omitempty"`
}

// RenameData is one renamed state
type RenameData struct {
	Status  resolve.Status `json:"status"`
	StateID string         `json:"state_id"`
	OldName string         `json:"old_name"`
	NewName string         `json:"new_name"`
}

// MappingReportData contains a generated mapping
type MappingReportData struct {
	TeamKey  string                    `json:"team_key"`
	Resolved int                       `json:"resolved"`
	Total    int                       `json:"total"`
	Complete bool                      `json:"complete"`
	Entries  resolve.Mapping           `json:"entries"`
	Failures map[resolve.Status]string `json:"failures,omitempty"`
	Warnings []string                  `json:"warnings,omitempty"`
}

// Handler formats sync activity as dashboard messages. It implements
// orchestrator.Notifier.
type Handler struct {
	server *Server
	logger *log.Logger

	mu    sync.Mutex
	stats StatsData
}

var _ orchestrator.Notifier = (*Handler)(nil)

// NewHandler creates a handler broadcasting through server. New clients
// receive the current statistics as their welcome message.
func NewHandler(server *Server, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(os.Stderr, "[dashboard] ", log.LstdFlags)
	}

	h := &Handler{
		server: server,
		logger: logger,
		stats:  StatsData{ByErrorType: make(map[string]int)},
	}
	server.SetWelcome(h.statsMessage)
	return h
}

// SyncResult implements orchestrator.Notifier.
func (h *Handler) SyncResult(res orchestrator.Result) {
	h.mu.Lock()
	h.stats.Total++
	if res.Success {
		h.stats.Succeeded++
	} else {
		h.stats.Failed++
		if res.Error != nil {
			h.stats.ByErrorType[res.Error.Type]++
		}
	}
	h.stats.LastSyncAt = time.Now().UTC()
	h.mu.Unlock()

	h.send(MessageTypeSyncResult, res)
	h.server.Broadcast(h.statsMessage())
}

// DriftReport implements orchestrator.Notifier.
func (h *Handler) DriftReport(teamKey string, report *resolve.DriftReport) {
	data := DriftReportData{
		TeamKey:  teamKey,
		Valid:    report.Valid,
		Broken:   report.Broken,
		Deleted:  report.Deleted,
		Breaking: report.HasBreakingChanges(),
		Warnings: report.Warnings(),
	}
	for _, r := range report.Renamed {
		data.Renamed = append(data.Renamed, RenameData{
			Status:  r.Status,
			StateID: r.StateID,
			OldName: r.OldName,
			NewName: r.NewName,
		})
	}
	for _, st := range report.NewlyAvailable {
		data.NewlyAvailable = append(data.NewlyAvailable, st.Name)
	}

	if data.Breaking {
		h.logger.Printf("Drift for %s: %d broken, %d deleted", teamKey, len(report.Broken), len(report.Deleted))
	}
	h.send(MessageTypeDriftReport, data)
}

// MappingReport implements orchestrator.Notifier.
func (h *Handler) MappingReport(report *resolve.MappingReport) {
	h.send(MessageTypeMappingReport, MappingReportData{
		TeamKey:  report.TeamKey,
		Resolved: report.Resolved,
		Total:    report.Total,
		Complete: report.Complete(),
		Entries:  report.Entries,
		Failures: report.Failures,
		Warnings: report.Warnings,
	})
}

// LoadStats seeds the statistics from the persisted sync log.
func (h *Handler) LoadStats(stats *db.SyncStats) {
	h.mu.Lock()
	h.stats.Total = stats.Total
	h.stats.Succeeded = stats.Succeeded
	h.stats.Failed = stats.Failed
	h.stats.ByErrorType = make(map[string]int, len(stats.ByErrorType))
	for k, v := range stats.ByErrorType {
		h.stats.ByErrorType[k] = v
	}
	h.mu.Unlock()

	h.server.Broadcast(h.statsMessage())
}

// GetStats returns a copy of the current statistics
func (h *Handler) GetStats() StatsData {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := h.stats
	out.ByErrorType = make(map[string]int, len(h.stats.ByErrorType))
	for k, v := range h.stats.ByErrorType {
		out.ByErrorType[k] = v
	}
	return out
}

func (h *Handler) statsMessage() Message {
	stats := h.GetStats()
	data, err := json.Marshal(stats)
	if err != nil {
		h.logger.Printf("Failed to marshal stats: %v", err)
	}
	return Message{Type: MessageTypeStats, Timestamp: time.Now(), Data: data}
}

func (h *Handler) send(typ MessageType, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		h.logger.Printf("Failed to marshal %s data: %v", typ, err)
		return
	}
	h.server.Broadcast(Message{Type: typ, Timestamp: time.Now(), Data: data})
}
