package router

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/tenement-host/tenement/internal/hypervisor"
	"github.com/tenement-host/tenement/internal/store"
)

// instanceRecord is the JSON shape returned for one instance (spec §6).
type instanceRecord struct {
	ID                string `json:"id"`
	Service           string `json:"service"`
	Label             string `json:"label"`
	Addressing        string `json:"addressing"`
	Status            string `json:"status"`
	Health            string `json:"health"`
	UptimeMs          int64  `json:"uptime_ms"`
	RestartCount      int    `json:"restart_count"`
	Weight            int    `json:"weight"`
	StorageUsedBytes  int64  `json:"storage_used_bytes"`
	StorageQuotaBytes *int64 `json:"storage_quota_bytes,omitempty"`
}

func toRecord(v hypervisor.View) instanceRecord {
	rec := instanceRecord{
		ID:               v.ID.String(),
		Service:          v.ID.Service,
		Label:            v.ID.Label,
		Status:           string(v.Status),
		Health:           string(v.Health),
		UptimeMs:         time.Since(v.CreatedAt).Milliseconds(),
		RestartCount:     v.RestartCount,
		Weight:           v.Weight,
		StorageUsedBytes: v.StorageUsedBytes,
	}
	if v.Addressing.IsSocket() {
		rec.Addressing = v.Addressing.SocketPath
	} else {
		rec.Addressing = "127.0.0.1:" + strconv.Itoa(int(v.Addressing.Port))
	}
	if v.StorageQuotaMB > 0 {
		quotaBytes := int64(v.StorageQuotaMB) * 1024 * 1024
		rec.StorageQuotaBytes = &quotaBytes
	}
	return rec
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	w.Write([]byte(s.metrics.FormatPrometheus()))
}

func (s *Server) handleListInstances(w http.ResponseWriter, r *http.Request) {
	views := s.hv.List()
	out := make([]instanceRecord, 0, len(views))
	for _, v := range views {
		out = append(out, toRecord(v))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetInstance(w http.ResponseWriter, r *http.Request) {
	id := hypervisor.ID{Service: r.PathValue("service"), Label: r.PathValue("label")}
	v, ok := s.hv.Get(id)
	if !ok {
		writeAPIError(w, hypervisor.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toRecord(v))
}

type createInstanceRequest struct {
	Service string            `json:"service"`
	ID      string            `json:"id"`
	Env     map[string]string `json:"env,omitempty"`
}

func (s *Server) handleCreateInstance(w http.ResponseWriter, r *http.Request) {
	var req createInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, hypervisor.ErrBadRequest)
		return
	}
	if req.Service == "" || req.ID == "" {
		writeAPIError(w, hypervisor.ErrBadRequest)
		return
	}

	// Env overrides, if supplied, are not currently threaded through
	// Spawn; per-request environment customization is service-config
	// driven (spec §6's env placeholder interpolation), not caller-driven.
	_, err := s.hv.Spawn(r.Context(), req.Service, req.ID)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	v, _ := s.hv.Get(hypervisor.ID{Service: req.Service, Label: req.ID})
	writeJSON(w, http.StatusCreated, toRecord(v))
}

func (s *Server) handleRestartInstance(w http.ResponseWriter, r *http.Request) {
	id := hypervisor.ID{Service: r.PathValue("service"), Label: r.PathValue("label")}
	if err := s.hv.Restart(r.Context(), id); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "restarted"})
}

func (s *Server) handleDeleteInstance(w http.ResponseWriter, r *http.Request) {
	id := hypervisor.ID{Service: r.PathValue("service"), Label: r.PathValue("label")}
	if err := s.hv.Stop(r.Context(), id); err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleListLogs(w http.ResponseWriter, r *http.Request) {
	q := store.LogQuery{
		Service:  r.URL.Query().Get("service"),
		Instance: r.URL.Query().Get("instance"),
		Severity: store.LogSeverity(r.URL.Query().Get("level")),
		Match:    r.URL.Query().Get("grep"),
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			q.Limit = n
		}
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			q.Since = t
		}
	}

	records, err := s.logs.Query(q)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

type searchLogsRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
	Since string `json:"since"`
}

func (s *Server) handleSearchLogs(w http.ResponseWriter, r *http.Request) {
	var req searchLogsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIError(w, hypervisor.ErrBadRequest)
		return
	}

	q := store.LogQuery{Match: req.Query, Limit: req.Limit}
	if req.Since != "" {
		if t, err := time.Parse(time.RFC3339, req.Since); err == nil {
			q.Since = t
		}
	}

	records, err := s.logs.Query(q)
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}
