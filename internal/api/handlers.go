package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/harvest/internal/pipeline"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	reportsTimeout  = 3 * time.Second
)

type targetDTO struct {
	ID       string     `json:"id"`
	Name     string     `json:"name"`
	URL      string     `json:"url"`
	Strategy string     `json:"strategy"`
	Rule     string     `json:"rule"`
	Disabled bool       `json:"disabled"`
	Schedule string     `json:"schedule,omitempty"`
	NextRun  *time.Time `json:"next_run,omitempty"`
	Running  bool       `json:"running"`
}

func (s *Server) toTargetDTO(t pipeline.Target) targetDTO {
	dto := targetDTO{
		ID:       t.ID,
		Name:     t.Name,
		URL:      t.URL,
		Strategy: string(t.EffectiveStrategy()),
		Rule:     t.Rule,
		Disabled: t.Disabled,
		Schedule: t.Schedule,
	}
	if next := s.scheduler.Next(t.ID); !next.IsZero() {
		dto.NextRun = &next
	}
	if s.runs != nil {
		dto.Running = s.runs.InFlight(t.ID)
	}
	return dto
}

// listTargets handles GET /v1/targets.
func (s *Server) listTargets(w http.ResponseWriter, _ *http.Request) {
	targets := s.scheduler.Targets()
	out := make([]targetDTO, 0, len(targets))
	for _, t := range targets {
		out = append(out, s.toTargetDTO(t))
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": out})
}

// getTarget handles GET /v1/targets/{target_id}.
func (s *Server) getTarget(w http.ResponseWriter, r *http.Request) {
	t, ok := s.scheduler.Target(chi.URLParam(r, "target_id"))
	if !ok {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"target": s.toTargetDTO(t)})
}

// triggerRun handles POST /v1/targets/{target_id}/run. By default the run is
// started in the background and 202 is returned; ?wait=true runs it on the
// request and returns the report. 409 means a run is already in flight.
func (s *Server) triggerRun(w http.ResponseWriter, r *http.Request) {
	targetID := chi.URLParam(r, "target_id")
	if _, ok := s.scheduler.Target(targetID); !ok {
		writeError(w, http.StatusNotFound, "target not found")
		return
	}
	if s.runs != nil && s.runs.InFlight(targetID) {
		writeError(w, http.StatusConflict, pipeline.ErrRunInProgress.Error())
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	if wait {
		report, err := s.scheduler.Trigger(r.Context(), targetID)
		if err != nil {
			s.writeTriggerError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"report": report})
		return
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		report, err := s.scheduler.Trigger(s.base, targetID)
		if err != nil && !errors.Is(err, pipeline.ErrRunInProgress) {
			s.logger.Warn("manual run failed to start", zap.String("target_id", targetID), zap.Error(err))
			return
		}
		s.logger.Info("manual run finished",
			zap.String("target_id", targetID),
			zap.String("run_id", report.ID),
			zap.String("state", string(report.State)),
		)
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"target_id": targetID, "status": "accepted"})
}

func (s *Server) writeTriggerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pipeline.ErrUnknownTarget):
		writeError(w, http.StatusNotFound, "target not found")
	case errors.Is(err, pipeline.ErrRunInProgress):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

// listRuns handles GET /v1/runs?limit=&target=. It returns {"runs": [...]}
// newest first, 400 for a bad limit and 503 without a report store.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.reports == nil {
		writeError(w, http.StatusServiceUnavailable, "report store unavailable")
		return
	}
	limit, err := parseLimit(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), reportsTimeout)
	defer cancel()

	reports, err := s.reports.ListReports(ctx, pipeline.ListQuery{
		TargetID: r.URL.Query().Get("target"),
		Limit:    limit,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Error("list reports failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if reports == nil {
		reports = []pipeline.RunReport{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": reports})
}

func parseLimit(r *http.Request, def, maxLimit int) (int, error) {
	limStr := r.URL.Query().Get("limit")
	if limStr == "" {
		return def, nil
	}
	val, err := strconv.Atoi(limStr)
	if err != nil || val <= 0 {
		return 0, errors.New("invalid limit")
	}
	return min(val, maxLimit), nil
}

type recordDTO struct {
	pipeline.StoredRecord
	Status string `json:"status,omitempty"`
}

// listRecords handles GET /v1/records?limit=&target=. Statuses are computed
// at request time from the record's dates.
func (s *Server) listRecords(w http.ResponseWriter, r *http.Request) {
	if s.records == nil {
		writeError(w, http.StatusServiceUnavailable, "record store unavailable")
		return
	}
	limit, err := parseLimit(r, defaultRunLimit, maxRunLimit)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), reportsTimeout)
	defer cancel()

	records, err := s.records.ListRecords(ctx, pipeline.ListQuery{
		TargetID: r.URL.Query().Get("target"),
		Limit:    limit,
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.logger.Error("list records failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list records")
		return
	}
	now := s.now()
	out := make([]recordDTO, 0, len(records))
	for _, rec := range records {
		out = append(out, recordDTO{StoredRecord: rec, Status: string(s.statuses.For(rec, now))})
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": out})
}
