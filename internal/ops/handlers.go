package ops

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"occasion/internal/types"
)

type componentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type healthResponse struct {
	Status     string                     `json:"status"`
	Components map[string]componentStatus `json:"components,omitempty"`
}

// handleHealth runs all probes concurrently under a short deadline. Any
// failing probe turns the response into a 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if len(s.probes) == 0 {
		writeJSON(w, http.StatusOK, healthResponse{Status: "healthy"})
		return
	}

	var (
		mu         sync.Mutex
		wg         sync.WaitGroup
		components = make(map[string]componentStatus, len(s.probes))
		healthy    = true
	)
	for _, probe := range s.probes {
		probe := probe
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := probe.Check(ctx)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				healthy = false
				components[probe.Name()] = componentStatus{Status: "unhealthy", Message: err.Error()}
				return
			}
			components[probe.Name()] = componentStatus{Status: "healthy"}
		}()
	}
	wg.Wait()

	resp := healthResponse{Status: "healthy", Components: components}
	status := http.StatusOK
	if !healthy {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

type jobsResponse struct {
	Jobs     []types.JobStatus `json:"jobs"`
	Messages map[string]int    `json:"messages"`
}

// handleJobs reports the last run per job plus current message counts by
// status. Registered jobs that have never run appear with empty status.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	latest, err := s.history.Latest(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "failed to load job history", "error", err)
		writeError(w, r, err)
		return
	}

	seen := make(map[string]bool, len(latest))
	for _, js := range latest {
		seen[js.JobType] = true
	}
	for _, name := range s.jobs.JobNames() {
		if !seen[name] {
			latest = append(latest, types.JobStatus{JobType: name})
		}
	}

	counts, err := s.counts.CountByStatus(r.Context())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "failed to count messages", "error", err)
		writeError(w, r, err)
		return
	}
	messages := make(map[string]int, len(counts))
	for status, n := range counts {
		messages[string(status)] = n
	}

	writeJSON(w, http.StatusOK, jobsResponse{Jobs: latest, Messages: messages})
}

// handleJobRun triggers one job immediately. The run executes synchronously
// so operators see lock conflicts and failures in the job history right
// after the call returns.
func (s *Server) handleJobRun(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job")

	if err := s.jobs.Trigger(r.Context(), name, time.Now().UTC()); err != nil {
		writeError(w, r, err)
		return
	}

	s.logger.InfoContext(r.Context(), "job triggered manually", "job", name)
	writeJSON(w, http.StatusAccepted, map[string]string{"job": name, "status": "triggered"})
}

type rescheduleResponse struct {
	UserID  string `json:"user_id"`
	Deleted int    `json:"deleted"`
	Created int    `json:"created"`
}

// handleReschedule is the inbound trigger from the CRUD layer after a user's
// timezone or occasion dates change.
func (s *Server) handleReschedule(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")

	deleted, created, err := s.rescheduler.Reschedule(r.Context(), userID, time.Now().UTC())
	if err != nil {
		s.logger.ErrorContext(r.Context(), "reschedule failed", "user_id", userID, "error", err)
		writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, rescheduleResponse{UserID: userID, Deleted: deleted, Created: created})
}
