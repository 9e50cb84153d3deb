package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mattjoyce/triggerhost/internal/dispatch"
	"github.com/mattjoyce/triggerhost/internal/objstore"
	"github.com/mattjoyce/triggerhost/internal/queue"
	"github.com/mattjoyce/triggerhost/internal/router"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	triggers := 0
	if s.deps.Router != nil {
		triggers = len(s.deps.Router.Triggers())
	}
	s.writeJSON(w, http.StatusOK, HealthResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Triggers:      triggers,
		Subscribers:   s.deps.Events.Subscribers(),
		DroppedEvents: s.deps.Events.Dropped(),
	})
}

func (s *Server) handlePutObject(w http.ResponseWriter, r *http.Request) {
	container := chi.URLParam(r, "container")
	name := chi.URLParam(r, "*")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxObjectBytes))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "object too large")
		return
	}

	obj, err := s.deps.Objects.Put(r.Context(), container, name, body, r.Header.Get("Content-Type"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Debug("object stored", "path", obj.Path(), "size", obj.Size)
	w.Header().Set("ETag", obj.ETag)
	s.writeJSON(w, http.StatusCreated, toObjectResponse(obj))
}

func (s *Server) handleGetObject(w http.ResponseWriter, r *http.Request) {
	container := chi.URLParam(r, "container")
	name := chi.URLParam(r, "*")

	obj, err := s.deps.Objects.Get(r.Context(), container, name)
	if errors.Is(err, objstore.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "object not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("ETag", obj.ETag)
	w.Header().Set("Last-Modified", obj.ModifiedAt.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.Data)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]QueueStatsResponse, 0, len(stats))
	for _, st := range stats {
		out = append(out, QueueStatsResponse(st))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	name := queue.NormalizeName(chi.URLParam(r, "queue"))
	if name == "" {
		s.writeError(w, http.StatusBadRequest, "queue name is required")
		return
	}

	var delay time.Duration
	if v := r.URL.Query().Get("delay"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			s.writeError(w, http.StatusBadRequest, "invalid delay")
			return
		}
		delay = d
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxObjectBytes))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "message too large")
		return
	}

	id, err := s.deps.Queue.Enqueue(r.Context(), name, body, delay)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, EnqueueResponse{Queue: name, MessageID: id})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	if s.deps.Bus == nil {
		s.writeError(w, http.StatusNotFound, "bus is not enabled")
		return
	}
	subject := chi.URLParam(r, "subject")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxObjectBytes))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "message too large")
		return
	}

	seq, err := s.deps.Bus.Publish(r.Context(), subject, body)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	s.writeJSON(w, http.StatusCreated, PublishResponse{Subject: subject, Sequence: seq})
}

// handleNotify accepts {"container","name"} or {"path"} and evaluates the
// object against the trigger table synchronously.
func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 64<<10))
	if err != nil {
		s.writeError(w, http.StatusRequestEntityTooLarge, "request too large")
		return
	}
	container, name, err := router.ParseHint(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	n, err := s.deps.Router.NotifyCandidate(r.Context(), container, name)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, NotifyResponse{Path: container + "/" + name, Invoked: n})
}

func (s *Server) handleTriggers(w http.ResponseWriter, r *http.Request) {
	descs := s.deps.Router.Triggers()
	out := make([]TriggerResponse, 0, len(descs))
	for _, d := range descs {
		tr := TriggerResponse{Function: d.Function, Kind: string(d.Kind), Source: d.Source}
		if d.Input != nil {
			tr.Input = d.Input.String()
		}
		for _, o := range d.Outputs {
			tr.Outputs = append(tr.Outputs, o.String())
		}
		out = append(out, tr)
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleInvocations(w http.ResponseWriter, r *http.Request) {
	if s.deps.History == nil {
		s.writeError(w, http.StatusNotFound, "invocation history is not enabled")
		return
	}
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 1000 {
			s.writeError(w, http.StatusBadRequest, "limit must be between 1 and 1000")
			return
		}
		limit = n
	}

	invs, err := s.deps.History.Recent(r.Context(), r.URL.Query().Get("function"), limit)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if invs == nil {
		invs = []dispatch.Invocation{}
	}
	s.writeJSON(w, http.StatusOK, invs)
}

func toObjectResponse(o objstore.Object) ObjectResponse {
	return ObjectResponse{
		Container:   o.Container,
		Name:        o.Name,
		ETag:        o.ETag,
		ContentType: o.ContentType,
		Size:        o.Size,
		ModifiedAt:  o.ModifiedAt,
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, ErrorResponse{Error: message})
}
