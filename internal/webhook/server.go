package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/mattjoyce/triggerhost/internal/httpserve"
	"github.com/mattjoyce/triggerhost/internal/router"
)

type endpoint struct {
	EndpointConfig
	signer signer
}

// Server accepts signed object hints and forwards them to a Notifier.
type Server struct {
	listen    string
	notifier  Notifier
	logger    *slog.Logger
	endpoints map[string]*endpoint
}

func New(cfg Config, notifier Notifier, logger *slog.Logger) *Server {
	s := &Server{
		listen:    cfg.Listen,
		notifier:  notifier,
		logger:    logger,
		endpoints: make(map[string]*endpoint, len(cfg.Endpoints)),
	}
	for _, ep := range cfg.Endpoints {
		ep = ep.withDefaults()
		s.endpoints[ep.Path] = &endpoint{EndpointConfig: ep, signer: newSigner(ep.Secret)}
	}
	return s
}

// Start serves hint endpoints until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("hint server starting", "listen", s.listen, "endpoints", len(s.endpoints))
	return httpserve.ListenAndRun(ctx, &http.Server{
		Addr:         s.listen,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}, httpserve.DefaultGrace)
}

func (s *Server) Handler() http.Handler {
	r := httpserve.NewRouter(s.logger)
	for path, ep := range s.endpoints {
		r.Post(path, s.hintHandler(ep))
	}
	return r
}

// hintHandler verifies the signature, then notifies the router once per hint.
func (s *Server) hintHandler(ep *endpoint) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, ep.MaxBodySize))
		var tooLarge *http.MaxBytesError
		switch {
		case errors.As(err, &tooLarge):
			s.respondError(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		case err != nil:
			s.respondError(w, http.StatusBadRequest, "failed to read request body")
			return
		}

		if err := ep.signer.verify(body, r.Header.Get(ep.SignatureHeader)); err != nil {
			s.logger.Warn("hint signature rejected", "path", ep.Path, "header", ep.SignatureHeader)
			s.respondError(w, http.StatusForbidden, "forbidden")
			return
		}

		hints, err := parseHints(body)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}

		resp := HintResponse{Hints: len(hints)}
		for _, h := range hints {
			n, err := s.notifier.NotifyCandidate(r.Context(), h.container, h.name)
			if err != nil {
				s.logger.Error("hint dispatch failed", "path", ep.Path, "object", h.container+"/"+h.name, "error", err)
				s.respondError(w, http.StatusInternalServerError, "failed to dispatch hint")
				return
			}
			resp.Invoked += n
		}

		s.logger.Info("hints accepted", "path", ep.Path, "hints", resp.Hints, "invoked", resp.Invoked)
		s.respondJSON(w, http.StatusAccepted, resp)
	}
}

type hint struct {
	container string
	name      string
}

// parseHints accepts a single hint object or an array of them.
func parseHints(body []byte) ([]hint, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("%w: body is not JSON", router.ErrInvalidHint)
	}
	root := gjson.ParseBytes(body)
	if !root.IsArray() {
		c, n, err := router.ParseHint(body)
		if err != nil {
			return nil, err
		}
		return []hint{{c, n}}, nil
	}

	items := root.Array()
	switch {
	case len(items) == 0:
		return nil, fmt.Errorf("%w: empty hint list", router.ErrInvalidHint)
	case len(items) > MaxHintsPerRequest:
		return nil, fmt.Errorf("%w: more than %d hints", router.ErrInvalidHint, MaxHintsPerRequest)
	}
	out := make([]hint, len(items))
	for i, item := range items {
		c, n, err := router.ParseHint([]byte(item.Raw))
		if err != nil {
			return nil, fmt.Errorf("hint %d: %w", i, err)
		}
		out[i] = hint{c, n}
	}
	return out, nil
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, ErrorResponse{Error: message})
}
