package listener

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/mattjoyce/triggerhost/internal/events"
	"github.com/mattjoyce/triggerhost/internal/objstore"
)

// Strategy selects how the object listener discovers changes.
type Strategy string

const (
	// FullScan enumerates every watched container each poll.
	FullScan Strategy = "full_scan"
	// ChangeLogScan reads the store's change log after a persisted cursor.
	ChangeLogScan Strategy = "change_log"
)

// EmulatorAccount is the well-known local development account name.
const EmulatorAccount = "devstoreaccount1"

// ChooseStrategy picks FullScan for emulated storage and ChangeLogScan
// otherwise.
func ChooseStrategy(account string, emulator bool) Strategy {
	if emulator || strings.EqualFold(strings.TrimSpace(account), EmulatorAccount) {
		return FullScan
	}
	return ChangeLogScan
}

// ParseStrategy accepts an explicit strategy name; empty means auto.
func ParseStrategy(s string) (Strategy, bool, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case "", "auto":
		return "", false, nil
	case FullScan, "full", "scan":
		return FullScan, true, nil
	case ChangeLogScan, "changelog", "log":
		return ChangeLogScan, true, nil
	default:
		return "", false, fmt.Errorf("unknown object scan strategy %q", s)
	}
}

type ObjectConfig struct {
	Name      string
	Strategy  Strategy
	BatchSize int
	// MaxBatches bounds how many change-log batches one poll drains.
	MaxBatches int
	// IOTimeout bounds each store and cursor call. Candidate handling runs
	// under the poll context. Zero means unbounded.
	IOTimeout time.Duration
}

// ObjectListener surfaces new and updated objects in watched containers.
// The strategy is fixed at construction.
type ObjectListener struct {
	cfg     ObjectConfig
	source  ObjectSource
	cursors CursorStore
	watch   WatchSet
	events  *events.Hub
	logger  *slog.Logger
}

func NewObjectListener(cfg ObjectConfig, source ObjectSource, cursors CursorStore, watch WatchSet, hub *events.Hub, logger *slog.Logger) *ObjectListener {
	if cfg.Name == "" {
		cfg.Name = "objects:" + string(cfg.Strategy)
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.MaxBatches <= 0 {
		cfg.MaxBatches = 10
	}
	if hub == nil {
		hub = events.NewHub(128)
	}
	return &ObjectListener{
		cfg:     cfg,
		source:  source,
		cursors: cursors,
		watch:   watch,
		events:  hub,
		logger:  logger.With("component", "object-listener", "strategy", string(cfg.Strategy)),
	}
}

func (l *ObjectListener) Strategy() Strategy { return l.cfg.Strategy }

// io runs one backend call under IOTimeout.
func (l *ObjectListener) io(ctx context.Context, call func(context.Context) error) error {
	if l.cfg.IOTimeout <= 0 {
		return call(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, l.cfg.IOTimeout)
	defer cancel()
	return call(ctx)
}

// Poll runs one discovery cycle and returns how many candidates it reported.
// Backend errors end the cycle early without advancing persisted progress.
func (l *ObjectListener) Poll(ctx context.Context, onCandidate CandidateFunc) int {
	if ctx.Err() != nil {
		return 0
	}

	var n int
	switch l.cfg.Strategy {
	case ChangeLogScan:
		n = l.pollChangeLog(ctx, onCandidate)
	default:
		n = l.pollFullScan(ctx, onCandidate)
	}

	l.events.Publish(events.ListenerPoll, map[string]any{
		"listener":   l.cfg.Name,
		"candidates": n,
	})
	return n
}

func (l *ObjectListener) pollFullScan(ctx context.Context, onCandidate CandidateFunc) int {
	var (
		containers []string
		marks      map[string]time.Time
	)
	if err := l.io(ctx, func(ctx context.Context) (err error) {
		containers, err = l.source.Containers(ctx)
		return err
	}); err != nil {
		l.backendError("list containers", err)
		return 0
	}
	if err := l.io(ctx, func(ctx context.Context) (err error) {
		marks, err = l.cursors.SweepMarks(ctx, l.cfg.Name)
		return err
	}); err != nil {
		l.backendError("load sweep marks", err)
		return 0
	}

	reported := 0
	for _, container := range containers {
		if ctx.Err() != nil {
			return reported
		}
		if !l.watch.Watches(container) {
			continue
		}

		var objs []objstore.Object
		if err := l.io(ctx, func(ctx context.Context) (err error) {
			objs, err = l.source.List(ctx, container)
			return err
		}); err != nil {
			l.backendError("list "+container, err)
			continue
		}

		// The mark is a modified-time high-water mark. A write whose
		// timestamp is taken before a later write but commits after this
		// listing is missed by the sweep; the change-log strategy and
		// NotifyCandidate do not have that gap.
		mark, seen := marks[container]
		latest := mark
		for _, obj := range objs {
			if obj.ModifiedAt.After(latest) {
				latest = obj.ModifiedAt
			}
			if seen && !obj.ModifiedAt.After(mark) {
				continue
			}
			if ctx.Err() != nil {
				return reported
			}
			if err := onCandidate(ctx, obj); err != nil {
				// Listings are ordered by name, not time, so the mark
				// cannot move partway; the container is swept again.
				l.candidateError(obj, err)
				return reported
			}
			reported++
		}

		if ctx.Err() != nil {
			return reported
		}
		if latest.After(mark) || !seen {
			if err := l.io(ctx, func(ctx context.Context) error {
				return l.cursors.SetSweepMark(ctx, l.cfg.Name, container, latest)
			}); err != nil {
				l.backendError("save sweep mark", err)
			}
		}
	}
	return reported
}

func (l *ObjectListener) pollChangeLog(ctx context.Context, onCandidate CandidateFunc) int {
	var cursor int64
	if err := l.io(ctx, func(ctx context.Context) (err error) {
		cursor, err = l.cursors.Cursor(ctx, l.cfg.Name)
		return err
	}); err != nil {
		l.backendError("load cursor", err)
		return 0
	}

	reported := 0
	for batch := 0; batch < l.cfg.MaxBatches; batch++ {
		var changes []objstore.Change
		if err := l.io(ctx, func(ctx context.Context) (err error) {
			changes, err = l.source.ChangesSince(ctx, cursor, l.cfg.BatchSize)
			return err
		}); err != nil {
			l.backendError("read change log", err)
			return reported
		}
		if len(changes) == 0 {
			return reported
		}

		next, stopped := l.drain(ctx, cursor, changes, onCandidate, &reported)
		if stopped && ctx.Err() != nil {
			return reported
		}
		if next > cursor {
			if err := l.io(ctx, func(ctx context.Context) error {
				return l.cursors.AdvanceCursor(ctx, l.cfg.Name, next)
			}); err != nil {
				l.backendError("save cursor", err)
				return reported
			}
			cursor = next
		}

		if stopped || len(changes) < l.cfg.BatchSize {
			return reported
		}
	}
	return reported
}

// drain hands one change-log batch to onCandidate in sequence order. It
// returns the highest sequence fully handled and whether it stopped early.
func (l *ObjectListener) drain(ctx context.Context, cursor int64, changes []objstore.Change, onCandidate CandidateFunc, reported *int) (int64, bool) {
	next := cursor
	for _, ch := range changes {
		if ctx.Err() != nil {
			return next, true
		}
		if ch.Seq <= cursor {
			continue
		}
		if ch.Op == objstore.OpPut && l.watch.Watches(ch.Container) {
			obj := objstore.Object{
				Container:  ch.Container,
				Name:       ch.Name,
				ModifiedAt: ch.ModifiedAt,
			}
			if err := onCandidate(ctx, obj); err != nil {
				l.candidateError(obj, err)
				return next, true
			}
			*reported++
		}
		next = max(next, ch.Seq)
	}
	return next, false
}

func (l *ObjectListener) candidateError(obj objstore.Object, err error) {
	l.logger.Warn("candidate not handled; retrying next poll", "path", obj.Path(), "error", err)
	l.events.Publish(events.ListenerError, map[string]any{
		"listener": l.cfg.Name,
		"op":       "dispatch",
		"path":     obj.Path(),
		"error":    err.Error(),
	})
}

func (l *ObjectListener) backendError(op string, err error) {
	l.logger.Warn("object poll abandoned", "op", op, "error", err)
	l.events.Publish(events.ListenerError, map[string]any{
		"listener": l.cfg.Name,
		"op":       op,
		"error":    err.Error(),
	})
}
