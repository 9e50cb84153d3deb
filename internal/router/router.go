// Package router maps detected objects and messages to the triggers that
// should fire for them.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/mattjoyce/triggerhost/internal/blobpath"
	"github.com/mattjoyce/triggerhost/internal/events"
	"github.com/mattjoyce/triggerhost/internal/objstore"
	"github.com/mattjoyce/triggerhost/internal/queue"
	"github.com/mattjoyce/triggerhost/internal/trigger"
)

// ErrNoTrigger is returned for messages on a queue or subject with no
// registered trigger.
var ErrNoTrigger = errors.New("no trigger registered")

type objectEntry struct {
	desc *trigger.Descriptor
	// bound is the lower-cased concrete path for templates without captures.
	bound string
}

// table is never mutated after it is published.
type table struct {
	all          []*trigger.Descriptor
	byContainer  map[string][]objectEntry
	anyContainer []objectEntry
	queues       map[string][]*trigger.Descriptor
	subjects     map[string][]*trigger.Descriptor
	// wildcards holds the subjects keys that contain * or > tokens.
	wildcards []string
}

func buildTable(descs []*trigger.Descriptor) *table {
	t := &table{
		all:         append([]*trigger.Descriptor(nil), descs...),
		byContainer: make(map[string][]objectEntry),
		queues:      make(map[string][]*trigger.Descriptor),
		subjects:    make(map[string][]*trigger.Descriptor),
	}
	for _, d := range descs {
		switch d.Kind {
		case trigger.KindObject:
			e := objectEntry{desc: d}
			if d.Input.IsBound() {
				// Container literals are stored lower-cased.
				e.bound, _ = d.Input.Bind(nil)
			}
			if c, ok := d.Input.Container(); ok {
				t.byContainer[c] = append(t.byContainer[c], e)
			} else {
				t.anyContainer = append(t.anyContainer, e)
			}
		case trigger.KindQueue:
			name := queue.NormalizeName(d.Source)
			t.queues[name] = append(t.queues[name], d)
		case trigger.KindBus:
			if _, ok := t.subjects[d.Source]; !ok && trigger.HasWildcard(d.Source) {
				t.wildcards = append(t.wildcards, d.Source)
			}
			t.subjects[d.Source] = append(t.subjects[d.Source], d)
		}
	}
	sort.Strings(t.wildcards)
	return t
}

// busTriggers returns the triggers whose subject, literal or wildcard,
// covers subject.
func (t *table) busTriggers(subject string) []*trigger.Descriptor {
	descs := t.subjects[subject]
	for _, pattern := range t.wildcards {
		if pattern != subject && trigger.SubjectMatches(pattern, subject) {
			descs = append(descs[:len(descs):len(descs)], t.subjects[pattern]...)
		}
	}
	return descs
}

// Router owns the container to trigger table. Lookups read an immutable
// snapshot; RegisterTrigger and Reload publish a new one.
type Router struct {
	current atomic.Pointer[table]
	writeMu sync.Mutex

	lookup  trigger.TimeLookup
	invoker Invoker
	events  *events.Hub
	logger  *slog.Logger
}

// New builds an empty router. lookup supplies authoritative modified times for
// object candidates and their outputs.
func New(lookup trigger.TimeLookup, invoker Invoker, hub *events.Hub, logger *slog.Logger) *Router {
	if hub == nil {
		hub = events.NewHub(128)
	}
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		lookup:  lookup,
		invoker: invoker,
		events:  hub,
		logger:  logger.With("component", "router"),
	}
	r.current.Store(buildTable(nil))
	return r
}

func validate(d *trigger.Descriptor) error {
	if d == nil {
		return &RegistrationError{Err: errors.New("nil descriptor")}
	}
	if err := d.Validate(); err != nil {
		return &RegistrationError{Function: d.Function, Err: err}
	}
	return nil
}

// RegisterTrigger validates d and adds it to the live table.
func (r *Router) RegisterTrigger(d *trigger.Descriptor) error {
	if err := validate(d); err != nil {
		return err
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	old := r.current.Load()
	r.current.Store(buildTable(append(append([]*trigger.Descriptor(nil), old.all...), d)))
	r.logger.Debug("trigger registered", "trigger", d.String())
	return nil
}

// Reload replaces the whole trigger set. When any descriptor is invalid the
// current table stays in place and every registration error is returned.
func (r *Router) Reload(descs []*trigger.Descriptor) error {
	var errs []error
	for _, d := range descs {
		if err := validate(d); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	r.writeMu.Lock()
	r.current.Store(buildTable(descs))
	r.writeMu.Unlock()

	r.logger.Info("triggers reloaded", "count", len(descs))
	r.events.Publish(events.TriggersReloaded, map[string]any{"count": len(descs)})
	return nil
}

// Triggers returns the registered descriptors in registration order.
func (r *Router) Triggers() []*trigger.Descriptor {
	t := r.current.Load()
	return append([]*trigger.Descriptor(nil), t.all...)
}

// Watches reports whether any object trigger could match objects in container.
func (r *Router) Watches(container string) bool {
	t := r.current.Load()
	if len(t.anyContainer) > 0 {
		return true
	}
	_, ok := t.byContainer[strings.ToLower(container)]
	return ok
}

// Queues lists queue names with at least one trigger.
func (r *Router) Queues() []string {
	return sortedKeys(r.current.Load().queues)
}

// Subjects lists bus subjects with at least one trigger.
func (r *Router) Subjects() []string {
	return sortedKeys(r.current.Load().subjects)
}

func sortedKeys(m map[string][]*trigger.Descriptor) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// HandleObject adapts Dispatch to the object listener's candidate callback.
// A lookup failure is returned so the listener keeps the object for its next
// poll; invocation failures are not.
func (r *Router) HandleObject(ctx context.Context, obj objstore.Object) error {
	r.events.Publish(events.ObjectCandidate, map[string]any{"path": obj.Path()})
	if _, err := r.Dispatch(ctx, obj.Path()); err != nil {
		r.logger.Warn("dispatch failed", "path", obj.Path(), "error", err)
		return err
	}
	return nil
}

type accepted struct {
	desc      *trigger.Descriptor
	candidate Candidate
}

// Dispatch evaluates every object trigger against path and invokes those
// whose outputs are missing or stale. It returns how many invocations were
// started. Invocation failures are logged and do not fail the dispatch; the
// next observation of the object retries naturally.
func (r *Router) Dispatch(ctx context.Context, path string) (int, error) {
	container, name, err := blobpath.Split(path)
	if err != nil {
		return 0, err
	}
	lowered := strings.ToLower(container)
	key := lowered + "/" + name

	t := r.current.Load()
	entries := t.byContainer[lowered]
	if len(t.anyContainer) > 0 {
		entries = append(append([]objectEntry(nil), entries...), t.anyContainer...)
	}

	type match struct {
		desc     *trigger.Descriptor
		captures blobpath.Captures
	}
	var matches []match
	for _, e := range entries {
		if e.desc.Input.IsBound() {
			if e.bound == key {
				matches = append(matches, match{desc: e.desc, captures: blobpath.Captures{}})
			}
			continue
		}
		if c, ok := e.desc.Input.MatchParts(container, name); ok {
			matches = append(matches, match{desc: e.desc, captures: c})
		}
	}
	if len(matches) == 0 {
		return 0, nil
	}
	if ctx.Err() != nil {
		return 0, ctx.Err()
	}

	modified, err := r.lookup.LastModified(ctx, key)
	if err != nil {
		if errors.Is(err, trigger.ErrNotFound) {
			r.logger.Debug("candidate vanished before dispatch", "path", path)
			return 0, nil
		}
		return 0, fmt.Errorf("lookup %s: %w", path, err)
	}

	var run []accepted
	for _, m := range matches {
		outputs, err := m.desc.BindOutputs(m.captures)
		if err != nil {
			r.logger.Error("output binding failed", "trigger", m.desc.String(), "path", path, "error", err)
			continue
		}
		if !trigger.ShouldInvoke(ctx, modified, outputs, r.lookup) {
			r.logger.Debug("outputs up to date", "trigger", m.desc.String(), "path", path)
			r.events.Publish(events.TriggerSkipped, map[string]any{
				"function": m.desc.Function,
				"path":     key,
			})
			continue
		}
		run = append(run, accepted{
			desc: m.desc,
			candidate: Candidate{
				Kind:       trigger.KindObject,
				Path:       key,
				Captures:   m.captures,
				ModifiedAt: modified,
				Outputs:    outputs,
			},
		})
	}

	r.invokeAll(ctx, run)
	return len(run), nil
}

// NotifyCandidate injects an object reported by an external source. It goes
// through the same evaluation as a polled object.
func (r *Router) NotifyCandidate(ctx context.Context, container, name string) (int, error) {
	path := blobpath.Join(container, name)
	r.events.Publish(events.CandidateNotified, map[string]any{"path": path})
	return r.Dispatch(ctx, path)
}

// DispatchMessage forwards a leased message to every trigger registered on
// source. The returned error joins every invocation failure so the caller
// abandons the message.
func (r *Router) DispatchMessage(ctx context.Context, kind trigger.Kind, source string, msg *queue.Message) error {
	t := r.current.Load()
	var descs []*trigger.Descriptor
	switch kind {
	case trigger.KindQueue:
		descs = t.queues[queue.NormalizeName(source)]
	case trigger.KindBus:
		descs = t.busTriggers(source)
	default:
		return fmt.Errorf("kind %q does not carry messages", kind)
	}
	if len(descs) == 0 {
		return fmt.Errorf("%s %q: %w", kind, source, ErrNoTrigger)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	run := make([]accepted, 0, len(descs))
	for _, d := range descs {
		run = append(run, accepted{
			desc:      d,
			candidate: Candidate{Kind: kind, Source: source, Message: msg},
		})
	}
	return errors.Join(r.invokeAll(ctx, run)...)
}

// HandleMessage lets the router serve as a queue listener's handler.
func (r *Router) HandleMessage(ctx context.Context, queueName string, msg *queue.Message) error {
	return r.DispatchMessage(ctx, trigger.KindQueue, queueName, msg)
}

// invokeAll runs accepted pairs concurrently and returns their failures.
func (r *Router) invokeAll(ctx context.Context, run []accepted) []error {
	if len(run) == 0 {
		return nil
	}
	errs := make([]error, len(run))
	var wg sync.WaitGroup
	for i := range run {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = r.invoke(ctx, run[i])
		}(i)
	}
	wg.Wait()

	out := errs[:0]
	for _, err := range errs {
		if err != nil {
			out = append(out, err)
		}
	}
	return out
}

func (r *Router) invoke(ctx context.Context, a accepted) error {
	subject := a.candidate.Path
	if a.candidate.Message != nil {
		subject = a.candidate.Source + "/" + a.candidate.Message.ID
	}
	logger := r.logger.With("function", a.desc.Function, "kind", string(a.desc.Kind), "subject", subject)

	r.events.Publish(events.TriggerInvoked, map[string]any{
		"function": a.desc.Function,
		"kind":     a.desc.Kind,
		"subject":  subject,
	})
	if err := r.invoker.Invoke(ctx, a.candidate, a.desc); err != nil {
		logger.Warn("invocation failed", "error", err)
		r.events.Publish(events.TriggerFailed, map[string]any{
			"function": a.desc.Function,
			"kind":     a.desc.Kind,
			"subject":  subject,
			"error":    err.Error(),
		})
		return fmt.Errorf("%s: %w", a.desc.Function, err)
	}
	logger.Debug("invocation succeeded")
	r.events.Publish(events.TriggerSucceeded, map[string]any{
		"function": a.desc.Function,
		"kind":     a.desc.Kind,
		"subject":  subject,
	})
	return nil
}
