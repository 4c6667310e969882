package capture

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

// Trigger starts the remote export job. It never returns the file itself.
type Trigger struct {
	portal Portal
	logger *zap.Logger
}

func NewTrigger(portal Portal, logger *zap.Logger) *Trigger {
	return &Trigger{portal: portal, logger: logger.Named("trigger")}
}

// Locators lists the ways the trigger element is looked up, in order.
func (t *Trigger) Locators(req ExportRequest) []Locator {
	id := req.TriggerID()
	locs := []Locator{{Kind: ByCSS, Value: cssFor(id)}}
	if !isSelector(id) {
		suffix := id
		if i := strings.LastIndex(id, ":"); i >= 0 {
			suffix = id[i+1:]
		}
		if suffix != "" {
			locs = append(locs, Locator{Kind: ByIDSuffix, Value: suffix})
		}
	}
	if req.Label() != "" {
		locs = append(locs, Locator{Kind: ByName, Value: req.Label()})
	}
	return locs
}

// Fire activates the trigger through the first locator that resolves.
// ErrElementNotFound is returned, wrapped, when none does.
func (t *Trigger) Fire(ctx context.Context, req ExportRequest) error {
	log := t.logger.With(zap.String("request_id", req.ID()), zap.String("trigger", req.TriggerID()))

	if req.Menu() != "" {
		if err := t.portal.Activate(ctx, Locator{Kind: ByCSS, Value: req.Menu()}); err != nil {
			log.Debug("Menu opener did not activate.", zap.String("menu", req.Menu()), zap.Error(err))
		}
	}

	for _, loc := range t.Locators(req) {
		err := t.portal.Activate(ctx, loc)
		if err == nil {
			log.Debug("Trigger activated.", zap.Stringer("locator", loc))
			notifyFired(ctx)
			return nil
		}
		if !errors.Is(err, ErrElementNotFound) {
			return fmt.Errorf("activate %s: %w", loc, err)
		}
		log.Debug("Locator did not resolve.", zap.Stringer("locator", loc))
	}
	return fmt.Errorf("%w: %s", ErrElementNotFound, req.TriggerID())
}

// Invoke calls the framework RPC directly, bypassing visibility checks.
func (t *Trigger) Invoke(ctx context.Context, req ExportRequest) error {
	if err := t.portal.Invoke(ctx, req.TriggerID(), req.Form()); err != nil {
		return fmt.Errorf("invoke %s: %w", req.TriggerID(), err)
	}
	notifyFired(ctx)
	return nil
}

type firedKey struct{}

// withFiredHook returns a context whose trigger activations call fn.
func withFiredHook(ctx context.Context, fn func()) context.Context {
	return context.WithValue(ctx, firedKey{}, fn)
}

func notifyFired(ctx context.Context) {
	if fn, ok := ctx.Value(firedKey{}).(func()); ok {
		fn()
	}
}

// isSelector reports whether id is already a CSS selector rather than a bare component id.
func isSelector(id string) bool {
	if id == "" {
		return false
	}
	return strings.ContainsAny(id[:1], "#.[") || strings.ContainsAny(id, " >*=")
}

// cssFor turns a component id into a selector. Attribute syntax avoids escaping
// the colons JSF puts into ids.
func cssFor(id string) string {
	if isSelector(id) {
		return id
	}
	return `[id="` + strings.ReplaceAll(id, `"`, `\"`) + `"]`
}
