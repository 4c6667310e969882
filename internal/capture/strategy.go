package capture

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Strategy is one way of observing the bytes of a remote-triggered export.
// Capture must honour the deadline carried by ctx and deregister any listener
// before returning.
type Strategy interface {
	Name() Source
	Capture(ctx context.Context, req ExportRequest) ([]byte, error)
}

// DownloadEventStrategy fires the UI trigger and waits for a native download.
type DownloadEventStrategy struct {
	portal  Portal
	trigger *Trigger
	logger  *zap.Logger
}

func NewDownloadEventStrategy(portal Portal, trigger *Trigger, logger *zap.Logger) *DownloadEventStrategy {
	return &DownloadEventStrategy{portal: portal, trigger: trigger, logger: logger.Named(string(SourceDownloadEvent))}
}

func (s *DownloadEventStrategy) Name() Source { return SourceDownloadEvent }

func (s *DownloadEventStrategy) Capture(ctx context.Context, req ExportRequest) ([]byte, error) {
	downloads, unsubscribe := subscribeDownloads(s.portal)
	defer unsubscribe()

	var cause error
	if err := s.trigger.Fire(ctx, req); err != nil {
		if !errors.Is(err, ErrElementNotFound) {
			return nil, err
		}
		// The action may still have run through another code path; keep listening.
		s.logger.Warn("Trigger element not found, still observing downloads.",
			zap.String("request_id", req.ID()), zap.Error(err))
		cause = err
	}
	return awaitDownload(ctx, downloads, cause)
}

// FrameworkCallbackStrategy invokes the framework RPC directly and waits for
// the download it produces.
type FrameworkCallbackStrategy struct {
	portal  Portal
	trigger *Trigger
	logger  *zap.Logger
}

func NewFrameworkCallbackStrategy(portal Portal, trigger *Trigger, logger *zap.Logger) *FrameworkCallbackStrategy {
	return &FrameworkCallbackStrategy{portal: portal, trigger: trigger, logger: logger.Named(string(SourceFrameworkCallback))}
}

func (s *FrameworkCallbackStrategy) Name() Source { return SourceFrameworkCallback }

func (s *FrameworkCallbackStrategy) Capture(ctx context.Context, req ExportRequest) ([]byte, error) {
	downloads, unsubscribe := subscribeDownloads(s.portal)
	defer unsubscribe()

	if err := s.trigger.Invoke(ctx, req); err != nil {
		return nil, err
	}
	return awaitDownload(ctx, downloads, nil)
}

// ResponseInterceptionStrategy scans every response of the session for the
// exported file, either as an attachment or as an embedded Base64 payload.
type ResponseInterceptionStrategy struct {
	portal     Portal
	trigger    *Trigger
	logger     *zap.Logger
	signatures []Signature
	refire     bool
}

// NewResponseInterceptionStrategy builds the strategy. When refire is true the
// export action is performed again once the interceptor is armed.
func NewResponseInterceptionStrategy(portal Portal, trigger *Trigger, sigs []Signature, refire bool, logger *zap.Logger) *ResponseInterceptionStrategy {
	if len(sigs) == 0 {
		sigs = DefaultSignatures
	}
	return &ResponseInterceptionStrategy{
		portal:     portal,
		trigger:    trigger,
		logger:     logger.Named(string(SourceResponseInterception)),
		signatures: sigs,
		refire:     refire,
	}
}

func (s *ResponseInterceptionStrategy) Name() Source { return SourceResponseInterception }

func (s *ResponseInterceptionStrategy) Capture(ctx context.Context, req ExportRequest) ([]byte, error) {
	found := make(chan []byte, 1)
	unsubscribe := s.portal.OnResponse(func(r Response) {
		data, ok := Inspect(r, s.signatures)
		if !ok {
			return
		}
		s.logger.Debug("Response carries the export.", zap.String("url", r.URL), zap.Int("bytes", len(data)))
		select {
		case found <- data:
		default:
		}
	})
	defer unsubscribe()

	var cause error
	if s.refire {
		cause = s.fire(ctx, req)
	}

	select {
	case data := <-found:
		return data, nil
	case <-ctx.Done():
		return nil, timeoutError(ctx, cause)
	}
}

// fire re-runs the export action; failures are reported but not fatal since
// the response may already be in flight.
func (s *ResponseInterceptionStrategy) fire(ctx context.Context, req ExportRequest) error {
	err := s.trigger.Fire(ctx, req)
	if errors.Is(err, ErrElementNotFound) {
		err = s.trigger.Invoke(ctx, req)
	}
	if err != nil {
		s.logger.Warn("Could not re-fire the export action, observing anyway.",
			zap.String("request_id", req.ID()), zap.Error(err))
	}
	return err
}

func subscribeDownloads(p Portal) (<-chan Download, func()) {
	ch := make(chan Download, 1)
	unsubscribe := p.OnDownload(func(d Download) {
		select {
		case ch <- d:
		default:
		}
	})
	return ch, unsubscribe
}

func awaitDownload(ctx context.Context, downloads <-chan Download, cause error) ([]byte, error) {
	select {
	case d := <-downloads:
		if d.Err != nil {
			return nil, fmt.Errorf("download %s: %w", d.GUID, d.Err)
		}
		return d.Data, nil
	case <-ctx.Done():
		return nil, timeoutError(ctx, cause)
	}
}

func timeoutError(ctx context.Context, cause error) error {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ctx.Err()
	}
	if cause != nil {
		return fmt.Errorf("%w: %w", ErrTimedOut, cause)
	}
	return ErrTimedOut
}
