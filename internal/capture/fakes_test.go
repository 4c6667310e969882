package capture

import (
	"context"
	"sync"

	"github.com/stretchr/testify/mock"
)

// fakePortal is an in-memory Portal whose events are published by the test.
type fakePortal struct {
	downloads *Hub[Download]
	responses *Hub[Response]

	mu          sync.Mutex
	onActivate  func(Locator) error
	onInvoke    func(triggerID, form string) error
	activations []Locator
	invocations int
}

func newFakePortal() *fakePortal {
	return &fakePortal{downloads: NewHub[Download](), responses: NewHub[Response]()}
}

func (p *fakePortal) Activate(_ context.Context, loc Locator) error {
	p.mu.Lock()
	p.activations = append(p.activations, loc)
	fn := p.onActivate
	p.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(loc)
}

func (p *fakePortal) Invoke(_ context.Context, triggerID, form string) error {
	p.mu.Lock()
	p.invocations++
	fn := p.onInvoke
	p.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(triggerID, form)
}

func (p *fakePortal) OnDownload(fn func(Download)) func() { return p.downloads.Subscribe(fn) }
func (p *fakePortal) OnResponse(fn func(Response)) func() { return p.responses.Subscribe(fn) }

func (p *fakePortal) activationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.activations)
}

func (p *fakePortal) invocationCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.invocations
}

// mockPortal is used where only call expectations matter.
type mockPortal struct {
	mock.Mock
}

func (m *mockPortal) Activate(ctx context.Context, loc Locator) error {
	return m.Called(ctx, loc).Error(0)
}

func (m *mockPortal) Invoke(ctx context.Context, triggerID, form string) error {
	return m.Called(ctx, triggerID, form).Error(0)
}

func (m *mockPortal) OnDownload(fn func(Download)) func() { return func() {} }
func (m *mockPortal) OnResponse(fn func(Response)) func() { return func() {} }

// mockStrategy lets tests script a strategy's verdict and assert it ran.
type mockStrategy struct {
	mock.Mock
	name Source
}

func (m *mockStrategy) Name() Source { return m.name }

func (m *mockStrategy) Capture(ctx context.Context, req ExportRequest) ([]byte, error) {
	args := m.Called(ctx, req)
	var data []byte
	if v := args.Get(0); v != nil {
		data = v.([]byte)
	}
	return data, args.Error(1)
}

// funcStrategy adapts a closure to Strategy.
type funcStrategy struct {
	name Source
	fn   func(ctx context.Context, req ExportRequest) ([]byte, error)
}

func (f funcStrategy) Name() Source { return f.name }

func (f funcStrategy) Capture(ctx context.Context, req ExportRequest) ([]byte, error) {
	return f.fn(ctx, req)
}
