// File: internal/mocks/mocks.go
package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/xkilldash9x/shade-cli/api/schemas"
)

// -- Browser Driver Mock --

// MockDriver mocks the schemas.Driver interface. Invocation order is
// available through the embedded mock.Mock's Calls slice.
type MockDriver struct {
	mock.Mock
}

func (m *MockDriver) Navigate(ctx context.Context, url string, opts schemas.NavigateOptions) (*schemas.NavigateResult, error) {
	args := m.Called(ctx, url, opts)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*schemas.NavigateResult), args.Error(1)
}

func (m *MockDriver) MoveMouse(ctx context.Context, x, y float64) error {
	return m.Called(ctx, x, y).Error(0)
}

func (m *MockDriver) Click(ctx context.Context, selector string) error {
	return m.Called(ctx, selector).Error(0)
}

func (m *MockDriver) Focus(ctx context.Context, selector string) error {
	return m.Called(ctx, selector).Error(0)
}

func (m *MockDriver) SendKeys(ctx context.Context, keys string) error {
	return m.Called(ctx, keys).Error(0)
}

func (m *MockDriver) Scroll(ctx context.Context, deltaX, deltaY float64) error {
	return m.Called(ctx, deltaX, deltaY).Error(0)
}

func (m *MockDriver) Viewport() schemas.Viewport {
	args := m.Called()
	return args.Get(0).(schemas.Viewport)
}

func (m *MockDriver) SetViewport(ctx context.Context, v schemas.Viewport) error {
	return m.Called(ctx, v).Error(0)
}

func (m *MockDriver) Cookies(ctx context.Context) ([]schemas.Cookie, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]schemas.Cookie), args.Error(1)
}

func (m *MockDriver) SetCookies(ctx context.Context, cookies []schemas.Cookie) error {
	return m.Called(ctx, cookies).Error(0)
}

func (m *MockDriver) LocalStorage(ctx context.Context) (map[string]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]string), args.Error(1)
}

func (m *MockDriver) SetLocalStorage(ctx context.Context, data map[string]string) error {
	return m.Called(ctx, data).Error(0)
}

// Evaluate routes out through the expectation's Run hook, so tests can
// populate results with mock.Arguments.Get(2).
func (m *MockDriver) Evaluate(ctx context.Context, expression string, out interface{}) error {
	return m.Called(ctx, expression, out).Error(0)
}

func (m *MockDriver) InjectScript(ctx context.Context, script string) error {
	return m.Called(ctx, script).Error(0)
}

func (m *MockDriver) Connected() bool {
	return m.Called().Bool(0)
}

func (m *MockDriver) Close(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

// CallNames returns the method names invoked so far, in order.
func (m *MockDriver) CallNames() []string {
	names := make([]string, 0, len(m.Calls))
	for _, c := range m.Calls {
		names = append(names, c.Method)
	}
	return names
}
