package behavior

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/xkilldash9x/shade-cli/api/schemas"
	"github.com/xkilldash9x/shade-cli/internal/mocks"
)

const testURL = "https://example.com/articles/42"

// pageDriver wires a MockDriver that behaves like a loaded content page.
func pageDriver() *mocks.MockDriver {
	md := &mocks.MockDriver{}
	md.On("Navigate", mock.Anything, testURL, mock.Anything).
		Return(&schemas.NavigateResult{URL: testURL, FinalURL: testURL, Status: 200}, nil)
	md.On("Viewport").Return(schemas.Viewport{Width: 1280, Height: 800}).Maybe()
	md.On("Evaluate", mock.Anything, visibleTextLengthJS, mock.Anything).
		Run(func(args mock.Arguments) {
			if p, ok := args.Get(2).(*int); ok {
				*p = 2500
			}
		}).Return(nil).Maybe()
	md.On("Evaluate", mock.Anything, interactiveCentersJS, mock.Anything).
		Run(func(args mock.Arguments) {
			if p, ok := args.Get(2).(*[]schemas.Point); ok {
				*p = []schemas.Point{{X: 120, Y: 90}, {X: 340, Y: 210}, {X: 500, Y: 400}}
			}
		}).Return(nil).Maybe()
	md.On("MoveMouse", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	md.On("Scroll", mock.Anything, mock.Anything, mock.Anything).Return(nil).Maybe()
	return md
}

func TestSimulatePageLoad(t *testing.T) {
	t.Run("wraps navigation with interaction", func(t *testing.T) {
		md := pageDriver()
		sim := NewTestSimulator(md, 42)

		result, err := sim.SimulatePageLoad(context.Background(), testURL, schemas.NavigateOptions{})
		require.NoError(t, err)
		require.NotNil(t, result)
		assert.Equal(t, 200, result.Status)

		md.AssertNumberOfCalls(t, "Navigate", 1)
		md.AssertCalled(t, "MoveMouse", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("navigation failure skips interaction", func(t *testing.T) {
		md := &mocks.MockDriver{}
		md.On("Navigate", mock.Anything, testURL, mock.Anything).
			Return(nil, errors.New("net::ERR_TIMED_OUT"))
		sim := NewTestSimulator(md, 42)

		_, err := sim.SimulatePageLoad(context.Background(), testURL, schemas.NavigateOptions{})
		require.Error(t, err)
		md.AssertNotCalled(t, "MoveMouse", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("interaction failures never fail the load", func(t *testing.T) {
		md := &mocks.MockDriver{}
		md.On("Navigate", mock.Anything, testURL, mock.Anything).
			Return(&schemas.NavigateResult{URL: testURL, Status: 200}, nil)
		md.On("Viewport").Return(schemas.Viewport{Width: 1280, Height: 800}).Maybe()
		md.On("Evaluate", mock.Anything, mock.Anything, mock.Anything).
			Return(errors.New("execution context destroyed")).Maybe()
		md.On("MoveMouse", mock.Anything, mock.Anything, mock.Anything).
			Return(errors.New("target closed")).Maybe()
		md.On("Scroll", mock.Anything, mock.Anything, mock.Anything).
			Return(errors.New("target closed")).Maybe()
		sim := NewTestSimulator(md, 42)

		result, err := sim.SimulatePageLoad(context.Background(), testURL, schemas.NavigateOptions{})
		require.NoError(t, err, "interaction layer degrades, never aborts")
		assert.NotNil(t, result)
	})

	t.Run("cancellation before navigation aborts", func(t *testing.T) {
		md := &mocks.MockDriver{}
		sim := NewTestSimulator(md, 42)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := sim.SimulatePageLoad(ctx, testURL, schemas.NavigateOptions{})
		require.ErrorIs(t, err, context.Canceled)
		md.AssertNotCalled(t, "Navigate", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("cancellation after navigation keeps the result", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		md := &mocks.MockDriver{}
		md.On("Navigate", mock.Anything, testURL, mock.Anything).
			Run(func(mock.Arguments) { cancel() }).
			Return(&schemas.NavigateResult{URL: testURL, Status: 200}, nil)
		sim := NewTestSimulator(md, 42)

		result, err := sim.SimulatePageLoad(ctx, testURL, schemas.NavigateOptions{})
		require.NoError(t, err, "the page loaded; cancellation only stops the decoration")
		assert.NotNil(t, result)
		md.AssertNotCalled(t, "MoveMouse", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("disabled behavior is a plain navigation", func(t *testing.T) {
		md := &mocks.MockDriver{}
		md.On("Navigate", mock.Anything, testURL, mock.Anything).
			Return(&schemas.NavigateResult{URL: testURL, Status: 200}, nil)
		sim := New(Config{Enabled: false}, md, nil)

		_, err := sim.SimulatePageLoad(context.Background(), testURL, schemas.NavigateOptions{})
		require.NoError(t, err)
		md.AssertNumberOfCalls(t, "Navigate", 1)
		md.AssertNotCalled(t, "MoveMouse", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestSimulateType(t *testing.T) {
	t.Run("sends every rune in order", func(t *testing.T) {
		md := &mocks.MockDriver{}
		md.On("Focus", mock.Anything, "#search").Return(nil)
		md.On("SendKeys", mock.Anything, mock.Anything).Return(nil)
		sim := NewTestSimulator(md, 7)

		require.NoError(t, sim.SimulateType(context.Background(), "#search", "go on."))

		var typed string
		for _, call := range md.Calls {
			if call.Method == "SendKeys" {
				typed += call.Arguments.String(1)
			}
		}
		assert.Equal(t, "go on.", typed)
		md.AssertCalled(t, "Focus", mock.Anything, "#search")
	})

	t.Run("focus failure surfaces", func(t *testing.T) {
		md := &mocks.MockDriver{}
		md.On("Focus", mock.Anything, "#missing").Return(errors.New("node not found"))
		sim := NewTestSimulator(md, 7)

		err := sim.SimulateType(context.Background(), "#missing", "hi")
		require.Error(t, err)
		md.AssertNotCalled(t, "SendKeys", mock.Anything, mock.Anything)
	})
}

func TestSimulateClick(t *testing.T) {
	t.Run("glides to the element before clicking", func(t *testing.T) {
		md := &mocks.MockDriver{}
		md.On("Evaluate", mock.Anything, mock.Anything, mock.Anything).
			Run(func(args mock.Arguments) {
				if p, ok := args.Get(2).(**schemas.Point); ok {
					*p = &schemas.Point{X: 320, Y: 240}
				}
			}).Return(nil)
		md.On("Viewport").Return(schemas.Viewport{Width: 1280, Height: 800})
		md.On("MoveMouse", mock.Anything, mock.Anything, mock.Anything).Return(nil)
		md.On("Click", mock.Anything, "#submit").Return(nil)
		sim := NewTestSimulator(md, 7)

		require.NoError(t, sim.SimulateClick(context.Background(), "#submit"))
		md.AssertCalled(t, "MoveMouse", mock.Anything, mock.Anything, mock.Anything)
		md.AssertCalled(t, "Click", mock.Anything, "#submit")
	})

	t.Run("clicks directly when the probe finds nothing", func(t *testing.T) {
		md := &mocks.MockDriver{}
		md.On("Evaluate", mock.Anything, mock.Anything, mock.Anything).Return(nil)
		md.On("Click", mock.Anything, "#submit").Return(nil)
		sim := NewTestSimulator(md, 7)

		require.NoError(t, sim.SimulateClick(context.Background(), "#submit"))
		md.AssertNotCalled(t, "MoveMouse", mock.Anything, mock.Anything, mock.Anything)
		md.AssertCalled(t, "Click", mock.Anything, "#submit")
	})
}

func TestThinkDelayBounds(t *testing.T) {
	sim := NewTestSimulator(&mocks.MockDriver{}, 99)
	sim.cfg.ThinkMin = 500 * time.Millisecond
	sim.cfg.ThinkMax = 2 * time.Second

	for i := 0; i < 1000; i++ {
		d := sim.thinkDelay()
		require.GreaterOrEqual(t, d, sim.cfg.ThinkMin)
		require.LessOrEqual(t, d, sim.cfg.ThinkMax)
	}
}

func TestGlideStaysInsideViewport(t *testing.T) {
	vp := schemas.Viewport{Width: 1280, Height: 800}
	md := &mocks.MockDriver{}
	var points []schemas.Point
	md.On("MoveMouse", mock.Anything, mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			points = append(points, schemas.Point{
				X: args.Get(1).(float64),
				Y: args.Get(2).(float64),
			})
		}).Return(nil)
	sim := NewTestSimulator(md, 11)

	// Target far outside the viewport; every dispatched point must be clamped.
	err := sim.glideTo(context.Background(), schemas.Point{X: 5000, Y: 5000}, vp)
	require.NoError(t, err)
	require.NotEmpty(t, points)
	for _, p := range points {
		assert.GreaterOrEqual(t, p.X, 1.0)
		assert.LessOrEqual(t, p.X, float64(vp.Width)-1)
		assert.GreaterOrEqual(t, p.Y, 1.0)
		assert.LessOrEqual(t, p.Y, float64(vp.Height)-1)
	}
}

func TestDeterministicWithSameSeed(t *testing.T) {
	run := func() []string {
		md := pageDriver()
		sim := NewTestSimulator(md, 1234)
		_, err := sim.SimulatePageLoad(context.Background(), testURL, schemas.NavigateOptions{})
		require.NoError(t, err)
		return md.CallNames()
	}
	assert.Equal(t, run(), run(), "same seed, same interaction sequence")
}
