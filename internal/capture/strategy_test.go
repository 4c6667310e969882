package capture

import (
	"context"
	"encoding/base64"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestDownloadEventStrategy(t *testing.T) {
	req := mustRequest(t, "form:export", "form", "out.xlsx")

	t.Run("returns bytes of the download the trigger causes", func(t *testing.T) {
		portal := newFakePortal()
		portal.onActivate = func(Locator) error {
			go portal.downloads.Publish(Download{GUID: "g1", Data: []byte("xlsx")})
			return nil
		}
		s := NewDownloadEventStrategy(portal, NewTrigger(portal, zap.NewNop()), zap.NewNop())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		data, err := s.Capture(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, []byte("xlsx"), data)
		assert.Equal(t, 0, portal.downloads.Len(), "listener must be removed")
	})

	t.Run("keeps observing when the element is missing", func(t *testing.T) {
		portal := newFakePortal()
		portal.onActivate = func(Locator) error {
			go func() {
				time.Sleep(20 * time.Millisecond)
				portal.downloads.Publish(Download{GUID: "g2", Data: []byte("late")})
			}()
			return ErrElementNotFound
		}
		s := NewDownloadEventStrategy(portal, NewTrigger(portal, zap.NewNop()), zap.NewNop())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		data, err := s.Capture(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, []byte("late"), data)
	})

	t.Run("times out with the trigger failure as cause", func(t *testing.T) {
		portal := newFakePortal()
		portal.onActivate = func(Locator) error { return ErrElementNotFound }
		s := NewDownloadEventStrategy(portal, NewTrigger(portal, zap.NewNop()), zap.NewNop())

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
		defer cancel()
		_, err := s.Capture(ctx, req)
		assert.ErrorIs(t, err, ErrTimedOut)
		assert.ErrorIs(t, err, ErrElementNotFound)
		assert.Equal(t, 0, portal.downloads.Len())
	})

	t.Run("failed download is an error", func(t *testing.T) {
		portal := newFakePortal()
		canceled := errors.New("download canceled")
		portal.onActivate = func(Locator) error {
			go portal.downloads.Publish(Download{GUID: "g3", Err: canceled})
			return nil
		}
		s := NewDownloadEventStrategy(portal, NewTrigger(portal, zap.NewNop()), zap.NewNop())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_, err := s.Capture(ctx, req)
		assert.ErrorIs(t, err, canceled)
	})
}

func TestFrameworkCallbackStrategy(t *testing.T) {
	req := mustRequest(t, "form:export", "form", "out.xlsx")
	portal := newFakePortal()
	portal.onInvoke = func(triggerID, form string) error {
		assert.Equal(t, "form:export", triggerID)
		assert.Equal(t, "form", form)
		go portal.downloads.Publish(Download{GUID: "g", Data: []byte("rpc")})
		return nil
	}
	s := NewFrameworkCallbackStrategy(portal, NewTrigger(portal, zap.NewNop()), zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := s.Capture(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, []byte("rpc"), data)
	assert.Equal(t, 0, portal.activationCount(), "callback strategy must not click")
	assert.Equal(t, 0, portal.downloads.Len())
}

func TestResponseInterceptionStrategy(t *testing.T) {
	req := mustRequest(t, "form:export", "form", "out.xlsx")
	payload := []byte("spreadsheet bytes")
	body := `{"update":"` + string(SignatureFor(MIMESpreadsheetML)) + base64.StdEncoding.EncodeToString(payload) + `"}`

	t.Run("ignores unrelated responses and decodes the payload", func(t *testing.T) {
		portal := newFakePortal()
		portal.onActivate = func(Locator) error {
			go func() {
				portal.responses.Publish(Response{URL: "/poll", Body: []byte(`{"queue":"empty"}`)})
				portal.responses.Publish(Response{URL: "/export", Body: []byte(body)})
			}()
			return nil
		}
		s := NewResponseInterceptionStrategy(portal, NewTrigger(portal, zap.NewNop()), nil, true, zap.NewNop())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		data, err := s.Capture(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, payload, data)
		assert.Equal(t, 0, portal.responses.Len())
	})

	t.Run("falls back to the framework call when the element is missing", func(t *testing.T) {
		portal := newFakePortal()
		portal.onActivate = func(Locator) error { return ErrElementNotFound }
		portal.onInvoke = func(string, string) error {
			go portal.responses.Publish(Response{
				Headers: map[string]string{"Content-Disposition": "attachment; filename=x.xlsx"},
				Body:    payload,
			})
			return nil
		}
		s := NewResponseInterceptionStrategy(portal, NewTrigger(portal, zap.NewNop()), nil, true, zap.NewNop())

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		data, err := s.Capture(ctx, req)
		require.NoError(t, err)
		assert.Equal(t, payload, data)
		assert.Equal(t, 1, portal.invocationCount())
	})

	t.Run("passive mode does not fire anything", func(t *testing.T) {
		portal := newFakePortal()
		s := NewResponseInterceptionStrategy(portal, NewTrigger(portal, zap.NewNop()), nil, false, zap.NewNop())

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err := s.Capture(ctx, req)
		assert.ErrorIs(t, err, ErrTimedOut)
		assert.Equal(t, 0, portal.activationCount())
		assert.Equal(t, 0, portal.invocationCount())
	})
}
