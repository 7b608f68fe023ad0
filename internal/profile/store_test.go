package profile

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/xkilldash9x/shade-cli/api/schemas"
)

func newTestStore(t *testing.T) (*Store, *clock.Mock, string) {
	t.Helper()
	root := t.TempDir()
	mock := clock.NewMock()
	mock.Set(time.Date(2025, 3, 4, 12, 0, 0, 0, time.UTC))
	s, err := New(root, 0, mock, zaptest.NewLogger(t))
	require.NoError(t, err)
	return s, mock, root
}

func sampleCookies() []schemas.Cookie {
	return []schemas.Cookie{
		{Name: "session", Value: "abc123", Domain: ".example.com", Path: "/", Expires: 1893456000, HTTPOnly: true, Secure: true},
		{Name: "pref", Value: "dark", Domain: "example.com", Path: "/"},
	}
}

func TestGetOrCreateReusesLiveProfile(t *testing.T) {
	s, mock, _ := newTestStore(t)

	first := s.GetOrCreate("research", CreateOptions{UserAgent: "ua-1"})
	require.NotEmpty(t, first)

	mock.Add(6 * time.Hour)
	second := s.GetOrCreate("research", CreateOptions{UserAgent: "ua-1"})
	assert.Equal(t, first, second, "profile inside the session timeout is reused")

	meta, err := s.Get(first)
	require.NoError(t, err)
	assert.Equal(t, 2, meta.SessionCount)
	assert.Contains(t, meta.Tags, "research")
}

func TestGetOrCreateRollsOverAfterTimeout(t *testing.T) {
	s, mock, _ := newTestStore(t)

	first := s.GetOrCreate("research", CreateOptions{})
	mock.Add(24*time.Hour + time.Minute)
	second := s.GetOrCreate("research", CreateOptions{})

	assert.NotEqual(t, first, second, "session timeout forces a fresh profile")
	assert.Len(t, s.List(), 2)
}

func TestPurposesAreIsolated(t *testing.T) {
	s, _, _ := newTestStore(t)

	research := s.GetOrCreate("research", CreateOptions{})
	shopping := s.GetOrCreate("shopping", CreateOptions{})
	assert.NotEqual(t, research, shopping)
}

func TestSessionRoundTrip(t *testing.T) {
	s, _, root := newTestStore(t)

	id := s.GetOrCreate("research", CreateOptions{})
	cookies := sampleCookies()
	storage := map[string]string{"theme": "dark", "visited": "true"}

	require.NoError(t, s.SaveSession(id, cookies, storage))

	gotCookies, gotStorage, err := s.RestoreSession(id)
	require.NoError(t, err)
	assert.Equal(t, cookies, gotCookies)
	assert.Equal(t, storage, gotStorage)

	for _, name := range []string{metadataName, cookiesName, storageName} {
		_, err := os.Stat(filepath.Join(root, id, name))
		assert.NoError(t, err, "expected %s on disk", name)
	}
}

func TestRestoreFreshProfileIsEmpty(t *testing.T) {
	s, _, _ := newTestStore(t)

	id := s.GetOrCreate("research", CreateOptions{})
	cookies, storage, err := s.RestoreSession(id)
	require.NoError(t, err)
	assert.Empty(t, cookies)
	assert.Empty(t, storage)
	assert.NotNil(t, storage, "storage map is usable even when empty")
}

func TestUnknownProfile(t *testing.T) {
	s, _, _ := newTestStore(t)

	_, _, err := s.RestoreSession("nope")
	assert.ErrorIs(t, err, ErrProfileNotFound)
	assert.ErrorIs(t, s.SaveSession("nope", nil, nil), ErrProfileNotFound)
	_, err = s.Get("nope")
	assert.ErrorIs(t, err, ErrProfileNotFound)
}

func TestCorruptSessionFilesYieldEmptyState(t *testing.T) {
	s, _, root := newTestStore(t)

	id := s.GetOrCreate("research", CreateOptions{})
	require.NoError(t, os.WriteFile(filepath.Join(root, id, cookiesName), []byte("{not json"), 0o644))

	cookies, storage, err := s.RestoreSession(id)
	require.NoError(t, err, "corrupt files degrade, never fail")
	assert.Empty(t, cookies)
	assert.NotNil(t, storage)
}

func TestHydrateAcrossRestarts(t *testing.T) {
	s, mock, root := newTestStore(t)

	id := s.GetOrCreate("research", CreateOptions{UserAgent: "ua-1"})
	require.NoError(t, s.SaveSession(id, sampleCookies(), map[string]string{"k": "v"}))

	reopened, err := New(root, 0, mock, zaptest.NewLogger(t))
	require.NoError(t, err)

	meta, err := reopened.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "ua-1", meta.UserAgent)

	same := reopened.GetOrCreate("research", CreateOptions{})
	assert.Equal(t, id, same, "restart inside the session timeout keeps the profile")
}

func TestCleanupExpired(t *testing.T) {
	s, mock, root := newTestStore(t)

	stale := s.GetOrCreate("old-task", CreateOptions{})
	mock.Add(31 * 24 * time.Hour)
	fresh := s.GetOrCreate("new-task", CreateOptions{})

	removed := s.CleanupExpired(0)
	assert.Equal(t, 1, removed)

	_, err := s.Get(stale)
	assert.ErrorIs(t, err, ErrProfileNotFound)
	_, statErr := os.Stat(filepath.Join(root, stale))
	assert.True(t, os.IsNotExist(statErr), "expired profile directory is gone")

	_, err = s.Get(fresh)
	assert.NoError(t, err)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "market-research", sanitize("Market Research"))
	assert.Equal(t, "default", sanitize("  "))
	assert.Equal(t, "a-b-c", sanitize("a/b/c"))
}
