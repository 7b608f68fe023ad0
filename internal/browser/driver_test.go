package browser

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBlockSuspected(t *testing.T) {
	tests := []struct {
		name   string
		status int
		title  string
		want   bool
	}{
		{"forbidden", 403, "", true},
		{"not acceptable", 406, "", true},
		{"teapot", 418, "", true},
		{"rate limited", 429, "", true},
		{"service unavailable", 503, "", true},
		{"plain ok", 200, "Example Domain", false},
		{"not found is not a block", 404, "Not Found", false},
		{"cloudflare challenge", 200, "Just a moment...", true},
		{"access denied page", 200, "Access Denied | example.com", true},
		{"captcha wall", 200, "One more step: solve the CAPTCHA", true},
		{"human verification", 200, "Verify you are human", true},
		{"empty response", 0, "", false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, blockSuspected(tc.status, tc.title))
		})
	}
}

func TestFlagFromArg(t *testing.T) {
	tests := []struct {
		arg       string
		wantName  string
		wantValue interface{}
	}{
		{"--disable-dev-shm-usage", "disable-dev-shm-usage", true},
		{"--window-size=800,600", "window-size", "800,600"},
		{"proxy-server=http://127.0.0.1:8080", "proxy-server", "http://127.0.0.1:8080"},
		{"  --lang=de-DE  ", "lang", "de-DE"},
		{"", "", true},
	}

	for _, tc := range tests {
		t.Run(tc.arg, func(t *testing.T) {
			name, value := flagFromArg(tc.arg)
			assert.Equal(t, tc.wantName, name)
			assert.Equal(t, tc.wantValue, value)
		})
	}
}

func TestConfigDefaults(t *testing.T) {
	cfg := DefaultConfig()
	assert.True(t, cfg.Headless)
	assert.Equal(t, 60*time.Second, cfg.NavTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.StabilizeQuiet)

	t.Run("withDefaults fills zero values only", func(t *testing.T) {
		custom := Config{NavTimeout: 5 * time.Second}.withDefaults()
		assert.Equal(t, 5*time.Second, custom.NavTimeout)
		assert.Equal(t, 500*time.Millisecond, custom.StabilizeQuiet)
		assert.False(t, custom.Headless)
	})
}

func TestConfigValidate(t *testing.T) {
	assert.NoError(t, DefaultConfig().Validate())
	assert.Error(t, Config{NavTimeout: -time.Second}.Validate())
	assert.Error(t, Config{StabilizeQuiet: -time.Second}.Validate())
}
