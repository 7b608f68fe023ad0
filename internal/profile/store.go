// Package profile persists per-purpose browsing state (cookies, local
// storage, metadata) so sessions look continuous across runs.
//
// All file I/O is best effort: a profile that cannot be written still works
// for the rest of the run, it just starts cold next time.
package profile

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/xkilldash9x/shade-cli/api/schemas"
)

// ErrProfileNotFound is returned for operations on unknown profile ids.
var ErrProfileNotFound = errors.New("profile: not found")

const (
	metadataName = "metadata.json"
	cookiesName  = "cookies.json"
	storageName  = "localStorage.json"

	defaultSessionTimeout = 24 * time.Hour
	defaultMaxAge         = 30 * 24 * time.Hour
)

// cookiesPayload is the on-disk shape of cookies.json.
type cookiesPayload struct {
	Saved   time.Time        `json:"saved"`
	Cookies []schemas.Cookie `json:"cookies"`
}

// storagePayload is the on-disk shape of localStorage.json.
type storagePayload struct {
	Saved time.Time         `json:"saved"`
	Data  map[string]string `json:"data"`
}

// CreateOptions seeds a new profile's identity fields.
type CreateOptions struct {
	UserAgent string
	Viewport  schemas.Viewport
	Tags      []string
}

// Store manages browsing profiles under a root directory, one subdirectory
// per profile. Metadata is hydrated once at construction; after that the
// in-memory view is authoritative and the disk trails it.
type Store struct {
	mu             sync.Mutex
	root           string
	sessionTimeout time.Duration
	clock          clock.Clock
	logger         *zap.Logger
	profiles       map[string]*schemas.ProfileMeta
}

// New creates the root directory if needed and hydrates existing profiles.
func New(root string, sessionTimeout time.Duration, clk clock.Clock, logger *zap.Logger) (*Store, error) {
	if root == "" {
		root = "profiles"
	}
	if sessionTimeout <= 0 {
		sessionTimeout = defaultSessionTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("creating profile root %s: %w", root, err)
	}
	s := &Store{
		root:           root,
		sessionTimeout: sessionTimeout,
		clock:          clk,
		logger:         logger.Named("profiles"),
		profiles:       make(map[string]*schemas.ProfileMeta),
	}
	s.hydrate()
	return s, nil
}

// hydrate loads every readable metadata.json under the root. Unreadable
// entries are logged and skipped.
func (s *Store) hydrate() {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		s.logger.Warn("Failed to scan profile root", zap.Error(err))
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(s.root, entry.Name(), metadataName))
		if err != nil {
			s.logger.Warn("Skipping profile with unreadable metadata",
				zap.String("dir", entry.Name()), zap.Error(err))
			continue
		}
		var meta schemas.ProfileMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			s.logger.Warn("Skipping profile with corrupt metadata",
				zap.String("dir", entry.Name()), zap.Error(err))
			continue
		}
		if meta.ID == "" {
			meta.ID = entry.Name()
		}
		s.profiles[meta.ID] = &meta
	}
	s.logger.Info("Hydrated profile store",
		zap.String("root", s.root), zap.Int("profiles", len(s.profiles)))
}

// GetOrCreate returns the live profile for a purpose, creating one when no
// existing profile has been used within the session timeout. At most one
// profile is live per purpose at a time.
func (s *Store) GetOrCreate(purpose string, opts CreateOptions) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()

	if meta := s.liveForPurpose(purpose, now); meta != nil {
		meta.LastUsed = now
		meta.SessionCount++
		s.writeMetadata(meta)
		s.logger.Debug("Reusing live profile",
			zap.String("id", meta.ID), zap.Int("sessions", meta.SessionCount))
		return meta.ID
	}

	id := fmt.Sprintf("%s-%s", sanitize(purpose), uuid.NewString()[:8])
	if err := os.MkdirAll(filepath.Join(s.root, id), 0o755); err != nil {
		s.logger.Warn("Failed to create profile directory, continuing in memory",
			zap.String("id", id), zap.Error(err))
	}
	meta := &schemas.ProfileMeta{
		ID:           id,
		Created:      now,
		LastUsed:     now,
		SessionCount: 1,
		UserAgent:    opts.UserAgent,
		Viewport:     opts.Viewport,
		Tags:         append([]string{purpose}, opts.Tags...),
	}
	s.profiles[id] = meta
	s.writeMetadata(meta)
	s.logger.Info("Created browsing profile",
		zap.String("id", id), zap.String("purpose", purpose))
	return id
}

// liveForPurpose returns the most recently used profile tagged with purpose
// that is still inside the session timeout. Caller holds the lock.
func (s *Store) liveForPurpose(purpose string, now time.Time) *schemas.ProfileMeta {
	var best *schemas.ProfileMeta
	for _, meta := range s.profiles {
		if !hasTag(meta, purpose) {
			continue
		}
		if now.Sub(meta.LastUsed) >= s.sessionTimeout {
			continue
		}
		if best == nil || meta.LastUsed.After(best.LastUsed) {
			best = meta
		}
	}
	return best
}

func hasTag(meta *schemas.ProfileMeta, tag string) bool {
	for _, t := range meta.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// SaveSession persists cookies and local storage for a profile and bumps its
// last-used timestamp. Write failures are logged, never returned.
func (s *Store) SaveSession(id string, cookies []schemas.Cookie, storage map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.profiles[id]
	if !ok {
		return ErrProfileNotFound
	}
	now := s.clock.Now()
	s.writeJSON(id, cookiesName, cookiesPayload{Saved: now, Cookies: cookies})
	s.writeJSON(id, storageName, storagePayload{Saved: now, Data: storage})
	meta.LastUsed = now
	s.writeMetadata(meta)
	s.logger.Debug("Session state persisted",
		zap.String("id", id),
		zap.Int("cookies", len(cookies)),
		zap.Int("storage_keys", len(storage)))
	return nil
}

// RestoreSession loads persisted session state. Missing or corrupt files
// yield empty state rather than an error.
func (s *Store) RestoreSession(id string) ([]schemas.Cookie, map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.profiles[id]; !ok {
		return nil, nil, ErrProfileNotFound
	}
	var ck cookiesPayload
	s.readJSON(id, cookiesName, &ck)
	var st storagePayload
	s.readJSON(id, storageName, &st)
	if st.Data == nil {
		st.Data = make(map[string]string)
	}
	return ck.Cookies, st.Data, nil
}

// CleanupExpired removes every profile unused for longer than maxAge and
// reports how many were deleted. A non-positive maxAge means the default.
func (s *Store) CleanupExpired(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if maxAge <= 0 {
		maxAge = defaultMaxAge
	}
	now := s.clock.Now()
	removed := 0
	for id, meta := range s.profiles {
		if now.Sub(meta.LastUsed) <= maxAge {
			continue
		}
		if err := os.RemoveAll(filepath.Join(s.root, id)); err != nil {
			// Keep the entry so a later sweep retries the removal.
			s.logger.Warn("Failed to remove expired profile",
				zap.String("id", id), zap.Error(err))
			continue
		}
		delete(s.profiles, id)
		removed++
	}
	if removed > 0 {
		s.logger.Info("Removed expired profiles", zap.Int("count", removed))
	}
	return removed
}

// Get returns a copy of one profile's metadata.
func (s *Store) Get(id string) (schemas.ProfileMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	meta, ok := s.profiles[id]
	if !ok {
		return schemas.ProfileMeta{}, ErrProfileNotFound
	}
	return *meta, nil
}

// List returns metadata for every profile, most recently used first.
func (s *Store) List() []schemas.ProfileMeta {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]schemas.ProfileMeta, 0, len(s.profiles))
	for _, meta := range s.profiles {
		out = append(out, *meta)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastUsed.After(out[j].LastUsed)
	})
	return out
}

// Dir returns the on-disk directory for a profile id.
func (s *Store) Dir(id string) string {
	return filepath.Join(s.root, id)
}

func (s *Store) writeMetadata(meta *schemas.ProfileMeta) {
	s.writeJSON(meta.ID, metadataName, meta)
}

func (s *Store) writeJSON(id, name string, v interface{}) {
	blob, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		s.logger.Warn("Failed to encode profile file",
			zap.String("id", id), zap.String("file", name), zap.Error(err))
		return
	}
	path := filepath.Join(s.root, id, name)
	if err := os.WriteFile(path, blob, 0o644); err != nil {
		s.logger.Warn("Failed to write profile file",
			zap.String("path", path), zap.Error(err))
	}
}

func (s *Store) readJSON(id, name string, v interface{}) {
	path := filepath.Join(s.root, id, name)
	raw, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("Failed to read profile file",
				zap.String("path", path), zap.Error(err))
		}
		return
	}
	if err := json.Unmarshal(raw, v); err != nil {
		s.logger.Warn("Ignoring corrupt profile file",
			zap.String("path", path), zap.Error(err))
	}
}

// sanitize makes a purpose safe to use as a directory name prefix.
func sanitize(purpose string) string {
	purpose = strings.ToLower(strings.TrimSpace(purpose))
	if purpose == "" {
		return "default"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			return r
		default:
			return '-'
		}
	}, purpose)
}
