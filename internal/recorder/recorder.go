// Package recorder turns a live browser session into a macro. An in-page
// script announces every trusted interaction on the console; this package
// parses those announcements, assigns ids and relative timestamps, writes
// the human-readable step descriptions, and hands the finished macro to
// the library on stop.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/slotheather55/webspark/api/schemas"
	"github.com/slotheather55/webspark/internal/browser"
	"github.com/slotheather55/webspark/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// consolePrefix marks the console lines the in-page recorder emits.
const consolePrefix = "MACRO_ACTION:"

// rawAction mirrors the JSON payload behind the console prefix.
type rawAction struct {
	Type      string                `json:"type"`
	Locator   schemas.LocatorBundle `json:"locator_bundle"`
	Value     string                `json:"value"`
	URL       string                `json:"url"`
	Tag       string                `json:"tag"`
	Timestamp int64                 `json:"timestamp"`
}

// Session is one live recording. Interactions accumulate on the macro
// until Stop; the session owns its browser page exclusively.
type Session struct {
	id      string
	page    schemas.BrowserSession
	logger  *zap.Logger
	limiter *rate.Limiter
	quality int
	detach  func()

	mu       sync.Mutex
	macro    *schemas.Macro
	lastURL  string
	startMS  int64
	stopped  bool
	lastShot []byte
}

// ID returns the recording session id. It is distinct from the macro id;
// one names the live session, the other the stored artifact.
func (s *Session) ID() string { return s.id }

// Macro returns a snapshot of the macro recorded so far.
func (s *Session) Macro() *schemas.Macro {
	s.mu.Lock()
	defer s.mu.Unlock()
	snapshot := *s.macro
	snapshot.Actions = make([]schemas.Action, len(s.macro.Actions))
	copy(snapshot.Actions, s.macro.Actions)
	return &snapshot
}

// RemoveAction drops a mis-recorded step before the macro is saved.
func (s *Session) RemoveAction(actionID int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.macro.RemoveAction(actionID)
}

// Screenshot returns a JPEG of the current viewport. Captures are paced;
// a call arriving inside the pacing interval gets the previous frame, so
// a polling UI can run as hot as it likes without flooding the browser.
func (s *Session) Screenshot(ctx context.Context) ([]byte, error) {
	s.mu.Lock()
	cached := s.lastShot
	s.mu.Unlock()

	if !s.limiter.Allow() && cached != nil {
		return cached, nil
	}

	shot, err := s.page.Screenshot(ctx, s.quality)
	if err != nil {
		if cached != nil {
			return cached, nil
		}
		return nil, fmt.Errorf("capturing screenshot: %w", err)
	}
	s.mu.Lock()
	s.lastShot = shot
	s.mu.Unlock()
	return shot, nil
}

// handleConsole is attached as the page's console listener for the whole
// life of the session. Anything that is not a recorder announcement passes
// through untouched.
func (s *Session) handleConsole(msg schemas.ConsoleMessage) {
	if !strings.HasPrefix(msg.Text, consolePrefix) {
		return
	}
	payload := strings.TrimPrefix(msg.Text, consolePrefix)

	var raw rawAction
	if err := json.UnmarshalFromString(payload, &raw); err != nil {
		s.logger.Warn("Unparseable recorder announcement.",
			zap.String("payload", payload), zap.Error(err))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	switch schemas.ActionType(raw.Type) {
	case schemas.ActionClick:
		if err := raw.Locator.Validate(); err != nil {
			s.logger.Warn("Dropping click with unusable locator bundle.",
				zap.String("tag", raw.Tag), zap.Error(err))
			return
		}
		s.appendAction(schemas.Action{
			Type:        schemas.ActionClick,
			Locator:     raw.Locator,
			Description: clickDescription(raw),
		}, raw.Timestamp)

	case schemas.ActionInput:
		s.appendAction(schemas.Action{
			Type:        schemas.ActionInput,
			Locator:     raw.Locator,
			Description: inputDescription(raw),
			Value:       raw.Value,
		}, raw.Timestamp)

	case schemas.ActionNavigate:
		// The script announces every new document, including the one we
		// navigated to ourselves and reloads of the current page.
		if raw.URL == "" || raw.URL == s.lastURL {
			return
		}
		s.lastURL = raw.URL
		s.appendAction(schemas.Action{
			Type:        schemas.ActionNavigate,
			Description: "Navigate to " + raw.URL,
			Value:       raw.URL,
		}, raw.Timestamp)

	default:
		s.logger.Debug("Ignoring unknown recorder action type.",
			zap.String("type", raw.Type))
	}
}

// appendAction assigns the sequence id and relative timestamp. Callers
// hold s.mu.
func (s *Session) appendAction(action schemas.Action, epochMS int64) {
	action.ID = s.macro.NextActionID()
	if offset := epochMS - s.startMS; offset > 0 {
		action.TimestampOffsetMS = offset
	}
	s.macro.Actions = append(s.macro.Actions, action)
	s.logger.Info("Action recorded.",
		zap.Int("id", action.ID),
		zap.String("type", string(action.Type)),
		zap.String("description", action.Description))
}

// stop detaches the listeners and releases the page. Safe to call twice.
func (s *Session) stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.detach()
	return s.page.Close(ctx)
}

// truncate shortens interaction text for step descriptions.
func truncate(text string, max int) string {
	if len(text) <= max {
		return text
	}
	return text[:max]
}

func clickDescription(raw rawAction) string {
	selector := raw.Locator.PrimarySelector()
	if raw.Locator.Text != "" {
		return fmt.Sprintf("Click on '%s' (%s)", truncate(raw.Locator.Text, 30), selector)
	}
	return fmt.Sprintf("Click element (%s)", selector)
}

func inputDescription(raw rawAction) string {
	return fmt.Sprintf("Type '%s' in input field (%s)",
		truncate(raw.Value, 30), raw.Locator.PrimarySelector())
}

// Manager tracks the live recording sessions and persists their macros on
// stop. One manager serves the whole process; sessions are keyed by id.
type Manager struct {
	cfg      config.RecorderConfig
	sessions schemas.SessionManager
	store    MacroSaver
	logger   *zap.Logger

	mu   sync.Mutex
	live map[string]*Session
}

// MacroSaver is the slice of the macro library the recorder needs.
type MacroSaver interface {
	Save(macro *schemas.Macro) error
}

// NewManager builds a recording manager on top of an acquired-per-session
// browser pool.
func NewManager(cfg config.RecorderConfig, sessions schemas.SessionManager, store MacroSaver, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		cfg:      cfg,
		sessions: sessions,
		store:    store,
		logger:   logger.Named("recorder"),
		live:     map[string]*Session{},
	}
}

// Start opens a page on the target URL and begins recording. The returned
// session is already live: the first user click lands in the macro.
func (m *Manager) Start(ctx context.Context, name, url string) (*Session, error) {
	if url == "" {
		return nil, errors.New("recording url cannot be empty")
	}
	now := time.Now().UTC()
	if name == "" {
		name = "Recording " + now.Format("2006-01-02 15:04")
	}

	page, err := m.sessions.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquiring recording page: %w", err)
	}

	sess := &Session{
		id:      uuid.NewString(),
		page:    page,
		limiter: rate.NewLimiter(rate.Limit(m.cfg.ScreenshotsPerSecond), 1),
		quality: m.cfg.JPEGQuality,
		macro: &schemas.Macro{
			ID:        uuid.NewString(),
			Name:      name,
			URL:       url,
			CreatedAt: now,
			Actions:   []schemas.Action{},
		},
		lastURL: url,
		startMS: now.UnixMilli(),
	}
	sess.logger = m.logger.With(zap.String("session_id", sess.id))

	// The announcer must be in place before the first document loads, and
	// the console listener before the announcer can speak.
	if err := page.InjectOnNewDocument(ctx, browser.RecorderScript()); err != nil {
		m.closeQuietly(page)
		return nil, fmt.Errorf("installing recorder script: %w", err)
	}
	sess.detach = page.ListenConsole(sess.handleConsole)

	if err := page.Navigate(ctx, url); err != nil {
		sess.detach()
		m.closeQuietly(page)
		return nil, fmt.Errorf("opening %s: %w", url, err)
	}

	m.mu.Lock()
	m.live[sess.id] = sess
	m.mu.Unlock()

	m.logger.Info("Recording started.",
		zap.String("session_id", sess.id),
		zap.String("macro_id", sess.macro.ID),
		zap.String("name", name),
		zap.String("url", url))
	return sess, nil
}

// Get returns a live session by id.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.live[id]
	return sess, ok
}

// Stop ends the session, saves its macro to the library, and returns it.
func (m *Manager) Stop(ctx context.Context, id string) (*schemas.Macro, error) {
	m.mu.Lock()
	sess, ok := m.live[id]
	delete(m.live, id)
	m.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no recording session %s", id)
	}

	macro := sess.Macro()
	if err := sess.stop(ctx); err != nil {
		m.logger.Warn("Recording page close failed.",
			zap.String("session_id", id), zap.Error(err))
	}
	if err := m.store.Save(macro); err != nil {
		return nil, fmt.Errorf("saving macro %s: %w", macro.ID, err)
	}

	m.logger.Info("Recording stopped.",
		zap.String("session_id", id),
		zap.String("macro_id", macro.ID),
		zap.Int("actions", len(macro.Actions)))
	return macro, nil
}

// Discard ends the session without saving anything.
func (m *Manager) Discard(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.live[id]
	delete(m.live, id)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no recording session %s", id)
	}
	m.logger.Info("Recording discarded.", zap.String("session_id", id))
	return sess.stop(ctx)
}

// CloseAll discards every live session; used on shutdown.
func (m *Manager) CloseAll(ctx context.Context) {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.live))
	for _, sess := range m.live {
		sessions = append(sessions, sess)
	}
	m.live = map[string]*Session{}
	m.mu.Unlock()

	for _, sess := range sessions {
		if err := sess.stop(ctx); err != nil {
			m.logger.Warn("Session close failed during shutdown.",
				zap.String("session_id", sess.id), zap.Error(err))
		}
	}
}

func (m *Manager) closeQuietly(page schemas.BrowserSession) {
	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := page.Close(closeCtx); err != nil {
		m.logger.Debug("Page close failed.", zap.Error(err))
	}
}
