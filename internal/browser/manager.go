// internal/browser/manager.go
package browser

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"time"

	cdpnetwork "github.com/chromedp/cdproto/network"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/slotheather55/webspark/api/schemas"
	"github.com/slotheather55/webspark/internal/config"
)

// Manager owns the browser process and hands out exclusive sessions derived
// from its allocator context. It implements schemas.SessionManager.
type Manager struct {
	logger *zap.Logger
	cfg    config.BrowserConfig

	// allocatorCtx manages the browser process; every session context is
	// derived from it.
	allocatorCtx    context.Context
	allocatorCancel context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session

	// wg tracks active sessions for a graceful shutdown.
	wg sync.WaitGroup
}

var _ schemas.SessionManager = (*Manager)(nil)

// NewManager launches the browser process and verifies it responds before
// returning. The returned manager must be shut down to release the process.
func NewManager(ctx context.Context, cfg config.BrowserConfig, logger *zap.Logger) (*Manager, error) {
	m := &Manager{
		logger:   logger.Named("browser_manager"),
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}

	if err := m.launchBrowser(ctx); err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	return m, nil
}

// launchBrowser prepares allocator options and starts the browser process.
func (m *Manager) launchBrowser(ctx context.Context) error {
	m.logger.Info("Initializing browser allocator...")

	allocCtx, cancel := chromedp.NewExecAllocator(ctx, m.buildAllocatorOptions()...)
	m.allocatorCtx = allocCtx
	m.allocatorCancel = cancel

	// Verify the process starts and answers CDP within a bounded window.
	testCtx, cancelTest := context.WithTimeout(allocCtx, 30*time.Second)
	testCtx, cancelTestCtx := chromedp.NewContext(testCtx)
	defer cancelTestCtx()
	defer cancelTest()

	if err := chromedp.Run(testCtx, chromedp.Navigate("about:blank")); err != nil {
		m.allocatorCancel()
		return fmt.Errorf("browser failed to start or respond: %w", err)
	}

	m.logger.Info("Browser launched successfully and is responsive.",
		zap.Bool("headless", m.cfg.Headless))
	return nil
}

// buildAllocatorOptions assembles the launch flags. Later flags override
// earlier ones, and false booleans are omitted from the command line, so the
// defaults are tuned rather than rebuilt. enable-automation is forced off
// because it flips pages into bot-hostile modes that distort tag behavior.
func (m *Manager) buildAllocatorOptions() []chromedp.ExecAllocatorOption {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("enable-automation", false),
		chromedp.Flag("headless", m.cfg.Headless),
		chromedp.Flag("ignore-certificate-errors", m.cfg.IgnoreTLSErrors),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-extensions", true),
		chromedp.Flag("disable-gpu", m.cfg.Headless),
	)
	if m.cfg.UserAgent != "" {
		opts = append(opts, chromedp.UserAgent(m.cfg.UserAgent))
	}
	if m.cfg.ViewportWidth > 0 && m.cfg.ViewportHeight > 0 {
		opts = append(opts, chromedp.WindowSize(m.cfg.ViewportWidth, m.cfg.ViewportHeight))
	}

	// Operator-supplied arguments, e.g. --proxy-server=host:port.
	for _, arg := range m.cfg.ChromeArgs {
		name, value := parseChromeArg(arg)
		opts = append(opts, chromedp.Flag(name, value))
	}

	// Required when running inside containers.
	if runtime.GOOS == "linux" {
		opts = append(opts,
			chromedp.Flag("no-sandbox", true),
			chromedp.Flag("disable-dev-shm-usage", true),
			chromedp.Flag("disable-setuid-sandbox", true),
		)
	}

	return opts
}

// parseChromeArg splits a raw --flag or --flag=value argument into the name
// and value chromedp.Flag expects.
func parseChromeArg(arg string) (string, interface{}) {
	parts := strings.SplitN(arg, "=", 2)
	name := strings.TrimPrefix(parts[0], "--")
	if len(parts) == 2 {
		return name, parts[1]
	}
	return name, true
}

// Acquire creates a new tab, enables the event domains the session listeners
// depend on, and returns the session. The caller owns it until Close.
func (m *Manager) Acquire(ctx context.Context) (schemas.BrowserSession, error) {
	tabCtx, tabCancel := chromedp.NewContext(m.allocatorCtx)

	var sess *Session
	sess = newSession(tabCtx, tabCancel, m.cfg, m.logger, func() {
		m.mu.Lock()
		delete(m.sessions, sess.id)
		m.mu.Unlock()
		m.wg.Done()
	})

	setupCtx, cancelSetup := combineContext(tabCtx, ctx)
	defer cancelSetup()

	tasks := chromedp.Tasks{
		cdpnetwork.Enable(),
		cdpruntime.Enable(),
	}
	if m.cfg.ViewportWidth > 0 && m.cfg.ViewportHeight > 0 {
		tasks = append(tasks, chromedp.EmulateViewport(
			int64(m.cfg.ViewportWidth), int64(m.cfg.ViewportHeight)))
	}
	if err := chromedp.Run(setupCtx, tasks); err != nil {
		tabCancel()
		return nil, fmt.Errorf("failed to initialize session target: %w", err)
	}

	m.mu.Lock()
	m.sessions[sess.id] = sess
	m.mu.Unlock()
	m.wg.Add(1)

	m.logger.Debug("Session acquired.", zap.String("session_id", sess.id))
	return sess, nil
}

// Shutdown closes any sessions still open, waits for them to finish within
// the caller's deadline, and then terminates the browser process.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.logger.Info("Browser manager shutdown initiated.")

	m.mu.Lock()
	open := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		open = append(open, s)
	}
	m.mu.Unlock()

	for _, s := range open {
		go func(s *Session) {
			if err := s.Close(ctx); err != nil {
				m.logger.Warn("Session close during shutdown failed.",
					zap.String("session_id", s.id), zap.Error(err))
			}
		}(s)
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		m.logger.Info("All sessions have completed.")
	case <-ctx.Done():
		m.logger.Warn("Shutdown deadline exceeded. Forcing browser termination.", zap.Error(ctx.Err()))
	}

	if m.allocatorCancel != nil {
		m.logger.Info("Shutting down browser process...")
		m.allocatorCancel()
		<-m.allocatorCtx.Done()
	}
	return nil
}
