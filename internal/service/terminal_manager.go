package service

import (
	"sync"

	"github.com/eencloud/goeen/log"

	"bridge-paymentterminal/internal/core"
	"bridge-paymentterminal/internal/journal"
	"bridge-paymentterminal/internal/settings"
	"bridge-paymentterminal/internal/terminal"
)

// TerminalManager owns the client, poller and orchestrator for the active
// terminal profile and rebuilds them when settings change. Flows obtained
// through Orchestrator stay valid across a rebuild; they hold their own
// client for the duration of the flow.
type TerminalManager struct {
	logger  *log.Logger
	audit   *core.AuditLogger
	journal *journal.Store

	mu           sync.Mutex
	orchestrator *terminal.Orchestrator
}

func NewTerminalManager(logger *log.Logger, audit *core.AuditLogger, store *journal.Store) *TerminalManager {
	return &TerminalManager{
		logger:  logger,
		audit:   audit,
		journal: store,
	}
}

// HandleConfigChange rebuilds the terminal stack for a new profile. A nil
// profile tears the stack down.
func (tm *TerminalManager) HandleConfigChange(profile *settings.Profile) error {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	if profile == nil {
		tm.logger.Info("No terminal profile - stopping terminal stack")
		tm.orchestrator = nil
		return nil
	}

	if err := profile.Validate(); err != nil {
		tm.logger.Errorf("Rejecting terminal profile: %v", err)
		return err
	}

	client := terminal.NewClient(*profile, tm.logger, tm.audit)
	poller := terminal.NewPoller(client, tm.logger)
	tm.orchestrator = terminal.NewOrchestrator(client, poller, tm.logger, tm.journal)

	tm.logger.Infof("Terminal stack ready for %s", profile.BaseURL)
	return nil
}

// Orchestrator returns the current flow driver, or nil when no profile is
// active.
func (tm *TerminalManager) Orchestrator() *terminal.Orchestrator {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return tm.orchestrator
}

func (tm *TerminalManager) Stop() error {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.orchestrator = nil
	tm.logger.Info("Terminal stack stopped")
	return nil
}
