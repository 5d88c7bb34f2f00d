package settings

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"github.com/eencloud/goeen/log"
)

// Profile is the connection profile for a single payment terminal.
type Profile struct {
	BaseURL      string `json:"base_url"`
	LicenseToken string `json:"license_token"`
	Alias        string `json:"alias"`
	UserName     string `json:"user_name"`
	Password     string `json:"password"`

	// Defaults sent with every applicable command.
	CurrencyCode string `json:"currency_code"`
	OperatorID   string `json:"operator_id"`
	OperatorName string `json:"operator_name"`
	ECRVersion   string `json:"ecr_version"`
	Language     string `json:"language"`
	IdleText     string `json:"idle_text"`
	LockIdleText string `json:"lock_idle_text"`

	// RequireOriginalData makes CREDIT carry the original transaction's
	// STAN and timestamp in addition to the RRN.
	RequireOriginalData bool `json:"require_original_data"`
}

func (p *Profile) applyDefaults() {
	if p.CurrencyCode == "" {
		p.CurrencyCode = "981"
	}
	if p.ECRVersion == "" {
		p.ECRVersion = "BDX-BOG-v1.0"
	}
	if p.Language == "" {
		p.Language = "GE"
	}
	if p.IdleText == "" {
		p.IdleText = "Insert Card"
	}
	if p.LockIdleText == "" {
		p.LockIdleText = "READY"
	}
}

// Validate checks the fields without which no session can be opened.
func (p *Profile) Validate() error {
	switch {
	case p.BaseURL == "":
		return fmt.Errorf("profile missing base_url")
	case p.LicenseToken == "":
		return fmt.Errorf("profile missing license_token")
	case p.Alias == "":
		return fmt.Errorf("profile missing alias")
	case p.UserName == "":
		return fmt.Errorf("profile missing user_name")
	case p.Password == "":
		return fmt.Errorf("profile missing password")
	}
	return nil
}

// Manager handles the storage and retrieval of the terminal profile.
type Manager struct {
	sync.RWMutex
	logger     *log.Logger
	active     *Profile
	changeChan chan struct{}
}

// NewManager creates a new profile manager.
func NewManager(logger *log.Logger) *Manager {
	return &Manager{
		logger:     logger,
		changeChan: make(chan struct{}, 1),
	}
}

// Update parses a JSON profile payload and makes it the active profile.
func (m *Manager) Update(payload []byte) error {
	var profile Profile
	if err := json.Unmarshal(payload, &profile); err != nil {
		return fmt.Errorf("could not unmarshal terminal profile: %w", err)
	}
	profile.applyDefaults()
	if err := profile.Validate(); err != nil {
		return err
	}

	m.Lock()
	m.active = &profile
	m.Unlock()

	m.logger.Infof("Activated terminal profile for %s (alias %s)", profile.BaseURL, profile.Alias)
	m.notifyChange()
	return nil
}

// LoadFile reads a profile from a JSON file on disk.
func (m *Manager) LoadFile(path string) error {
	payload, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("could not read profile file: %w", err)
	}
	return m.Update(payload)
}

// Active returns a copy of the current active profile, or nil if none has
// been loaded yet.
func (m *Manager) Active() *Profile {
	m.RLock()
	defer m.RUnlock()

	if m.active == nil {
		return nil
	}
	profileCopy := *m.active
	return &profileCopy
}

// Changes returns a channel that signals when the profile has been updated.
func (m *Manager) Changes() <-chan struct{} {
	return m.changeChan
}

func (m *Manager) notifyChange() {
	select {
	case m.changeChan <- struct{}{}:
	default:
	}
}
