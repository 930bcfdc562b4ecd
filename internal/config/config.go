package config

import (
	"encoding/json"
	"errors"
	"os"
	"reflect"
	"sync"

	"github.com/vlsampaio/whatsapp-broadcast-bot/pkg/log"
)

type SendMethod string

const (
	SendMethodForward SendMethod = "FORWARD"
	SendMethodText    SendMethod = "TEXT"
	SendMethodImage   SendMethod = "IMAGE"
)

type ImageAspect string

const (
	ImageAspectOriginal ImageAspect = "ORIGINAL"
	ImageAspectSquare   ImageAspect = "SQUARE"
)

// Config mirrors the on-disk config.json. Field tags keep the file
// compatible with hand-edited configs from earlier deployments.
type Config struct {
	AuthorizedNumbers       []string    `json:"AUTHORIZED_NUMBERS"`
	GroupNameKeywords       []string    `json:"GROUP_NAME_KEYWORDS"`
	GroupStatistics         bool        `json:"GROUP_STATISTICS"`
	DefaultSendMethod       SendMethod  `json:"DEFAULT_SEND_METHOD"`
	ImageAspect             ImageAspect `json:"IMAGE_ASPECT"`
	DelayBetweenGroups      float64     `json:"DELAY_BETWEEN_GROUPS"`
	DelayBetweenMessages    float64     `json:"DELAY_BETWEEN_MESSAGES"`
	MaxReconnectionAttempts int         `json:"MAX_RECONNECTION_ATTEMPTS"`
	LinkTrackingDomains     []string    `json:"LINK_TRACKING_DOMAINS"`
	OwnNumber               string      `json:"OWN_NUMBER"`
	WAVersion               [3]uint32   `json:"WA_VERSION"`
}

func Default() Config {
	return Config{
		AuthorizedNumbers:       []string{},
		GroupNameKeywords:       []string{},
		GroupStatistics:         false,
		DefaultSendMethod:       SendMethodForward,
		ImageAspect:             ImageAspectOriginal,
		DelayBetweenGroups:      2,
		DelayBetweenMessages:    20,
		MaxReconnectionAttempts: 5,
		LinkTrackingDomains:     []string{},
		OwnNumber:               "",
		WAVersion:               [3]uint32{2, 3000, 1015901307},
	}
}

var ErrEmptyConfigPath = errors.New("config path must not be empty")

// Manager owns the operator configuration: file round-trip, defaults repair
// for missing or invalid fields, and write-backs for values the bot discovers
// at runtime (own number, WhatsApp Web version).
type Manager struct {
	mu   sync.RWMutex
	path string
	cfg  Config
}

func NewManager(path string) (*Manager, error) {
	if path == "" {
		return nil, ErrEmptyConfigPath
	}
	m := &Manager{path: path, cfg: Default()}
	if err := m.Load(); err != nil {
		return nil, err
	}
	return m, nil
}

// Load reads config.json, repairing a missing or unreadable file with
// defaults. Missing fields keep their default values; out-of-range values
// are clamped. Any repair is written back so the file stays canonical.
func (m *Manager) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	raw, err := os.ReadFile(m.path)
	if err != nil {
		log.Print("config").WithError(err).Warn("Could not read config file, writing defaults")
		m.cfg = Default()
		return m.saveLocked()
	}

	cfg := Default()
	if err := json.Unmarshal(raw, &cfg); err != nil {
		log.Print("config").WithError(err).Warn("Malformed config file, writing defaults")
		m.cfg = Default()
		return m.saveLocked()
	}

	repaired := sanitize(&cfg)
	m.cfg = cfg
	if repaired {
		log.Print("config").Info("Config file repaired with default values for missing fields")
		return m.saveLocked()
	}
	return nil
}

func sanitize(c *Config) bool {
	repaired := false
	if c.AuthorizedNumbers == nil {
		c.AuthorizedNumbers = []string{}
		repaired = true
	}
	if c.GroupNameKeywords == nil {
		c.GroupNameKeywords = []string{}
		repaired = true
	}
	if c.LinkTrackingDomains == nil {
		c.LinkTrackingDomains = []string{}
		repaired = true
	}
	switch c.DefaultSendMethod {
	case SendMethodForward, SendMethodText, SendMethodImage:
	default:
		c.DefaultSendMethod = SendMethodForward
		repaired = true
	}
	switch c.ImageAspect {
	case ImageAspectOriginal, ImageAspectSquare:
	default:
		c.ImageAspect = ImageAspectOriginal
		repaired = true
	}
	if c.DelayBetweenGroups < 0 {
		c.DelayBetweenGroups = Default().DelayBetweenGroups
		repaired = true
	}
	if c.DelayBetweenMessages < 0 {
		c.DelayBetweenMessages = Default().DelayBetweenMessages
		repaired = true
	}
	if c.MaxReconnectionAttempts < 1 {
		c.MaxReconnectionAttempts = Default().MaxReconnectionAttempts
		repaired = true
	}
	return repaired
}

func (m *Manager) saveLocked() error {
	data, err := json.MarshalIndent(m.cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(m.path, append(data, '\n'), 0o644)
}

func (m *Manager) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveLocked()
}

// Snapshot returns a copy of the current configuration. Slices are cloned so
// callers cannot mutate shared state.
func (m *Manager) Snapshot() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cfg := m.cfg
	cfg.AuthorizedNumbers = append([]string(nil), m.cfg.AuthorizedNumbers...)
	cfg.GroupNameKeywords = append([]string(nil), m.cfg.GroupNameKeywords...)
	cfg.LinkTrackingDomains = append([]string(nil), m.cfg.LinkTrackingDomains...)
	return cfg
}

func (m *Manager) Path() string {
	return m.path
}

// SetOwnNumber persists the bot's own number once it is discovered from the
// session credentials. Returns true if the stored value changed.
func (m *Manager) SetOwnNumber(number string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if number == "" || m.cfg.OwnNumber == number {
		return false, nil
	}
	m.cfg.OwnNumber = number
	return true, m.saveLocked()
}

// SetWAVersion persists a newly negotiated WhatsApp Web version.
func (m *Manager) SetWAVersion(version [3]uint32) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cfg.WAVersion == version {
		return false, nil
	}
	m.cfg.WAVersion = version
	return true, m.saveLocked()
}

// Update applies fn to a copy of the config under the lock and persists the
// result if it changed. Used by the interactive menu.
func (m *Manager) Update(fn func(*Config)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	updated := m.cfg
	updated.AuthorizedNumbers = append([]string(nil), m.cfg.AuthorizedNumbers...)
	updated.GroupNameKeywords = append([]string(nil), m.cfg.GroupNameKeywords...)
	updated.LinkTrackingDomains = append([]string(nil), m.cfg.LinkTrackingDomains...)
	fn(&updated)
	sanitize(&updated)
	if reflect.DeepEqual(updated, m.cfg) {
		return nil
	}
	m.cfg = updated
	return m.saveLocked()
}
