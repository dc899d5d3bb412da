package services

import (
	"context"
	"sort"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/pandeptwidyaop/formexport/internal/models"
)

// ConfigurationSource tells where an effective configuration came from.
type ConfigurationSource string

const (
	// SourceDefault means the form inherits the default configuration.
	SourceDefault ConfigurationSource = "default"
	// SourceOverride means the form has its own configuration.
	SourceOverride ConfigurationSource = "override"
)

// ResolvedConfiguration is the configuration applied to one form.
type ResolvedConfiguration struct {
	Source        ConfigurationSource        `json:"source"`
	Configuration models.ExportConfiguration `json:"configuration"`
}

// ConfigurationStoreOptions are the construction parameters of a ConfigurationStore.
type ConfigurationStoreOptions struct {
	// StorePasswords is the user's consent to persist pull credentials.
	StorePasswords bool
	// Crypto encrypts persisted pull passwords. Without it passwords are never persisted.
	Crypto *CryptoService
}

// ConfigurationStore holds the default export configuration and per-form overrides.
type ConfigurationStore struct {
	defaults       models.ExportConfiguration
	overrides      map[string]models.ExportConfiguration
	pullSettings   map[string]models.PullSettings
	pruned         map[string]bool
	crypto         *CryptoService
	log            *logrus.Entry
	deferredPrune  []string
	storePasswords bool
	frozen         bool
	mu             sync.RWMutex
}

// NewConfigurationStore creates a store with the given default configuration.
func NewConfigurationStore(defaults models.ExportConfiguration, opts ConfigurationStoreOptions) *ConfigurationStore {
	return &ConfigurationStore{
		defaults:       defaults,
		overrides:      make(map[string]models.ExportConfiguration),
		pullSettings:   make(map[string]models.PullSettings),
		pruned:         make(map[string]bool),
		crypto:         opts.Crypto,
		storePasswords: opts.StorePasswords,
		log:            logrus.WithField("component", "configuration"),
	}
}

// LoadConfigurationStore restores a store from persisted preferences.
// fallback is used as the default configuration when none was persisted.
func LoadConfigurationStore(ctx context.Context, prefs Preferences, formIDs []string, fallback models.ExportConfiguration, opts ConfigurationStoreOptions) (*ConfigurationStore, error) {
	entries, err := prefs.GetAll(ctx)
	if err != nil {
		return nil, err
	}

	defaults := models.ExportConfigurationFromMap(entries, "")
	if defaults.IsEmpty() {
		defaults = fallback
	}
	s := NewConfigurationStore(defaults, opts)

	for _, id := range formIDs {
		prefix := models.BuildCustomConfPrefix(id)
		if override := models.ExportConfigurationFromMap(entries, prefix); !override.IsEmpty() {
			s.overrides[id] = override
		}

		settings, ok := models.PullSettingsFromMap(entries, prefix)
		if !ok {
			continue
		}
		if settings.Password != "" {
			settings.Password = s.decryptPassword(id, settings.Password)
		}
		s.pullSettings[id] = settings
	}
	return s, nil
}

// Resolve returns the override of a form when present and valid, else the default.
func (s *ConfigurationStore) Resolve(formID string) ResolvedConfiguration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if override, ok := s.overrides[formID]; ok && override.IsValid() {
		return ResolvedConfiguration{Source: SourceOverride, Configuration: override}
	}
	return ResolvedConfiguration{Source: SourceDefault, Configuration: s.defaults}
}

// EffectiveConfiguration returns the configuration applied to a form.
func (s *ConfigurationStore) EffectiveConfiguration(formID string) models.ExportConfiguration {
	return s.Resolve(formID).Configuration
}

// Default returns the default configuration.
func (s *ConfigurationStore) Default() models.ExportConfiguration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.defaults
}

// Override returns the override of a form, if any.
func (s *ConfigurationStore) Override(formID string) (models.ExportConfiguration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.overrides[formID]
	return c, ok
}

// Overrides returns a snapshot of every override.
func (s *ConfigurationStore) Overrides() map[string]models.ExportConfiguration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]models.ExportConfiguration, len(s.overrides))
	for id, c := range s.overrides {
		out[id] = c
	}
	return out
}

// SetDefault replaces the default configuration.
func (s *ConfigurationStore) SetDefault(c models.ExportConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return ErrConfigurationLocked
	}
	s.defaults = c
	return nil
}

// SetOverride replaces the override of a form.
func (s *ConfigurationStore) SetOverride(formID string, c models.ExportConfiguration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return ErrConfigurationLocked
	}
	s.overrides[formID] = c
	delete(s.pruned, formID)
	return nil
}

// ClearOverride makes a form inherit the default configuration again.
func (s *ConfigurationStore) ClearOverride(formID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return ErrConfigurationLocked
	}
	delete(s.overrides, formID)
	return nil
}

// AllHaveValidOverride reports whether every form has a valid override, which
// makes a run possible even when the default is incomplete.
func (s *ConfigurationStore) AllHaveValidOverride(forms []models.Form) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, f := range forms {
		c, ok := s.overrides[f.ID]
		if !ok || !c.IsValid() {
			return false
		}
	}
	return true
}

// PullSettings returns the pull settings of a form, if any.
func (s *ConfigurationStore) PullSettings(formID string) (models.PullSettings, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.pullSettings[formID]
	return p, ok
}

// PutPullSettings remembers where a form pulls from. Settings are persisted
// by Flush only when the store-passwords consent is given.
func (s *ConfigurationStore) PutPullSettings(formID string, settings models.PullSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return ErrConfigurationLocked
	}
	s.pullSettings[formID] = settings
	return nil
}

// StorePasswords reports the store-passwords consent.
func (s *ConfigurationStore) StorePasswords() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.storePasswords
}

// SetStorePasswordsConsent changes the consent. Call Flush afterwards to
// write or remove persisted credentials.
func (s *ConfigurationStore) SetStorePasswordsConsent(consent bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		return ErrConfigurationLocked
	}
	s.storePasswords = consent
	return nil
}

// Prune drops overrides and pull settings of forms that are no longer known.
// Their persisted keys are removed by the next Flush.
//
// While frozen nothing is dropped: Prune returns ErrConfigurationLocked and the
// prune is applied by Unfreeze. The latest deferred call wins.
func (s *ConfigurationStore) Prune(knownIDs []string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.frozen {
		s.deferredPrune = append([]string{}, knownIDs...)
		return nil, ErrConfigurationLocked
	}
	return s.pruneLocked(knownIDs), nil
}

func (s *ConfigurationStore) pruneLocked(knownIDs []string) []string {
	known := make(map[string]bool, len(knownIDs))
	for _, id := range knownIDs {
		known[id] = true
	}

	removed := make(map[string]bool)
	for id := range s.overrides {
		if !known[id] {
			delete(s.overrides, id)
			removed[id] = true
		}
	}
	for id := range s.pullSettings {
		if !known[id] {
			delete(s.pullSettings, id)
			removed[id] = true
		}
	}

	ids := make([]string, 0, len(removed))
	for id := range removed {
		s.pruned[id] = true
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Flush mirrors the store into prefs: every key of the default, of each known
// form and of each pruned form is removed, then the current state is written.
func (s *ConfigurationStore) Flush(ctx context.Context, prefs Preferences, formIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	remove := models.ExportConfigurationKeys("")
	put := make(map[string]string)
	if s.defaults.IsValid() {
		merge(put, s.defaults.AsMap(""))
	}

	ids := make(map[string]bool, len(formIDs)+len(s.pruned))
	for _, id := range formIDs {
		ids[id] = true
	}
	for id := range s.pruned {
		ids[id] = true
	}

	for id := range ids {
		prefix := models.BuildCustomConfPrefix(id)
		remove = append(remove, models.ExportConfigurationKeys(prefix)...)
		remove = append(remove, models.PullSettingsKeys(prefix)...)

		if s.pruned[id] {
			continue
		}
		if override, ok := s.overrides[id]; ok {
			merge(put, override.AsMap(prefix))
		}
		if settings, ok := s.pullSettings[id]; ok && s.storePasswords {
			merge(put, s.persistablePullSettings(id, settings).AsMap(prefix))
		}
	}

	if err := prefs.RemoveAll(ctx, remove); err != nil {
		return err
	}
	if err := prefs.PutAll(ctx, put); err != nil {
		return err
	}
	s.pruned = make(map[string]bool)
	return nil
}

// Freeze rejects every mutation until Unfreeze.
func (s *ConfigurationStore) Freeze() {
	s.mu.Lock()
	s.frozen = true
	s.mu.Unlock()
}

// Unfreeze accepts mutations again and applies a prune deferred while frozen.
// It returns the IDs that prune dropped.
func (s *ConfigurationStore) Unfreeze() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.frozen = false
	if s.deferredPrune == nil {
		return nil
	}
	known := s.deferredPrune
	s.deferredPrune = nil
	return s.pruneLocked(known)
}

func (s *ConfigurationStore) persistablePullSettings(formID string, settings models.PullSettings) models.PullSettings {
	if settings.Password == "" {
		return settings
	}
	if s.crypto == nil {
		s.log.WithField("form_id", formID).Warn("No encryption key configured, pull password not persisted")
		settings.Password = ""
		return settings
	}
	encrypted, err := s.crypto.Encrypt(settings.Password)
	if err != nil {
		s.log.WithField("form_id", formID).WithError(err).Warn("Failed to encrypt pull password, not persisted")
		settings.Password = ""
		return settings
	}
	settings.Password = encrypted
	return settings
}

func (s *ConfigurationStore) decryptPassword(formID, encrypted string) string {
	if s.crypto == nil {
		return ""
	}
	password, err := s.crypto.Decrypt(encrypted)
	if err != nil {
		s.log.WithField("form_id", formID).WithError(err).Warn("Failed to decrypt stored pull password")
		return ""
	}
	return password
}

func merge(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}
