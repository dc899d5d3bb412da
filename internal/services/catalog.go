package services

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pandeptwidyaop/formexport/internal/models"
)

// MergePolicy decides what happens to known forms missing from a fresh listing.
type MergePolicy int

const (
	// MergeKeepMissing keeps forms that are absent from the listing.
	MergeKeepMissing MergePolicy = iota
	// MergeDropMissing removes forms that are absent from the listing.
	MergeDropMissing
)

// FormSource lists the forms available in the local archive.
type FormSource interface {
	ListKnownForms(ctx context.Context) ([]models.Form, error)
}

// FormCatalog tracks known forms, their selection and last export time.
type FormCatalog struct {
	forms  map[string]*models.Form
	policy MergePolicy
	mu     sync.RWMutex
}

// NewFormCatalog creates an empty catalog.
func NewFormCatalog(policy MergePolicy) *FormCatalog {
	return &FormCatalog{
		forms:  make(map[string]*models.Form),
		policy: policy,
	}
}

// Load merges a listing into the catalog. Existing forms keep their selection
// and last export time, new forms are added unselected. The first occurrence
// of a duplicated identifier wins. It returns the identifiers that were dropped.
func (c *FormCatalog) Load(source []models.Form) []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	seen := make(map[string]bool, len(source))
	for _, f := range source {
		if f.ID == "" || seen[f.ID] {
			continue
		}
		seen[f.ID] = true

		if existing, ok := c.forms[f.ID]; ok {
			existing.Name = f.Name
			existing.Dir = f.Dir
			existing.EncryptionMode = f.EncryptionMode
			continue
		}

		form := f
		form.Selected = false
		form.LastExportedAt = nil
		if form.EncryptionMode == "" {
			form.EncryptionMode = models.EncryptionNone
		}
		c.forms[f.ID] = &form
	}

	var dropped []string
	if c.policy == MergeDropMissing {
		for id := range c.forms {
			if !seen[id] {
				delete(c.forms, id)
				dropped = append(dropped, id)
			}
		}
		sort.Strings(dropped)
	}
	return dropped
}

// Refresh loads the current listing of source.
func (c *FormCatalog) Refresh(ctx context.Context, source FormSource) ([]string, error) {
	forms, err := source.ListKnownForms(ctx)
	if err != nil {
		return nil, err
	}
	return c.Load(forms), nil
}

// Get returns a copy of the form with the given identifier.
func (c *FormCatalog) Get(id string) (models.Form, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	f, ok := c.forms[id]
	if !ok {
		return models.Form{}, ErrFormNotFound
	}
	return copyForm(f), nil
}

// All returns every form ordered by name.
func (c *FormCatalog) All() []models.Form {
	return c.filter(func(*models.Form) bool { return true })
}

// SelectedForms returns the selected forms ordered by name.
func (c *FormCatalog) SelectedForms() []models.Form {
	return c.filter(func(f *models.Form) bool { return f.Selected })
}

// IDs returns every known identifier.
func (c *FormCatalog) IDs() []string {
	forms := c.All()
	ids := make([]string, len(forms))
	for i, f := range forms {
		ids[i] = f.ID
	}
	return ids
}

// Select changes the selection of one form.
func (c *FormCatalog) Select(id string, selected bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	f, ok := c.forms[id]
	if !ok {
		return ErrFormNotFound
	}
	f.Selected = selected
	return nil
}

// ToggleAll selects or deselects every form.
func (c *FormCatalog) ToggleAll(selected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, f := range c.forms {
		f.Selected = selected
	}
}

// SomeSelected reports whether at least one form is selected.
func (c *FormCatalog) SomeSelected() bool {
	return len(c.SelectedForms()) > 0
}

// AllSelected reports whether every form is selected.
func (c *FormCatalog) AllSelected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, f := range c.forms {
		if !f.Selected {
			return false
		}
	}
	return len(c.forms) > 0
}

// MarkExported records a successful export.
func (c *FormCatalog) MarkExported(id string, at time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if f, ok := c.forms[id]; ok {
		t := at
		f.LastExportedAt = &t
	}
}

// RestoreExportTimes seeds last export times from persisted preferences.
func (c *FormCatalog) RestoreExportTimes(prefs map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, f := range c.forms {
		v, ok := prefs[models.BuildExportDateTimeKey(id)]
		if !ok {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			continue
		}
		f.LastExportedAt = &t
	}
}

func (c *FormCatalog) filter(keep func(*models.Form) bool) []models.Form {
	c.mu.RLock()
	defer c.mu.RUnlock()

	forms := make([]models.Form, 0, len(c.forms))
	for _, f := range c.forms {
		if keep(f) {
			forms = append(forms, copyForm(f))
		}
	}
	sort.Slice(forms, func(i, j int) bool {
		if forms[i].Name != forms[j].Name {
			return forms[i].Name < forms[j].Name
		}
		return forms[i].ID < forms[j].ID
	})
	return forms
}

func copyForm(f *models.Form) models.Form {
	out := *f
	if f.LastExportedAt != nil {
		t := *f.LastExportedAt
		out.LastExportedAt = &t
	}
	return out
}

// SyncForms refreshes catalog from source, then drops the configuration of
// forms that are no longer known and persists the change. It returns the
// forms removed from the catalog. While a run holds the configuration the
// prune is deferred until the run completes.
func SyncForms(ctx context.Context, catalog *FormCatalog, source FormSource, configs *ConfigurationStore, prefs Preferences) ([]string, error) {
	dropped, err := catalog.Refresh(ctx, source)
	if err != nil {
		return nil, err
	}

	ids := catalog.IDs()
	pruned, err := configs.Prune(ids)
	if errors.Is(err, ErrConfigurationLocked) {
		return dropped, nil
	}
	if err != nil {
		return dropped, err
	}
	if len(pruned) > 0 {
		if err := configs.Flush(ctx, prefs, ids); err != nil {
			return dropped, err
		}
	}
	return dropped, nil
}
