package services

import (
	"context"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/pandeptwidyaop/formexport/internal/models"
)

const (
	formsDirName     = "forms"
	instancesDirName = "instances"
)

// StorageFormSource lists the form definitions stored under <storage>/forms.
// Each form lives in <storage>/forms/<dir>/<dir>.xml.
type StorageFormSource struct {
	storageDir string
	log        *logrus.Entry
}

// NewStorageFormSource creates a new StorageFormSource instance.
func NewStorageFormSource(storageDir string) *StorageFormSource {
	return &StorageFormSource{
		storageDir: storageDir,
		log:        logrus.WithField("component", "formsource"),
	}
}

// FormsDir returns the directory holding form definitions.
func (s *StorageFormSource) FormsDir() string {
	return filepath.Join(s.storageDir, formsDirName)
}

// ListKnownForms parses every form definition. Unreadable definitions are
// logged and skipped.
func (s *StorageFormSource) ListKnownForms(ctx context.Context) ([]models.Form, error) {
	entries, err := os.ReadDir(s.FormsDir())
	if os.IsNotExist(err) {
		return []models.Form{}, nil
	}
	if err != nil {
		return nil, err
	}

	forms := make([]models.Form, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !entry.IsDir() {
			continue
		}

		dir := filepath.Join(s.FormsDir(), entry.Name())
		form, err := parseFormDefinition(filepath.Join(dir, entry.Name()+".xml"))
		if err != nil {
			s.log.WithError(err).WithField("dir", dir).Warn("Skipping unreadable form definition")
			continue
		}
		form.Dir = dir
		forms = append(forms, form)
	}
	return forms, nil
}

type xformDefinition struct {
	Head struct {
		Title string `xml:"title"`
		Model struct {
			Instances  []xformInstance  `xml:"instance"`
			Binds      []xformBind      `xml:"bind"`
			Submission *xformSubmission `xml:"submission"`
		} `xml:"model"`
	} `xml:"head"`
}

type xformInstance struct {
	ID   string `xml:"id,attr"`
	Root struct {
		XMLName xml.Name
		ID      string `xml:"id,attr"`
	} `xml:",any"`
}

type xformBind struct {
	Encrypted string `xml:"encrypted,attr"`
}

type xformSubmission struct {
	PublicKey string `xml:"base64RsaPublicKey,attr"`
}

func parseFormDefinition(path string) (models.Form, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return models.Form{}, err
	}

	var def xformDefinition
	if err := xml.Unmarshal(data, &def); err != nil {
		return models.Form{}, fmt.Errorf("parse %s: %w", path, err)
	}

	var formID string
	for _, inst := range def.Head.Model.Instances {
		if inst.ID == "" {
			formID = inst.Root.ID
			if formID == "" {
				formID = inst.Root.XMLName.Local
			}
			break
		}
	}
	if formID == "" {
		return models.Form{}, fmt.Errorf("parse %s: no primary instance", path)
	}

	name := strings.TrimSpace(def.Head.Title)
	if name == "" {
		name = formID
	}

	mode := models.EncryptionNone
	if sub := def.Head.Model.Submission; sub != nil && sub.PublicKey != "" {
		mode = models.EncryptionFile
	} else {
		for _, b := range def.Head.Model.Binds {
			if strings.EqualFold(b.Encrypted, "true") || strings.EqualFold(b.Encrypted, "true()") {
				mode = models.EncryptionField
				break
			}
		}
	}

	return models.Form{ID: formID, Name: name, EncryptionMode: mode}, nil
}
