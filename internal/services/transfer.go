package services

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pandeptwidyaop/formexport/internal/models"
)

const (
	submissionFileName          = "submission.xml"
	encryptedSubmissionFileName = "submission.xml.enc"
	encryptedKeyFileName        = "key.enc"
)

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9._-]`)

// RemoteSubmission is one submission returned by the aggregation server.
type RemoteSubmission struct {
	InstanceID     string    `json:"instance_id"`
	SubmissionDate time.Time `json:"submission_date"`
	XML            string    `json:"xml,omitempty"`
	// EncryptedXML and EncryptedKey are base64 encoded and replace XML for encrypted forms.
	EncryptedXML string `json:"encrypted_xml,omitempty"`
	EncryptedKey string `json:"encrypted_key,omitempty"`
}

// AggregateTransfer pulls submissions from an aggregation server over HTTP
// into the form's instances directory.
type AggregateTransfer struct {
	client *http.Client
	log    *logrus.Entry
}

// NewAggregateTransfer creates a new AggregateTransfer with the given request timeout.
func NewAggregateTransfer(timeout time.Duration) *AggregateTransfer {
	return &AggregateTransfer{
		client: &http.Client{Timeout: timeout},
		log:    logrus.WithField("component", "transfer"),
	}
}

// Pull downloads the submission list of form and stores submissions that are
// not present locally yet.
func (t *AggregateTransfer) Pull(ctx context.Context, form models.Form, settings models.PullSettings) error {
	if form.Dir == "" {
		return fmt.Errorf("form %s has no storage directory", form.ID)
	}

	endpoint, err := url.JoinPath(settings.ServerURL, "api", "v1", "forms", url.PathEscape(form.ID), "submissions")
	if err != nil {
		return fmt.Errorf("invalid server url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if settings.Username != "" {
		req.SetBasicAuth(settings.Username, settings.Password)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("server responded %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var submissions []RemoteSubmission
	if err := json.NewDecoder(resp.Body).Decode(&submissions); err != nil {
		return fmt.Errorf("decode submission list: %w", err)
	}

	var errs []error
	stored := 0
	for _, sub := range submissions {
		if err := ctx.Err(); err != nil {
			return err
		}
		ok, err := storeSubmission(form.Dir, sub)
		if err != nil {
			errs = append(errs, fmt.Errorf("submission %s: %w", sub.InstanceID, err))
			continue
		}
		if ok {
			stored++
		}
	}

	t.log.WithFields(logrus.Fields{"form_id": form.ID, "received": len(submissions), "stored": stored}).Info("Pull finished")
	return errors.Join(errs...)
}

// InstanceDirName maps an instance identifier to a directory name.
func InstanceDirName(instanceID string) string {
	return unsafeNameChars.ReplaceAllString(instanceID, "_")
}

// storeSubmission writes sub below formDir and reports whether it was new.
func storeSubmission(formDir string, sub RemoteSubmission) (bool, error) {
	if sub.InstanceID == "" {
		return false, errors.New("missing instance id")
	}

	dir := filepath.Join(formDir, instancesDirName, InstanceDirName(sub.InstanceID))
	if _, err := os.Stat(dir); err == nil {
		return false, nil
	}

	files := make(map[string][]byte)
	switch {
	case sub.EncryptedXML != "":
		payload, err := base64.StdEncoding.DecodeString(sub.EncryptedXML)
		if err != nil {
			return false, fmt.Errorf("decode encrypted submission: %w", err)
		}
		key, err := base64.StdEncoding.DecodeString(sub.EncryptedKey)
		if err != nil {
			return false, fmt.Errorf("decode encrypted key: %w", err)
		}
		files[encryptedSubmissionFileName] = payload
		files[encryptedKeyFileName] = key
	case sub.XML != "":
		files[submissionFileName] = []byte(sub.XML)
	default:
		return false, errors.New("empty submission")
	}

	tmp := dir + ".partial"
	if err := os.MkdirAll(tmp, 0750); err != nil {
		return false, err
	}
	for name, data := range files {
		path := filepath.Join(tmp, name)
		if err := os.WriteFile(path, data, 0640); err != nil {
			_ = os.RemoveAll(tmp)
			return false, err
		}
		if !sub.SubmissionDate.IsZero() {
			_ = os.Chtimes(path, sub.SubmissionDate, sub.SubmissionDate)
		}
	}
	if err := os.Rename(tmp, dir); err != nil {
		_ = os.RemoveAll(tmp)
		return false, err
	}
	return true, nil
}
