package services

import (
	"bytes"
	"context"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/csv"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/otiai10/copy"
	"github.com/sirupsen/logrus"

	"github.com/pandeptwidyaop/formexport/internal/models"
)

// ErrOutputExists indicates the output file exists and overwriting is disabled.
var ErrOutputExists = errors.New("output file already exists")

// CSVExporter writes the submissions of a form to <export dir>/<form name>.csv,
// one row per submission and one column per leaf field.
type CSVExporter struct {
	log *logrus.Entry
}

// NewCSVExporter creates a new CSVExporter instance.
func NewCSVExporter() *CSVExporter {
	return &CSVExporter{log: logrus.WithField("component", "exporter")}
}

type submissionRecord struct {
	submittedAt time.Time
	instanceID  string
	dir         string
	fields      map[string]string
}

// Export implements Exporter. Submissions that cannot be read are skipped and
// reported together once the file is written.
func (e *CSVExporter) Export(ctx context.Context, form models.Form, cfg models.ExportConfiguration) error {
	if cfg.ExportDir == "" {
		return ErrInvalidConfiguration
	}

	output := filepath.Join(cfg.ExportDir, OutputFileName(form))
	if _, err := os.Stat(output); err == nil && !cfg.Overwrite() {
		return fmt.Errorf("%w: %s", ErrOutputExists, output)
	}

	var key *rsa.PrivateKey
	if form.NeedsKey() {
		k, err := ReadPrivateKey(cfg.PemFile)
		if err != nil {
			return err
		}
		key = k
	}

	instanceDirs, err := listInstanceDirs(form.Dir)
	if err != nil {
		return err
	}

	var records []submissionRecord
	var columns []string
	seen := make(map[string]bool)
	var errs []error

	for _, dir := range instanceDirs {
		if ctx.Err() != nil {
			return ErrCancelled
		}

		rec, order, err := readSubmission(dir, key)
		if err != nil {
			errs = append(errs, fmt.Errorf("submission %s: %w", filepath.Base(dir), err))
			continue
		}
		if !cfg.Includes(rec.submittedAt) {
			continue
		}
		for _, name := range order {
			if !seen[name] {
				seen[name] = true
				columns = append(columns, name)
			}
		}
		records = append(records, rec)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].submittedAt.Before(records[j].submittedAt)
	})

	if err := os.MkdirAll(cfg.ExportDir, 0750); err != nil {
		return err
	}
	if err := writeCSV(ctx, output, columns, records); err != nil {
		return err
	}

	if cfg.ExportMedia != nil && *cfg.ExportMedia {
		for _, rec := range records {
			if ctx.Err() != nil {
				return ErrCancelled
			}
			if err := copyMedia(rec, filepath.Join(cfg.ExportDir, "media", InstanceDirName(rec.instanceID))); err != nil {
				errs = append(errs, fmt.Errorf("media of %s: %w", rec.instanceID, err))
			}
		}
	}

	e.log.WithFields(logrus.Fields{"form_id": form.ID, "rows": len(records), "output": output}).Info("CSV written")
	return errors.Join(errs...)
}

// OutputFileName returns the CSV file name of a form.
func OutputFileName(form models.Form) string {
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(form.Name)
	if name == "" {
		name = form.ID
	}
	return name + ".csv"
}

func listInstanceDirs(formDir string) ([]string, error) {
	root := filepath.Join(formDir, instancesDirName)
	entries, err := os.ReadDir(root)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var dirs []string
	for _, entry := range entries {
		if entry.IsDir() && !strings.HasSuffix(entry.Name(), ".partial") {
			dirs = append(dirs, filepath.Join(root, entry.Name()))
		}
	}
	return dirs, nil
}

func readSubmission(dir string, key *rsa.PrivateKey) (submissionRecord, []string, error) {
	rec := submissionRecord{instanceID: filepath.Base(dir), dir: dir}

	data, info, err := readSubmissionBytes(dir, key)
	if err != nil {
		return rec, nil, err
	}

	fields, order, attrs, err := flattenSubmission(data)
	if err != nil {
		return rec, nil, err
	}
	rec.fields = fields

	if id := fields["meta-instanceID"]; id != "" {
		rec.instanceID = id
	} else if id := attrs["instanceID"]; id != "" {
		rec.instanceID = id
	}

	rec.submittedAt = info.ModTime()
	if v := attrs["submissionDate"]; v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			rec.submittedAt = t
		}
	}
	return rec, order, nil
}

func readSubmissionBytes(dir string, key *rsa.PrivateKey) ([]byte, os.FileInfo, error) {
	plainPath := filepath.Join(dir, submissionFileName)
	if info, err := os.Stat(plainPath); err == nil {
		data, err := os.ReadFile(plainPath)
		return data, info, err
	}

	encPath := filepath.Join(dir, encryptedSubmissionFileName)
	info, err := os.Stat(encPath)
	if err != nil {
		return nil, nil, errors.New("no submission file")
	}
	if key == nil {
		return nil, nil, errors.New("submission is encrypted and no decryption key is available")
	}

	wrapped, err := os.ReadFile(filepath.Join(dir, encryptedKeyFileName))
	if err != nil {
		return nil, nil, fmt.Errorf("read submission key: %w", err)
	}
	symmetric, err := rsa.DecryptOAEP(sha256.New(), nil, key, wrapped, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("unwrap submission key: %w", err)
	}
	payload, err := os.ReadFile(encPath)
	if err != nil {
		return nil, nil, err
	}
	data, err := openGCM(symmetric, payload)
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt submission: %w", err)
	}
	return data, info, nil
}

// flattenSubmission returns leaf field values keyed by their dash joined path
// below the root element, their document order and the root attributes.
func flattenSubmission(data []byte) (map[string]string, []string, map[string]string, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))

	fields := make(map[string]string)
	var order []string
	attrs := make(map[string]string)

	type frame struct {
		name     string
		text     strings.Builder
		hasChild bool
	}
	var stack []*frame

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, nil, fmt.Errorf("parse submission: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if len(stack) == 0 {
				for _, a := range t.Attr {
					attrs[a.Name.Local] = a.Value
				}
			} else {
				stack[len(stack)-1].hasChild = true
			}
			stack = append(stack, &frame{name: t.Name.Local})
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		case xml.EndElement:
			top := stack[len(stack)-1]
			if len(stack) > 1 && !top.hasChild {
				names := make([]string, 0, len(stack)-1)
				for _, f := range stack[1:] {
					names = append(names, f.name)
				}
				key := strings.Join(names, "-")
				if _, dup := fields[key]; !dup {
					order = append(order, key)
				}
				fields[key] = strings.TrimSpace(top.text.String())
			}
			stack = stack[:len(stack)-1]
		}
	}

	if len(order) == 0 && len(attrs) == 0 {
		return nil, nil, nil, errors.New("empty submission")
	}
	return fields, order, attrs, nil
}

func writeCSV(ctx context.Context, output string, columns []string, records []submissionRecord) error {
	tmp, err := os.CreateTemp(filepath.Dir(output), ".export-*.csv")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	w := csv.NewWriter(tmp)
	header := append([]string{"SubmissionDate", "KEY"}, columns...)
	if err := w.Write(header); err != nil {
		_ = tmp.Close()
		return err
	}

	row := make([]string, len(header))
	for _, rec := range records {
		if ctx.Err() != nil {
			_ = tmp.Close()
			return ErrCancelled
		}
		row[0] = rec.submittedAt.UTC().Format(time.RFC3339)
		row[1] = rec.instanceID
		for i, col := range columns {
			row[i+2] = rec.fields[col]
		}
		if err := w.Write(row); err != nil {
			_ = tmp.Close()
			return err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), output)
}

// copyMedia copies the attachments of a submission into dest. Nothing is
// created when the submission has no attachments.
func copyMedia(rec submissionRecord, dest string) error {
	entries, err := os.ReadDir(rec.dir)
	if err != nil {
		return err
	}
	if !hasAttachments(entries) {
		return nil
	}

	return copy.Copy(rec.dir, dest, copy.Options{
		Skip: func(info os.FileInfo, src, _ string) (bool, error) {
			if src == rec.dir {
				return false, nil
			}
			return info.IsDir() || !isAttachment(info.Name()), nil
		},
	})
}

func hasAttachments(entries []os.DirEntry) bool {
	for _, entry := range entries {
		if !entry.IsDir() && isAttachment(entry.Name()) {
			return true
		}
	}
	return false
}

func isAttachment(name string) bool {
	switch name {
	case submissionFileName, encryptedSubmissionFileName, encryptedKeyFileName:
		return false
	}
	return true
}
