// Package store persists processed records as a single bounded JSON
// document. The document is rewritten in full on every save through a
// temporary file and a rename, so readers see either the old or the new
// document.
package store

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"message-relay/internal/observability"
	"message-relay/pkg/models"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// DefaultMaxMessages is the retention bound used when Config leaves it unset.
const DefaultMaxMessages = 1000

const (
	dirMode  = 0o755
	fileMode = 0o644
)

type Config struct {
	Path        string
	MaxMessages int
	WorkerID    string
}

// Store owns the on-disk document. It assumes a single writer.
type Store struct {
	fs          afero.Fs
	path        string
	maxMessages int
	workerID    string
	now         func() time.Time
	logger      *logrus.Entry
}

type Option func(*Store)

// WithClock overrides the clock used for created_at and last_updated.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func WithLogger(logger *logrus.Entry) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

func New(fs afero.Fs, cfg Config, opts ...Option) *Store {
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultMaxMessages
	}
	s := &Store{
		fs:          fs,
		path:        cfg.Path,
		maxMessages: cfg.MaxMessages,
		workerID:    cfg.WorkerID,
		now:         time.Now,
		logger:      observability.Component("store"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Path returns the location of the document.
func (s *Store) Path() string {
	return s.path
}

// Load returns the on-disk document. It never fails: a missing or empty file
// yields a fresh document, and an unreadable or malformed file yields a fresh
// document whose metadata carries the error.
func (s *Store) Load() *models.Document {
	doc, err := s.load()
	if err != nil {
		s.logger.WithError(err).Error("Failed to read persistence file")
		return s.degraded(err)
	}
	return doc
}

// load distinguishes I/O failures, which are returned, from content problems,
// which degrade to a fresh document.
func (s *Store) load() (*models.Document, error) {
	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return s.fresh(), nil
		}
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return s.fresh(), nil
	}

	var doc models.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.logger.WithError(err).Error("Persistence file is malformed, starting from an empty document")
		return s.degraded(err), nil
	}
	if doc.Messages == nil {
		doc.Messages = []models.ProcessedRecord{}
	}

	s.logger.WithField("messages", len(doc.Messages)).Debug("Loaded persistence file")
	return &doc, nil
}

func (s *Store) fresh() *models.Document {
	return models.NewDocument(s.workerID, s.now())
}

func (s *Store) degraded(err error) *models.Document {
	doc := s.fresh()
	doc.Metadata.Error = err.Error()
	return doc
}

// Append adds rec as the newest record, evicts the oldest records beyond the
// retention bound and rewrites the document. A nil error means rec is on
// stable storage.
func (s *Store) Append(rec models.ProcessedRecord) error {
	doc, err := s.load()
	if err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}

	doc.Messages = append(doc.Messages, rec)
	if n := len(doc.Messages); n > s.maxMessages {
		kept := make([]models.ProcessedRecord, s.maxMessages)
		copy(kept, doc.Messages[n-s.maxMessages:])
		doc.Messages = kept
		s.logger.WithFields(logrus.Fields{
			"evicted": n - s.maxMessages,
			"kept":    s.maxMessages,
		}).Info("Persistence file trimmed")
	}

	return s.Save(doc)
}

// Initialize loads the current document and writes it back, creating the
// file on first start.
func (s *Store) Initialize() error {
	doc, err := s.load()
	if err != nil {
		return fmt.Errorf("failed to load document: %w", err)
	}
	return s.Save(doc)
}

// Save refreshes doc's stats and replaces the on-disk document with it.
func (s *Store) Save(doc *models.Document) error {
	now := s.now().UTC()
	if prev := doc.Stats.LastUpdated; prev != nil && now.Before(*prev) {
		now = *prev
	}
	doc.Stats.TotalMessages = len(doc.Messages)
	doc.Stats.LastUpdated = &now

	data, err := encode(doc)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	if err := s.fs.MkdirAll(filepath.Dir(s.path), dirMode); err != nil {
		return fmt.Errorf("failed to create persistence directory: %w", err)
	}
	if err := s.writeAtomic(data); err != nil {
		return err
	}

	s.logger.WithFields(logrus.Fields{
		"path":     s.path,
		"messages": doc.Stats.TotalMessages,
	}).Debug("Persistence file saved")
	return nil
}

func (s *Store) writeAtomic(data []byte) error {
	tmpPath := s.path + ".tmp"

	f, err := s.fs.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to write document: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to sync document: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to close document: %w", err)
	}

	if err := s.fs.Rename(tmpPath, s.path); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("failed to replace document: %w", err)
	}
	return nil
}

func encode(doc *models.Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
