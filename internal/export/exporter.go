package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/storeharvest/internal/harvest"
	"github.com/JakeFAU/storeharvest/internal/storage"
)

// Publisher announces a finished run.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Config names the outputs.
type Config struct {
	// Output is the base name of the files, with or without extension.
	Output string
	// Topic receives the run notification when a publisher is set.
	Topic string
}

// RunInfo describes the run being exported.
type RunInfo struct {
	RunID         string
	Partial       bool
	StartedAt     time.Time
	FinishedAt    time.Time
	SkippedStores int
}

// Notification is the payload published after the files are written.
type Notification struct {
	RunID         string    `json:"run_id"`
	Partial       bool      `json:"partial"`
	Records       int       `json:"records"`
	SkippedStores int       `json:"skipped_stores"`
	Files         []string  `json:"files"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
}

// Manifest reports where the export went.
type Manifest struct {
	Files     []string
	Uploaded  []string
	MessageID string
	// Warnings collects upload and notification failures. They do not fail
	// the export.
	Warnings []error
}

// Exporter writes the result set once at the end of a run.
type Exporter struct {
	cfg    Config
	files  storage.BlobStore
	mirror storage.BlobStore
	pub    Publisher
	logger *zap.Logger
}

// New builds an exporter. files receives the output files; mirror and pub
// are optional.
func New(cfg Config, files, mirror storage.BlobStore, pub Publisher, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{cfg: cfg, files: files, mirror: mirror, pub: pub, logger: logger}
}

type artifact struct {
	name        string
	contentType string
	data        []byte
}

// Export writes both files. Only a failure to write the local files is
// returned as an error.
func (e *Exporter) Export(ctx context.Context, records []harvest.StoreRecord, run RunInfo) (Manifest, error) {
	var m Manifest
	csvName, jsonName := FileNames(e.cfg.Output, run.Partial)

	var csvBuf, jsonBuf bytes.Buffer
	if err := EncodeCSV(&csvBuf, records); err != nil {
		return m, err
	}
	if err := EncodeJSON(&jsonBuf, records); err != nil {
		return m, err
	}
	artifacts := []artifact{
		{name: csvName, contentType: "text/csv", data: csvBuf.Bytes()},
		{name: jsonName, contentType: "application/json", data: jsonBuf.Bytes()},
	}

	for _, a := range artifacts {
		uri, err := e.files.PutObject(ctx, a.name, a.contentType, bytes.NewReader(a.data))
		if err != nil {
			return m, fmt.Errorf("write %s: %w", a.name, err)
		}
		m.Files = append(m.Files, uri)
	}
	e.logger.Info("Export written",
		zap.Strings("files", m.Files),
		zap.Int("records", len(records)),
		zap.Bool("partial", run.Partial),
	)

	if e.mirror != nil {
		for _, a := range artifacts {
			uri, err := e.mirror.PutObject(ctx, path.Join(run.RunID, a.name), a.contentType, bytes.NewReader(a.data))
			if err != nil {
				e.logger.Warn("Upload failed", zap.String("file", a.name), zap.Error(err))
				m.Warnings = append(m.Warnings, fmt.Errorf("upload %s: %w", a.name, err))
				continue
			}
			if uri != "" {
				m.Uploaded = append(m.Uploaded, uri)
			}
		}
	}

	if e.pub != nil && e.cfg.Topic != "" {
		files := m.Files
		if len(m.Uploaded) > 0 {
			files = m.Uploaded
		}
		id, err := e.pub.Publish(ctx, e.cfg.Topic, Notification{
			RunID:         run.RunID,
			Partial:       run.Partial,
			Records:       len(records),
			SkippedStores: run.SkippedStores,
			Files:         files,
			StartedAt:     run.StartedAt,
			FinishedAt:    run.FinishedAt,
		})
		if err != nil {
			e.logger.Warn("Run notification failed", zap.String("topic", e.cfg.Topic), zap.Error(err))
			m.Warnings = append(m.Warnings, fmt.Errorf("notify: %w", err))
		} else {
			m.MessageID = id
			e.logger.Info("Run notification published", zap.String("topic", e.cfg.Topic), zap.String("message_id", id))
		}
	}
	return m, nil
}

// Err joins the manifest warnings.
func (m Manifest) Err() error {
	return errors.Join(m.Warnings...)
}
