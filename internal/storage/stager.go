package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/geniusrise/geniusrise-text/internal/core"
)

// Stager copies remote run inputs into a work dir and publishes outputs back.
type Stager struct {
	store   ObjectStore
	workDir string
}

var _ core.Stager = (*Stager)(nil)

func NewStager(store ObjectStore, workDir string) *Stager {
	return &Stager{store: store, workDir: workDir}
}

func (s *Stager) localDir(kind string, loc Location) string {
	return filepath.Join(s.workDir, kind, loc.Bucket, filepath.FromSlash(loc.Prefix))
}

func (s *Stager) StageInput(ctx context.Context, location string) (string, error) {
	loc, err := ParseLocation(location)
	if err != nil {
		return "", err
	}
	if !loc.IsRemote() {
		return loc.Path, nil
	}

	dest := s.localDir("input", loc)
	if err := s.store.DownloadDir(ctx, loc.Bucket, loc.Prefix, dest, true); err != nil {
		return "", fmt.Errorf("error staging input %s: %w", location, err)
	}
	slog.Info("staged input", "location", location, "dir", dest)
	return dest, nil
}

func (s *Stager) OutputDir(location string) (string, error) {
	loc, err := ParseLocation(location)
	if err != nil {
		return "", err
	}
	if !loc.IsRemote() {
		return loc.Path, nil
	}

	dir := s.localDir("output", loc)
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return "", fmt.Errorf("error creating output dir %s: %w", dir, err)
	}
	return dir, nil
}

func (s *Stager) PublishOutput(ctx context.Context, dir, location string) error {
	loc, err := ParseLocation(location)
	if err != nil {
		return err
	}
	if !loc.IsRemote() {
		return nil
	}

	if err := s.store.UploadDir(ctx, loc.Bucket, loc.Prefix, dir); err != nil {
		return fmt.Errorf("error publishing output to %s: %w", location, err)
	}
	slog.Info("published output", "dir", dir, "location", location)
	return nil
}
