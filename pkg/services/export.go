package services

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/dukex/storyflow/pkg/artifacts"
	"github.com/dukex/storyflow/pkg/otelhelper"
	"github.com/go-playground/validator/v10"
	"go.opentelemetry.io/otel/attribute"
)

type ExportMode string

const (
	ExportModeCopy ExportMode = "copy"
	ExportModeLink ExportMode = "link"
)

type ExportOptions struct {
	// Destination is a relative path below the export root.
	Destination string     `json:"destination" validate:"required,max=1024"`
	Mode        ExportMode `json:"mode"        validate:"omitempty,oneof=copy link"`
	Overwrite   bool       `json:"overwrite"`
}

type ExportResult struct {
	Path string     `json:"path"`
	Mode ExportMode `json:"mode"`
	Size int64      `json:"size"`
}

// locator is implemented by stores that keep artifacts as local files.
type locator interface {
	Locate(key string) (string, error)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// ExportTake writes a complete take's artifact below the export root, as a
// copy or a hard link. The take record is never modified.
func (t *Takes) ExportTake(ctx context.Context, shotID, takeID string, opts ExportOptions) (*ExportResult, error) {
	ctx, span := otelhelper.StartSpan(ctx, t.tracer, "takes.export",
		attribute.String(otelhelper.ShotIDKey, shotID),
		attribute.String(otelhelper.TakeIDKey, takeID),
	)
	defer span.End()

	if t.exportRoot == "" {
		return nil, &ServiceError{Op: "ExportTake", Code: "export_disabled", Message: "export root is not configured", Err: ErrExportDisabled}
	}

	if opts.Mode == "" {
		opts.Mode = ExportModeCopy
	}

	err := validate.Struct(opts)
	if err != nil {
		if opts.Mode != ExportModeCopy && opts.Mode != ExportModeLink {
			return nil, NewValidationError("ExportTake", "invalid_mode", fmt.Sprintf("unknown export mode %q", opts.Mode), ErrInvalidExportMode)
		}

		return nil, NewValidationError("ExportTake", "validation_error", err.Error(), ErrInvalidDestination)
	}

	relative, err := artifacts.CleanKey(filepath.ToSlash(opts.Destination))
	if err != nil {
		return nil, NewValidationError("ExportTake", "invalid_destination", err.Error(), ErrInvalidDestination)
	}

	take, err := t.repo.Get(ctx, shotID, takeID)
	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	if !take.IsComplete() {
		return nil, newConflictError("ExportTake", fmt.Sprintf("take %s is %s", takeID, take.Status), ErrTakeNotComplete)
	}

	target := filepath.Join(t.exportRoot, filepath.FromSlash(relative))

	err = os.MkdirAll(filepath.Dir(target), 0o750)
	if err != nil {
		return nil, fmt.Errorf("failed to create export directory: %w", err)
	}

	_, err = os.Lstat(target)
	switch {
	case err == nil && !opts.Overwrite:
		return nil, newConflictError("ExportTake", fmt.Sprintf("%s already exists", relative), ErrExportExists)
	case err != nil && !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("failed to stat export destination: %w", err)
	}

	var size int64

	switch opts.Mode {
	case ExportModeLink:
		size, err = t.linkArtifact(take.FilePath, target)
	default:
		size, err = t.copyArtifact(ctx, take.FilePath, target)
	}

	if err != nil {
		otelhelper.SetError(span, err)

		return nil, err
	}

	t.logger.InfoContext(ctx, "Take exported", "shot_id", shotID, "take_id", takeID, "destination", relative, "mode", opts.Mode)

	return &ExportResult{Path: relative, Mode: opts.Mode, Size: size}, nil
}

func (t *Takes) copyArtifact(ctx context.Context, key, target string) (int64, error) {
	body, err := t.store.Get(ctx, key)
	if err != nil {
		return 0, fmt.Errorf("failed to read artifact: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(target), ".export-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create export file: %w", err)
	}

	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	_, err = tmp.Write(body)

	closeErr := tmp.Close()
	if err == nil {
		err = closeErr
	}

	if err != nil {
		return 0, fmt.Errorf("failed to write export file: %w", err)
	}

	err = os.Rename(tmp.Name(), target)
	if err != nil {
		return 0, fmt.Errorf("failed to move export file into place: %w", err)
	}

	return int64(len(body)), nil
}

func (t *Takes) linkArtifact(key, target string) (int64, error) {
	files, ok := t.store.(locator)
	if !ok {
		return 0, NewValidationError("ExportTake", "link_unsupported", "artifact store does not keep local files", ErrLinkUnsupported)
	}

	source, err := files.Locate(key)
	if err != nil {
		return 0, err
	}

	info, err := os.Stat(source)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("%w: %s", artifacts.ErrArtifactNotFound, key)
	}

	if err != nil {
		return 0, fmt.Errorf("failed to stat artifact: %w", err)
	}

	err = os.Remove(target)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return 0, fmt.Errorf("failed to replace export destination: %w", err)
	}

	err = os.Link(source, target)
	if err != nil {
		return 0, fmt.Errorf("failed to link artifact: %w", err)
	}

	return info.Size(), nil
}
