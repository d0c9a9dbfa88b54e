// Package ingestion provides import request validation.
package ingestion

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/geoevents/geoevents/internal/schema"
)

// Sentinel errors for validation failures.
var (
	ErrNilRequest          = errors.New("request cannot be nil")
	ErrMissingAccount      = errors.New("accountId is required")
	ErrMissingDataset      = errors.New("datasetId is required")
	ErrMissingFilename     = errors.New("filename is required")
	ErrEmptyUpload         = errors.New("upload is empty")
	ErrUploadTooLarge      = errors.New("upload exceeds the size limit")
	ErrInvalidSheetMapping = errors.New("sheet dataset mapping is invalid")
	ErrMissingActor        = errors.New("actor is required")
	ErrInvalidTransform    = errors.New("invalid transform")
)

// Validator checks operator and upload input before the pipeline sees it.
type Validator struct {
	maxUploadBytes int64
}

// NewValidator creates a Validator. A zero maxUploadBytes disables the size check.
func NewValidator(maxUploadBytes int64) *Validator {
	return &Validator{maxUploadBytes: maxUploadBytes}
}

// ValidateCreateImport validates an upload request.
//
// Either DatasetID or SheetDatasets must name the target dataset(s); sheet indexes
// must be non-negative.
func (v *Validator) ValidateCreateImport(req *CreateImportRequest) error {
	if req == nil {
		return ErrNilRequest
	}

	if strings.TrimSpace(req.AccountID) == "" {
		return ErrMissingAccount
	}

	if req.DatasetID == "" && len(req.SheetDatasets) == 0 {
		return ErrMissingDataset
	}

	for index, datasetID := range req.SheetDatasets {
		if index < 0 || datasetID == "" {
			return fmt.Errorf("%w: sheet %d → %q", ErrInvalidSheetMapping, index, datasetID)
		}
	}

	name := strings.TrimSpace(filepath.Base(req.Filename))
	if name == "" || name == "." || name == "/" {
		return ErrMissingFilename
	}

	if len(req.Data) == 0 {
		return ErrEmptyUpload
	}

	if v.maxUploadBytes > 0 && int64(len(req.Data)) > v.maxUploadBytes {
		return fmt.Errorf("%w: %d bytes (limit %d)", ErrUploadTooLarge, len(req.Data), v.maxUploadBytes)
	}

	return nil
}

// ValidateTransforms checks the transforms an approver submits.
func (v *Validator) ValidateTransforms(transforms []schema.Transform) error {
	for i, t := range transforms {
		if err := t.Validate(); err != nil {
			return fmt.Errorf("%w: #%d: %w", ErrInvalidTransform, i, err)
		}
	}

	return nil
}

// ValidateActor requires a non-blank actor on operator actions.
func (v *Validator) ValidateActor(actor string) error {
	if strings.TrimSpace(actor) == "" {
		return ErrMissingActor
	}

	return nil
}
