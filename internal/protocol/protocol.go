// Package protocol defines the generate-overlay and get-tile messages and
// the error codes carried across the process boundary.
package protocol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tissue-tiles/server/internal/overlay"
	"github.com/tissue-tiles/server/internal/tilestore"
	"github.com/tissue-tiles/server/pkg/pyramid"
)

// GenerateRequest asks for an overlay pyramid.
type GenerateRequest struct {
	DatasetID string  `json:"datasetId"`
	ImgID     string  `json:"imgId"`
	SegID     string  `json:"segId"`
	FillKey   string  `json:"fillKey"`
	BorderKey *string `json:"borderKey,omitempty"`
}

// UnmarshalJSON also accepts the snake_case field names used by the stdio
// bridge.
func (r *GenerateRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		DatasetID  string  `json:"datasetId"`
		ImgID      string  `json:"imgId"`
		SegID      string  `json:"segId"`
		FillKey    string  `json:"fillKey"`
		BorderKey  *string `json:"borderKey"`
		DatasetID2 string  `json:"dataset_id"`
		ImgID2     string  `json:"img_id"`
		SegID2     string  `json:"seg_id"`
		FillKey2   string  `json:"fill_key"`
		BorderKey2 *string `json:"border_key"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = GenerateRequest{
		DatasetID: firstNonEmpty(raw.DatasetID, raw.DatasetID2),
		ImgID:     firstNonEmpty(raw.ImgID, raw.ImgID2),
		SegID:     firstNonEmpty(raw.SegID, raw.SegID2),
		FillKey:   firstNonEmpty(raw.FillKey, raw.FillKey2),
		BorderKey: raw.BorderKey,
	}
	if r.BorderKey == nil {
		r.BorderKey = raw.BorderKey2
	}
	return nil
}

// Params converts the request into overlay parameters.
func (r GenerateRequest) Params() overlay.Params {
	return overlay.Params{
		DatasetID:      r.DatasetID,
		ImageID:        r.ImgID,
		SegmentationID: r.SegID,
		FillKey:        r.FillKey,
		BorderKey:      r.BorderKey,
	}
}

// NewGenerateRequest is the inverse of Params.
func NewGenerateRequest(p overlay.Params) GenerateRequest {
	return GenerateRequest{
		DatasetID: p.DatasetID,
		ImgID:     p.ImageID,
		SegID:     p.SegmentationID,
		FillKey:   p.FillKey,
		BorderKey: p.BorderKey,
	}
}

// GenerateResponse is the overlay metadata.
type GenerateResponse = overlay.Metadata

// TileRequest asks for one tile.
type TileRequest struct {
	OverlayID string `json:"overlayId"`
	Zoom      int    `json:"zoom"`
	X         int    `json:"x"`
	Y         int    `json:"y"`
}

// UnmarshalJSON also accepts "overlay_id".
func (r *TileRequest) UnmarshalJSON(data []byte) error {
	var raw struct {
		OverlayID  string `json:"overlayId"`
		OverlayID2 string `json:"overlay_id"`
		Zoom       int    `json:"zoom"`
		X          int    `json:"x"`
		Y          int    `json:"y"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = TileRequest{
		OverlayID: firstNonEmpty(raw.OverlayID, raw.OverlayID2),
		Zoom:      raw.Zoom,
		X:         raw.X,
		Y:         raw.Y,
	}
	return nil
}

// TileResponse carries one encoded tile.
type TileResponse struct {
	Tile   string `json:"tile"`
	Format string `json:"format"`
}

// NewTileResponse base64-encodes a tile.
func NewTileResponse(t tilestore.Tile) TileResponse {
	return TileResponse{Tile: base64.StdEncoding.EncodeToString(t.Data), Format: t.Format}
}

// Decode returns the raw tile payload.
func (r TileResponse) Decode() ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(r.Tile)
	if err != nil {
		return nil, fmt.Errorf("invalid tile payload: %w", err)
	}
	return data, nil
}

// Service is what the protocol surfaces expose.
type Service interface {
	Generate(ctx context.Context, p overlay.Params) (overlay.Metadata, error)
	GetTile(overlayID string, z, x, y int) (tilestore.Tile, error)
	Metadata(overlayID string) (overlay.Metadata, error)
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// ErrorCode names an error category on the wire.
type ErrorCode string

const (
	CodeInvalidGeometry  ErrorCode = "InvalidGeometry"
	CodeNotFound         ErrorCode = "NotFound"
	CodeUnknownAttribute ErrorCode = "UnknownAttribute"
	CodeOutOfRange       ErrorCode = "OutOfRange"
	CodeInvalidRequest   ErrorCode = "InvalidRequest"
	CodeInternal         ErrorCode = "Internal"
)

// Error is an error received from or sent to the other side.
type Error struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap maps the code back to its sentinel so errors.Is works on both
// sides of the boundary.
func (e *Error) Unwrap() error {
	switch e.Code {
	case CodeInvalidGeometry:
		return pyramid.ErrInvalidGeometry
	case CodeNotFound:
		return overlay.ErrNotFound
	case CodeUnknownAttribute:
		return overlay.ErrUnknownAttribute
	case CodeOutOfRange:
		return overlay.ErrOutOfRange
	case CodeInvalidRequest:
		return overlay.ErrInvalidRequest
	}
	return nil
}

// CodeOf classifies err.
func CodeOf(err error) ErrorCode {
	var pe *Error
	switch {
	case errors.As(err, &pe):
		return pe.Code
	case errors.Is(err, pyramid.ErrInvalidGeometry):
		return CodeInvalidGeometry
	case errors.Is(err, overlay.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, overlay.ErrUnknownAttribute):
		return CodeUnknownAttribute
	case errors.Is(err, overlay.ErrOutOfRange):
		return CodeOutOfRange
	case errors.Is(err, overlay.ErrInvalidRequest):
		return CodeInvalidRequest
	}
	return CodeInternal
}

// ToError converts err into its wire form.
func ToError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Code: CodeOf(err), Message: err.Error()}
}

// ErrorFromCode rebuilds an error received over the wire. An unknown or
// empty code becomes Internal.
func ErrorFromCode(code ErrorCode, message string) error {
	switch code {
	case CodeInvalidGeometry, CodeNotFound, CodeUnknownAttribute, CodeOutOfRange, CodeInvalidRequest:
	default:
		code = CodeInternal
	}
	return &Error{Code: code, Message: message}
}
