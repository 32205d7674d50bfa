package protocol

import (
	"context"
	"encoding/json"
	"fmt"
)

// Command names of the line protocol. The second name of each pair is kept
// for older callers.
const (
	CommandGenerate       = "generate_overlay"
	CommandGenerateLegacy = "plot_tissue_overlay"
	CommandGetTile        = "get_tile"
	CommandGetTileLegacy  = "get_tissue_overlay_tile"
	CommandGetOverlay     = "get_overlay"
	CommandPing           = "ping"
)

// Request is one command message.
type Request struct {
	ID      string          `json:"id,omitempty"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response answers a Request. On failure Error holds the message and Code
// its category.
type Response struct {
	ID      string          `json:"id,omitempty"`
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    ErrorCode       `json:"code,omitempty"`
}

// Err returns the error carried by a failed response.
func (r Response) Err() error {
	if r.Success {
		return nil
	}
	return ErrorFromCode(r.Code, r.Error)
}

// Dispatch runs one command against svc.
func Dispatch(ctx context.Context, svc Service, req Request) Response {
	data, err := dispatch(ctx, svc, req)
	if err != nil {
		pe := ToError(err)
		return Response{ID: req.ID, Success: false, Error: pe.Message, Code: pe.Code}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Response{ID: req.ID, Success: false, Error: err.Error(), Code: CodeInternal}
	}
	return Response{ID: req.ID, Success: true, Data: raw}
}

func dispatch(ctx context.Context, svc Service, req Request) (interface{}, error) {
	switch req.Command {
	case CommandGenerate, CommandGenerateLegacy:
		var params GenerateRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return svc.Generate(ctx, params.Params())

	case CommandGetTile, CommandGetTileLegacy:
		var params TileRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		tile, err := svc.GetTile(params.OverlayID, params.Zoom, params.X, params.Y)
		if err != nil {
			return nil, err
		}
		return NewTileResponse(tile), nil

	case CommandGetOverlay:
		var params TileRequest
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return svc.Metadata(params.OverlayID)

	case CommandPing:
		return map[string]string{"status": "ok"}, nil
	}
	return nil, &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("unknown command %q", req.Command)}
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return &Error{Code: CodeInvalidRequest, Message: "missing params"}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &Error{Code: CodeInvalidRequest, Message: fmt.Sprintf("invalid params: %v", err)}
	}
	return nil
}
