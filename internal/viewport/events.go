package viewport

import (
	"image"

	"github.com/tissue-tiles/server/internal/overlay"
)

// Event is one input to the controller.
type Event interface {
	event()
}

type (
	// WheelUp zooms in.
	WheelUp struct{}
	// WheelDown zooms out.
	WheelDown struct{}
	// ZoomInButton zooms in.
	ZoomInButton struct{}
	// ZoomOutButton zooms out.
	ZoomOutButton struct{}
	// Reset returns to zoom 0 with no pan.
	Reset struct{}

	// DragStart begins a pan at a cursor position.
	DragStart struct{ At image.Point }
	// DragMove moves the cursor during a pan.
	DragMove struct{ At image.Point }
	// DragEnd finishes a pan.
	DragEnd struct{}

	// Resize sets the container size.
	Resize struct{ Size image.Point }

	// TileFetched delivers a tile payload.
	TileFetched struct {
		Key    overlay.TileKey
		Data   []byte
		Format string
	}
	// TileFetchFailed reports a failed fetch.
	TileFetchFailed struct {
		Key overlay.TileKey
		Err error
	}
)

func (WheelUp) event()         {}
func (WheelDown) event()       {}
func (ZoomInButton) event()    {}
func (ZoomOutButton) event()   {}
func (Reset) event()           {}
func (DragStart) event()       {}
func (DragMove) event()        {}
func (DragEnd) event()         {}
func (Resize) event()          {}
func (TileFetched) event()     {}
func (TileFetchFailed) event() {}
