// Command overlayview drives the viewport against a running server and
// writes what a viewer would show as a PNG.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tissue-tiles/server/internal/client"
	"github.com/tissue-tiles/server/internal/config"
	"github.com/tissue-tiles/server/internal/logging"
	"github.com/tissue-tiles/server/internal/overlay"
	"github.com/tissue-tiles/server/internal/viewport"
	"github.com/tissue-tiles/server/pkg/colormap"
)

type options struct {
	configPath string
	serverURL  string
	params     overlay.Params
	border     string
	zoom       int
	panX, panY int
	out        string
	timeout    time.Duration
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "config/server.yaml", "Path to configuration file")
	flag.StringVar(&opts.serverURL, "server", "", "Server URL (overrides viewer.server_url)")
	flag.StringVar(&opts.params.DatasetID, "dataset", "", "Dataset id")
	flag.StringVar(&opts.params.ImageID, "image", "", "Base image id")
	flag.StringVar(&opts.params.SegmentationID, "seg", "", "Segmentation id")
	flag.StringVar(&opts.params.FillKey, "fill", "", "Gene or obs column coloring the cells")
	flag.StringVar(&opts.border, "border", "", "Obs column coloring the cell borders")
	flag.IntVar(&opts.zoom, "zoom", 0, "Zoom level to show")
	flag.IntVar(&opts.panX, "pan-x", 0, "Horizontal pan in screen pixels")
	flag.IntVar(&opts.panY, "pan-y", 0, "Vertical pan in screen pixels")
	flag.StringVar(&opts.out, "out", "overlay.png", "Output PNG path")
	flag.DurationVar(&opts.timeout, "timeout", 10*time.Minute, "Overall timeout")
	flag.Parse()

	if opts.border != "" {
		opts.params.BorderKey = &opts.border
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "overlayview: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if opts.serverURL != "" {
		cfg.Viewer.ServerURL = opts.serverURL
	}
	log, closer, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	defer closer.Close()
	if err := opts.params.Validate(); err != nil {
		return err
	}
	background, err := colormap.ParseHex(cfg.Render.Background)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	ctrl, err := viewport.New(viewport.Config{
		Fetcher:     client.New(cfg.Viewer.ServerURL, nil),
		Size:        image.Pt(cfg.Viewer.Width, cfg.Viewer.Height),
		CacheTiles:  cfg.Viewer.CacheTiles,
		MaxInflight: cfg.Viewer.MaxInflight,
		Log:         log,
	})
	if err != nil {
		return err
	}
	defer ctrl.Close()

	start := time.Now()
	meta, err := ctrl.Load(ctx, opts.params)
	if err != nil {
		return fmt.Errorf("generate overlay: %w", err)
	}
	log.WithFields(logrus.Fields{
		"overlay_id": meta.OverlayID,
		"size":       fmt.Sprintf("%dx%d", meta.Width, meta.Height),
		"max_zoom":   meta.MaxZoom,
		"elapsed":    time.Since(start).Round(time.Millisecond),
	}).Info("overlay ready")

	for i := 0; i < opts.zoom; i++ {
		ctrl.Handle(viewport.ZoomInButton{})
	}
	if opts.panX != 0 || opts.panY != 0 {
		ctrl.Handle(viewport.DragStart{})
		ctrl.Handle(viewport.DragMove{At: image.Pt(opts.panX, opts.panY)})
		ctrl.Handle(viewport.DragEnd{})
	}
	if err := ctrl.WaitIdle(ctx); err != nil {
		return err
	}

	frame := ctrl.Frame()
	missing := 0
	for _, t := range frame.Tiles {
		if t.Payload == nil {
			missing++
			log.WithField("tile", t.Key.String()).WithError(ctrl.Failed(t.Key)).Warn("tile missing")
		}
	}
	img, err := viewport.Compose(frame, background)
	if err != nil {
		return err
	}

	if dir := filepath.Dir(opts.out); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.Create(opts.out)
	if err != nil {
		return err
	}
	if err := png.Encode(f, img); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	log.WithFields(logrus.Fields{
		"zoom":    ctrl.Zoom(),
		"visible": ctrl.Visible().String(),
		"tiles":   len(frame.Tiles),
		"missing": missing,
		"out":     opts.out,
	}).Info("viewport written")
	return nil
}
