// Package config handles configuration loading for the overlay tile server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the server configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Data     DataConfig     `yaml:"data"`
	Render   RenderConfig   `yaml:"render"`
	Generate GenerateConfig `yaml:"generate"`
	Store    StoreConfig    `yaml:"store"`
	Viewer   ViewerConfig   `yaml:"viewer"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port        int      `yaml:"port"`
	CORSOrigins []string `yaml:"cors_origins"`
	Title       string   `yaml:"title"`
}

// SourceConfig locates one external input on disk.
type SourceConfig struct {
	Path string `yaml:"path"`
	// Format is inferred from Path when empty.
	Format string `yaml:"format"`
}

// Sources is an id -> source mapping that remembers YAML order.
type Sources struct {
	ids  []string
	byID map[string]SourceConfig
}

// UnmarshalYAML keeps the order in which ids first appear.
func (s *Sources) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping of id -> {path, format}", node.Line)
	}
	s.ids = nil
	s.byID = make(map[string]SourceConfig, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		id := node.Content[i].Value
		var src SourceConfig
		// Shorthand: "id: /path/to/file".
		if node.Content[i+1].Kind == yaml.ScalarNode {
			src.Path = node.Content[i+1].Value
		} else if err := node.Content[i+1].Decode(&src); err != nil {
			return fmt.Errorf("source %q: %w", id, err)
		}
		if _, dup := s.byID[id]; !dup {
			s.ids = append(s.ids, id)
		}
		s.byID[id] = src
	}
	return nil
}

// Add registers a source, appending id if it is new.
func (s *Sources) Add(id string, src SourceConfig) {
	if s.byID == nil {
		s.byID = make(map[string]SourceConfig)
	}
	if _, ok := s.byID[id]; !ok {
		s.ids = append(s.ids, id)
	}
	s.byID[id] = src
}

// IDs returns source ids in configuration order.
func (s *Sources) IDs() []string {
	return append([]string(nil), s.ids...)
}

// Get returns the source registered under id.
func (s *Sources) Get(id string) (SourceConfig, bool) {
	src, ok := s.byID[id]
	return src, ok
}

// Len returns the number of sources.
func (s *Sources) Len() int {
	return len(s.ids)
}

// DataConfig names the datasets, base images and segmentations overlays can
// be generated from.
type DataConfig struct {
	Datasets      Sources `yaml:"datasets"`
	Images        Sources `yaml:"images"`
	Segmentations Sources `yaml:"segmentations"`
}

// DatasetIDs returns dataset ids in configuration order.
func (d *DataConfig) DatasetIDs() []string {
	return d.Datasets.IDs()
}

// RenderConfig contains rendering settings.
type RenderConfig struct {
	TileSize    int     `yaml:"tile_size"`
	Format      string  `yaml:"format"`
	JPEGQuality int     `yaml:"jpeg_quality"`
	Colormap    string  `yaml:"colormap"`
	Background  string  `yaml:"background"`
	BorderColor string  `yaml:"border_color"`
	DefaultFill string  `yaml:"default_fill"`
	FillOpacity float64 `yaml:"fill_opacity"`
	BorderWidth float64 `yaml:"border_width"`
	// MaxZoom pins the pyramid depth; negative derives it from the image size.
	MaxZoom int `yaml:"max_zoom"`
}

// GenerateConfig bounds generation work.
type GenerateConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
	EncodeWorkers int `yaml:"encode_workers"`
}

// StoreConfig selects and sizes the tile store.
type StoreConfig struct {
	Backend            string `yaml:"backend"`
	MaxOverlays        int    `yaml:"max_overlays"`
	MaxSizeMB          int    `yaml:"max_size_mb"`
	SQLitePath         string `yaml:"sqlite_path"`
	RetentionDays      int    `yaml:"retention_days"`
	HotCacheMB         int    `yaml:"hot_cache_mb"`
	HotCacheTTLMinutes int    `yaml:"hot_cache_ttl_minutes"`
}

// ViewerConfig contains settings of the viewport client.
type ViewerConfig struct {
	ServerURL   string `yaml:"server_url"`
	CacheTiles  int    `yaml:"cache_tiles"`
	MaxInflight int    `yaml:"max_inflight"`
	Width       int    `yaml:"width"`
	Height      int    `yaml:"height"`
}

// LoggingConfig contains logger settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`
	Dir      string `yaml:"dir"`
	Terminal bool   `yaml:"terminal"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		// Return default config if file doesn't exist
		if os.IsNotExist(err) {
			return DefaultConfig(), nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	// Unmarshal over the defaults so keys missing from the file keep them.
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	// Apply defaults for zero values
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			CORSOrigins: []string{"http://localhost:3000", "http://localhost:5173"},
			Title:       "Tissue Overlay Tiles",
		},
		Render: RenderConfig{
			TileSize:    256,
			Format:      "jpeg",
			JPEGQuality: 85,
			Colormap:    "viridis",
			Background:  "#ffffff",
			BorderColor: "#000000",
			DefaultFill: "#d3d3d3",
			FillOpacity: 0.7,
			BorderWidth: 1,
			MaxZoom:     -1,
		},
		Generate: GenerateConfig{
			MaxConcurrent: 2,
			EncodeWorkers: runtime.NumCPU(),
		},
		Store: StoreConfig{
			Backend:            "memory",
			MaxOverlays:        64,
			MaxSizeMB:          1024,
			SQLitePath:         "./data/tiles.db",
			RetentionDays:      30,
			HotCacheMB:         256,
			HotCacheTTLMinutes: 10,
		},
		Viewer: ViewerConfig{
			ServerURL:   "http://localhost:8080",
			CacheTiles:  512,
			MaxInflight: 8,
			Width:       1280,
			Height:      800,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Terminal: true,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Render.TileSize == 0 {
		cfg.Render.TileSize = defaults.Render.TileSize
	}
	if cfg.Render.Format == "" {
		cfg.Render.Format = defaults.Render.Format
	}
	cfg.Render.Format = strings.ToLower(cfg.Render.Format)
	if cfg.Render.Format == "jpg" {
		cfg.Render.Format = "jpeg"
	}
	if cfg.Render.JPEGQuality == 0 {
		cfg.Render.JPEGQuality = defaults.Render.JPEGQuality
	}
	if cfg.Render.Colormap == "" {
		cfg.Render.Colormap = defaults.Render.Colormap
	}
	if cfg.Render.Background == "" {
		cfg.Render.Background = defaults.Render.Background
	}
	if cfg.Render.BorderColor == "" {
		cfg.Render.BorderColor = defaults.Render.BorderColor
	}
	if cfg.Render.DefaultFill == "" {
		cfg.Render.DefaultFill = defaults.Render.DefaultFill
	}
	if cfg.Generate.MaxConcurrent <= 0 {
		cfg.Generate.MaxConcurrent = defaults.Generate.MaxConcurrent
	}
	if cfg.Generate.EncodeWorkers <= 0 {
		cfg.Generate.EncodeWorkers = defaults.Generate.EncodeWorkers
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = defaults.Store.Backend
	}
	if cfg.Store.MaxOverlays <= 0 {
		cfg.Store.MaxOverlays = defaults.Store.MaxOverlays
	}
	if cfg.Store.MaxSizeMB <= 0 {
		cfg.Store.MaxSizeMB = defaults.Store.MaxSizeMB
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = defaults.Store.SQLitePath
	}
	if cfg.Store.HotCacheTTLMinutes <= 0 {
		cfg.Store.HotCacheTTLMinutes = defaults.Store.HotCacheTTLMinutes
	}
	if cfg.Viewer.ServerURL == "" {
		cfg.Viewer.ServerURL = defaults.Viewer.ServerURL
	}
	if cfg.Viewer.CacheTiles <= 0 {
		cfg.Viewer.CacheTiles = defaults.Viewer.CacheTiles
	}
	if cfg.Viewer.MaxInflight <= 0 {
		cfg.Viewer.MaxInflight = defaults.Viewer.MaxInflight
	}
	if cfg.Viewer.Width <= 0 || cfg.Viewer.Height <= 0 {
		cfg.Viewer.Width, cfg.Viewer.Height = defaults.Viewer.Width, defaults.Viewer.Height
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = defaults.Logging.Level
	}
}

// Validate checks values that have no sensible default.
func (c *Config) Validate() error {
	if c.Render.TileSize < 0 {
		return fmt.Errorf("render.tile_size must be positive, got %d", c.Render.TileSize)
	}
	switch c.Render.Format {
	case "jpeg", "png":
	default:
		return fmt.Errorf("render.format must be jpeg or png, got %q", c.Render.Format)
	}
	if c.Render.JPEGQuality < 1 || c.Render.JPEGQuality > 100 {
		return fmt.Errorf("render.jpeg_quality must be in [1,100], got %d", c.Render.JPEGQuality)
	}
	if c.Render.FillOpacity < 0 || c.Render.FillOpacity > 1 {
		return fmt.Errorf("render.fill_opacity must be in [0,1], got %v", c.Render.FillOpacity)
	}
	if c.Render.BorderWidth < 0 {
		return fmt.Errorf("render.border_width must not be negative, got %v", c.Render.BorderWidth)
	}
	switch c.Store.Backend {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("store.backend must be memory or sqlite, got %q", c.Store.Backend)
	}
	return nil
}

// ResolvePaths makes relative source paths relative to baseDir.
func (c *Config) ResolvePaths(baseDir string) {
	for _, set := range []*Sources{&c.Data.Datasets, &c.Data.Images, &c.Data.Segmentations} {
		for _, id := range set.ids {
			src := set.byID[id]
			if src.Path != "" && !filepath.IsAbs(src.Path) {
				src.Path = filepath.Join(baseDir, src.Path)
				set.byID[id] = src
			}
		}
	}
	if c.Store.SQLitePath != "" && !filepath.IsAbs(c.Store.SQLitePath) {
		c.Store.SQLitePath = filepath.Join(baseDir, c.Store.SQLitePath)
	}
}
