// Package config holds the engine-wide configuration surface, loaded the
// way the teacher's config.go loads its YAML: read the file if present,
// fall back to defaults if not, validate on demand.
package config

import (
	"io/ioutil"
	"os"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	yaml "gopkg.in/yaml.v2"

	"github.com/cenkalti/dlrain/internal/model"
)

// AllocationMode controls how torrent output files are pre-sized.
type AllocationMode int

const (
	AllocNone AllocationMode = iota
	AllocSparse
	AllocFull
)

// HTTPConfig is the HTTP-specific subsection.
type HTTPConfig struct {
	ConnectTimeout     time.Duration `yaml:"connect_timeout"`
	ReadTimeout        time.Duration `yaml:"read_timeout"`
	MaxRedirects       int           `yaml:"max_redirects"`
	MaxRetries         int           `yaml:"max_retries"`
	RetryDelay         time.Duration `yaml:"retry_delay_ms"`
	MaxRetryDelay      time.Duration `yaml:"max_retry_delay_ms"`
	AcceptInvalidCerts bool          `yaml:"accept_invalid_certs"`
	ProxyURL           string        `yaml:"proxy_url"`
}

// TorrentConfig is the BitTorrent-specific subsection.
type TorrentConfig struct {
	ListenPortBegin       uint16         `yaml:"listen_port_begin"`
	ListenPortEnd         uint16         `yaml:"listen_port_end"`
	DHTBootstrapNodes     []string       `yaml:"dht_bootstrap_nodes"`
	TrackerUpdateInterval time.Duration  `yaml:"tracker_update_interval"`
	PeerTimeout           time.Duration  `yaml:"peer_timeout"`
	MaxPendingRequests    int            `yaml:"max_pending_requests"`
	EnableEndgame         bool           `yaml:"enable_endgame"`
	AllocationMode        AllocationMode `yaml:"allocation_mode"`
}

// Config is the top-level engine configuration.
type Config struct {
	DownloadDir               string        `yaml:"download_dir"`
	MaxConcurrentDownloads    int           `yaml:"max_concurrent_downloads"`
	MaxConnectionsPerDownload int           `yaml:"max_connections_per_download"`
	MinSegmentSize            int64         `yaml:"min_segment_size"`
	GlobalDownloadLimit       *int64        `yaml:"global_download_limit"`
	GlobalUploadLimit         *int64        `yaml:"global_upload_limit"`
	UserAgent                 string        `yaml:"user_agent"`
	EnableDHT                 bool          `yaml:"enable_dht"`
	EnablePEX                 bool          `yaml:"enable_pex"`
	EnableLPD                 bool          `yaml:"enable_lpd"`
	MaxPeers                  int           `yaml:"max_peers"`
	SeedRatio                 float64       `yaml:"seed_ratio"`
	DatabasePath              string        `yaml:"database_path"`

	HTTP    HTTPConfig    `yaml:"http"`
	Torrent TorrentConfig `yaml:"torrent"`
}

// Default returns the engine's built-in configuration defaults.
func Default() Config {
	return Config{
		DownloadDir:               ".",
		MaxConcurrentDownloads:    5,
		MaxConnectionsPerDownload: 16,
		MinSegmentSize:            1 << 20,
		UserAgent:                 "dlrain/1.0",
		EnableDHT:                 true,
		EnablePEX:                 true,
		EnableLPD:                 true,
		MaxPeers:                  55,
		SeedRatio:                 1.0,
		DatabasePath:              "dlrain.db",
		HTTP: HTTPConfig{
			ConnectTimeout: 30 * time.Second,
			ReadTimeout:    60 * time.Second,
			MaxRedirects:   10,
			MaxRetries:     3,
			RetryDelay:     1000 * time.Millisecond,
			MaxRetryDelay:  30000 * time.Millisecond,
		},
		Torrent: TorrentConfig{
			ListenPortBegin: 6881,
			ListenPortEnd:   6889,
			DHTBootstrapNodes: []string{
				"router.bittorrent.com:6881",
				"router.utorrent.com:6881",
				"dht.transmissionbt.com:6881",
			},
			TrackerUpdateInterval: 1800 * time.Second,
			PeerTimeout:           120 * time.Second,
			MaxPendingRequests:    16,
			EnableEndgame:         true,
			AllocationMode:        AllocSparse,
		},
	}
}

// Load reads cfg from a YAML file, falling back to Default when the file
// does not exist, exactly as the teacher's LoadConfig does.
func Load(path string) (Config, error) {
	c := Default()
	b, err := ioutil.ReadFile(path)
	if os.IsNotExist(err) {
		return c, nil
	}
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(b, &c); err != nil {
		return Config{}, err
	}
	return expandHome(c)
}

func expandHome(c Config) (Config, error) {
	dir, err := homedir.Expand(c.DownloadDir)
	if err != nil {
		return Config{}, err
	}
	c.DownloadDir = dir
	db, err := homedir.Expand(c.DatabasePath)
	if err != nil {
		return Config{}, err
	}
	c.DatabasePath = db
	return c, nil
}

// Validate fails fast on any configuration value the engine can't act on.
func (c Config) Validate() error {
	info, err := os.Stat(c.DownloadDir)
	if err != nil {
		return model.InvalidInput("download_dir", "directory does not exist: %s", c.DownloadDir)
	}
	if !info.IsDir() {
		return model.InvalidInput("download_dir", "not a directory: %s", c.DownloadDir)
	}
	if c.MaxConcurrentDownloads < 1 {
		return model.InvalidInput("max_concurrent_downloads", "must be >= 1")
	}
	if c.MaxConnectionsPerDownload < 1 {
		return model.InvalidInput("max_connections_per_download", "must be >= 1")
	}
	if c.MinSegmentSize < 1 {
		return model.InvalidInput("min_segment_size", "must be >= 1")
	}
	if c.MaxPeers < 1 {
		return model.InvalidInput("max_peers", "must be >= 1")
	}
	if c.SeedRatio < 0 {
		return model.InvalidInput("seed_ratio", "must be >= 0")
	}
	if c.Torrent.ListenPortBegin > c.Torrent.ListenPortEnd {
		return model.InvalidInput("listen_port_range", "start port must be <= end port")
	}
	return nil
}
