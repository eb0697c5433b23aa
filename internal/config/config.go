package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GameExecutable is the file that identifies a game installation directory.
const GameExecutable = "Spartan.exe"

// Config is the top-level configuration
type Config struct {
	Game   GameConfig   `yaml:"game"`
	Scan   ScanConfig   `yaml:"scan"`
	Server ServerConfig `yaml:"server"`
}

// GameConfig locates the installation and its catalog
type GameConfig struct {
	FilesPath string `yaml:"files_path"`
	Catalog   string `yaml:"catalog"`
	BaseURL   string `yaml:"base_url"`

	// Mirrors are alternative base URLs ranked before a scan.
	Mirrors     []string `yaml:"mirrors"`
	MirrorProbe string   `yaml:"mirror_probe"`
}

// ScanConfig holds scan-and-repair settings
type ScanConfig struct {
	RetryAttempts    int           `yaml:"retry_attempts"`
	StopOnFirstError bool          `yaml:"stop_on_first_error"`
	ProgressInterval time.Duration `yaml:"progress_interval"`
}

// ServerConfig holds server settings
type ServerConfig struct {
	Listen string `yaml:"listen"`
	DBPath string `yaml:"db_path"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Game: GameConfig{
			FilesPath: "",
			Catalog:   "catalog.json",
		},
		Scan: ScanConfig{
			RetryAttempts:    3,
			StopOnFirstError: false,
			ProgressInterval: 100 * time.Millisecond,
		},
		Server: ServerConfig{
			Listen: "127.0.0.1:8080",
			DBPath: "",
		},
	}
}

// Load reads a config file from the given path
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks values that would otherwise fail late during a scan
func (c *Config) Validate() error {
	if c.Scan.RetryAttempts < 1 {
		return fmt.Errorf("scan.retry_attempts must be at least 1")
	}
	if c.Scan.ProgressInterval < 0 {
		return fmt.Errorf("scan.progress_interval must not be negative")
	}
	return nil
}

// Marshal encodes the config as YAML
func (c *Config) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("marshaling config: %w", err)
	}
	return data, nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{
		"gamescan.yaml",
		"/etc/gamescan/gamescan.yaml",
	}

	// Add user config path
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths,
			filepath.Join(home, ".config", "gamescan", "gamescan.yaml"),
		)
	}

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}

// DefaultDBPath returns the history database location used when
// server.db_path is empty.
func DefaultDBPath() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "gamescan", "gamescan.db")
	}
	return "gamescan.db"
}

// GameDirectoryCandidates returns the directories probed by FindGameDirectory,
// most specific first.
func GameDirectoryCandidates(configured string) []string {
	var dirs []string
	if configured != "" {
		dirs = append(dirs, configured)
	}
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs,
			filepath.Join(home, "Games", "Age of Empires Online"),
			filepath.Join(home, ".wine", "drive_c", "Program Files (x86)", "Microsoft Games", "Age of Empires Online"),
			filepath.Join(home, ".wine", "drive_c", "Program Files", "Microsoft Games", "Age of Empires Online"),
		)
	}
	return dirs
}

// FindGameDirectory returns the first candidate that contains the game
// executable. The name is matched case-insensitively.
func FindGameDirectory(candidates []string) (string, error) {
	for _, dir := range candidates {
		if hasGameExecutable(dir) {
			abs, err := filepath.Abs(dir)
			if err != nil {
				return dir, nil
			}
			return abs, nil
		}
	}
	return "", fmt.Errorf("%s not found (searched: %v)", GameExecutable, candidates)
}

func hasGameExecutable(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(e.Name(), GameExecutable) {
			return true
		}
	}
	return false
}
