package config

import (
	"os"
	"path/filepath"
)

// Paths are the on-disk locations salesdesk reads and writes. Everything
// lives under one base directory, ~/.salesdesk unless SALESDESK_HOME says
// otherwise.
type Paths struct {
	Base        string
	Config      string // config.yaml
	Credentials string // OAuth client secrets and tokens
	Logs        string
	Data        string // the inbox database
}

func PathsAt(base string) Paths {
	return Paths{
		Base:        base,
		Config:      filepath.Join(base, "config.yaml"),
		Credentials: filepath.Join(base, "credentials"),
		Logs:        filepath.Join(base, "logs"),
		Data:        filepath.Join(base, "data"),
	}
}

func ResolvePaths() (Paths, error) {
	if base := os.Getenv("SALESDESK_HOME"); base != "" {
		return PathsAt(base), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return Paths{}, err
	}
	return PathsAt(filepath.Join(home, ".salesdesk")), nil
}

// EnsureDirs creates the base, credentials, logs and data directories.
func (p Paths) EnsureDirs() error {
	for _, d := range []string{p.Base, p.Credentials, p.Logs, p.Data} {
		if err := os.MkdirAll(d, 0o700); err != nil {
			return err
		}
	}
	return nil
}

func within(dir, name string) string {
	if name == "" || filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}

// StorePath is the inbox database: store.path, relative to the data
// directory, or data/salesdesk.db.
func (p Paths) StorePath(cfg StoreConfig) string {
	if cfg.Path == "" {
		return filepath.Join(p.Data, "salesdesk.db")
	}
	return within(p.Data, cfg.Path)
}

// LogPath is the log file named by logging.file, or "" when file logging
// is off.
func (p Paths) LogPath(cfg LoggingConfig) string {
	return within(p.Logs, cfg.File)
}

// CredentialPath resolves a credentials or token file name against the
// credentials directory.
func (p Paths) CredentialPath(name string) string {
	return within(p.Credentials, name)
}
