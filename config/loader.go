package config

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Format identifies the on-disk encoding of the document.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFor picks the format from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return FormatJSON, nil
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedFormat, path)
	}
}

// Store holds the in-memory copy of the configuration document and knows how to
// re-read and persist it. Reads are synchronous and always parse the whole file.
type Store struct {
	path   string
	format Format

	mu  sync.RWMutex
	doc Document

	// saveMu orders snapshots and renames so the file always holds the
	// latest document.
	saveMu sync.Mutex
	saved  [sha256.Size]byte
}

// Open reads the document at path and returns a store holding it.
func Open(path string) (*Store, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, format: format}
	doc, err := s.Read()
	if err != nil {
		return nil, err
	}
	s.doc = *doc
	return s, nil
}

// NewMemoryStore returns a store that is not backed by a file yet. Save writes
// it to path; Read fails until then.
func NewMemoryStore(path string, doc Document) (*Store, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	if err := prepare(&doc); err != nil {
		return nil, err
	}
	return &Store{path: path, format: format, doc: doc}, nil
}

// Path returns the file backing the store.
func (s *Store) Path() string { return s.path }

// Read parses the file from scratch. Nothing is applied to the store.
func (s *Store) Read() (*Document, error) {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", s.path, err)
	}
	doc, err := Decode(raw, s.format)
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", s.path, err)
	}
	return doc, nil
}

// Decode parses raw bytes in the given format and fills defaults and env overrides.
func Decode(raw []byte, format Format) (*Document, error) {
	var doc Document
	switch format {
	case FormatJSON:
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
	case FormatYAML:
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
	case FormatTOML:
		if _, err := toml.Decode(string(raw), &doc); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err := prepare(&doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func prepare(doc *Document) error {
	if err := applyDefaults(&doc.Settings); err != nil {
		return err
	}
	if err := applyEnv(&doc.Settings); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(doc.AppConfigs))
	for i := range doc.AppConfigs {
		c := &doc.AppConfigs[i]
		if c.ID == "" {
			return fmt.Errorf("%w: entry %d", ErrEmptyAppID, i)
		}
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateAppID, c.ID)
		}
		seen[c.ID] = struct{}{}
		args, err := normalize(c.Arguments)
		if err != nil {
			return fmt.Errorf("arguments of %s: %w", c.ID, err)
		}
		c.Arguments = args
	}
	return nil
}

// normalize converts decoder-specific values (int64 from TOML, nested maps from
// YAML) into the shapes encoding/json produces.
func normalize(args map[string]any) (map[string]any, error) {
	if args == nil {
		return nil, nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Document returns a copy of the whole in-memory document.
func (s *Store) Document() Document {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := Document{Settings: s.doc.Settings, AppConfigs: make([]AppConfig, len(s.doc.AppConfigs))}
	for i, c := range s.doc.AppConfigs {
		out.AppConfigs[i] = c.Clone()
	}
	return out
}

// AppConfig returns the in-memory record for id.
func (s *Store) AppConfig(id string) (AppConfig, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.AppConfig(id)
}

// AppConfigs returns the in-memory records in document order.
func (s *Store) AppConfigs() []AppConfig {
	return s.Document().AppConfigs
}

// Settings returns the process-wide settings.
func (s *Store) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.doc.Settings
}

// SetAppConfig replaces the record with the same id, or appends it.
func (s *Store) SetAppConfig(cfg AppConfig) {
	cfg = cfg.Clone()
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.doc.AppConfigs {
		if s.doc.AppConfigs[i].ID == cfg.ID {
			s.doc.AppConfigs[i] = cfg
			return
		}
	}
	s.doc.AppConfigs = append(s.doc.AppConfigs, cfg)
}

// Replace swaps the whole in-memory document, settings included.
func (s *Store) Replace(doc Document) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.doc = doc
}

// Save persists the in-memory document in the store's format. The file is
// written next to the target and renamed over it so watchers never observe a
// half-written document.
func (s *Store) Save() error {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	doc := s.Document()

	var buf bytes.Buffer
	switch s.format {
	case FormatJSON:
		enc := json.NewEncoder(&buf)
		enc.SetEscapeHTML(false)
		enc.SetIndent("", "    ")
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
	case FormatYAML:
		enc := yaml.NewEncoder(&buf)
		enc.SetIndent(2)
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
		_ = enc.Close()
	case FormatTOML:
		if err := toml.NewEncoder(&buf).Encode(doc); err != nil {
			return fmt.Errorf("encode config: %w", err)
		}
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*")
	if err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		return fmt.Errorf("save config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	s.mu.Lock()
	s.saved = sha256.Sum256(buf.Bytes())
	s.mu.Unlock()
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	return nil
}

// WrittenByStore reports whether data is exactly what the last Save wrote.
func (s *Store) WrittenByStore(data []byte) bool {
	sum := sha256.Sum256(data)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return sum == s.saved
}
