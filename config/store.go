package config

import (
	"errors"
	"os"
	"sync"

	"github.com/kybfarm/hsi/fault"
	"github.com/knadh/koanf"
	kyaml "github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"

	"gopkg.in/yaml.v2"
)

// Store is the persisted configuration document.  It is safe for concurrent
// use; writers are serialized and the last write wins.
type Store struct {
	// Path is the YAML file
	Path string

	mu sync.Mutex
}

// NewStore returns a Store backed by path
func NewStore(path string) *Store {
	return &Store{Path: path}
}

// load builds a fresh koanf instance: defaults, then the document on top.
// A missing document is not an error.
func (s *Store) load() (*koanf.Koanf, error) {
	k := koanf.New(".")
	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fault.Wrap(fault.ConfigurationError, "config.Load", "loading defaults", err)
	}
	if err := k.Load(file.Provider(s.Path), kyaml.Parser()); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fault.Wrap(fault.ConfigurationError, "config.Load", "reading "+s.Path, err)
		}
	}
	return k, nil
}

func unmarshal(k *koanf.Koanf) (Config, error) {
	c := Config{}
	if err := k.Unmarshal("", &c); err != nil {
		return c, fault.Wrap(fault.ConfigurationError, "config.Load", "decoding document", err)
	}
	return c, nil
}

// Load reads the document from disk.  It does not validate; callers that
// are about to touch hardware should call Validate on the result.
func (s *Store) Load() (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, err := s.load()
	if err != nil {
		return Config{}, err
	}
	return unmarshal(k)
}

// Raw returns the document as nested maps, including sections this package
// does not know about
func (s *Store) Raw() (map[string]interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, err := s.load()
	if err != nil {
		return nil, err
	}
	return k.Raw(), nil
}

// Merge applies a partial document key-wise: every key present in partial
// replaces the key of the same path, everything else is kept.  A section
// absent from the document is added whole.  The merged result is validated
// before it is written; an invalid result leaves the file untouched.
func (s *Store) Merge(partial map[string]interface{}) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(partial) == 0 {
		return Config{}, fault.New(fault.ConfigurationError, "config.Merge", "no config provided")
	}
	for section, v := range partial {
		if _, ok := v.(map[string]interface{}); !ok {
			return Config{}, fault.New(fault.ConfigurationError, "config.Merge", "section "+section+" is not an object")
		}
	}
	k, err := s.load()
	if err != nil {
		return Config{}, err
	}
	if err := k.Load(confmap.Provider(partial, ""), nil); err != nil {
		return Config{}, fault.Wrap(fault.ConfigurationError, "config.Merge", "merging update", err)
	}
	c, err := unmarshal(k)
	if err != nil {
		return c, err
	}
	if err := c.Validate(); err != nil {
		return c, err
	}
	return c, s.write(k.Raw())
}

// Save writes c as the whole document
func (s *Store) Save(c Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(c)
}

func (s *Store) write(doc interface{}) error {
	b, err := yaml.Marshal(doc)
	if err != nil {
		return fault.Wrap(fault.ConfigurationError, "config.Save", "encoding document", err)
	}
	// write then rename so a reader never sees a half written file
	tmp := s.Path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.Path)
}
