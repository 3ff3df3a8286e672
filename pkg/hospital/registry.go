package hospital

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/medrecnet/platform/pkg/common/database"
	"github.com/medrecnet/platform/pkg/common/logger"
	"github.com/medrecnet/platform/pkg/gateway/httpclient"
	"golang.org/x/oauth2/clientcredentials"
	"gopkg.in/yaml.v3"
)

const (
	KindLevelDB  = "leveldb"
	KindPostgres = "postgres"
	KindRemote   = "remote"
)

var errDuplicateHospital = errors.New("duplicate hospital id")

type OAuthSettings struct {
	ClientID     string   `yaml:"client_id"`
	ClientSecret string   `yaml:"client_secret"`
	TokenURL     string   `yaml:"token_url"`
	Scopes       []string `yaml:"scopes"`
}

// Definition is one entry of the hospital directory file.
type Definition struct {
	ID    string         `yaml:"id"`
	Name  string         `yaml:"name"`
	Kind  string         `yaml:"kind"`
	Path  string         `yaml:"path"`
	DSN   string         `yaml:"dsn"`
	URL   string         `yaml:"url"`
	Token string         `yaml:"token"`
	OAuth *OAuthSettings `yaml:"oauth"`
}

type Directory struct {
	Hospitals []Definition `yaml:"hospitals"`
}

// LoadDirectory reads the YAML hospital directory. ${VAR} references are
// expanded from the environment so DSNs and secrets stay out of the file.
func LoadDirectory(path string) (Directory, error) {
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Directory{}, err
	}
	return ParseDirectory(content)
}

func ParseDirectory(content []byte) (Directory, error) {
	var dir Directory
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(content))), &dir); err != nil {
		return Directory{}, fmt.Errorf("parse hospital directory: %w", err)
	}
	if err := dir.Validate(); err != nil {
		return Directory{}, err
	}
	return dir, nil
}

func (d Directory) Validate() error {
	if len(d.Hospitals) == 0 {
		return ValidationError{reason: errors.New("no hospitals configured")}
	}
	seen := make(map[string]struct{}, len(d.Hospitals))
	for i, def := range d.Hospitals {
		id := strings.TrimSpace(def.ID)
		if id == "" {
			return ValidationError{reason: fmt.Errorf("hospital %d: id required", i)}
		}
		if _, ok := seen[id]; ok {
			return ValidationError{reason: fmt.Errorf("%s: %w", id, errDuplicateHospital)}
		}
		seen[id] = struct{}{}

		switch def.Kind {
		case KindLevelDB:
			if def.Path == "" {
				return ValidationError{reason: fmt.Errorf("%s: leveldb path required", id)}
			}
		case KindPostgres:
			if def.DSN == "" {
				return ValidationError{reason: fmt.Errorf("%s: postgres dsn required", id)}
			}
		case KindRemote:
			if def.URL == "" {
				return ValidationError{reason: fmt.Errorf("%s: remote url required", id)}
			}
		default:
			return ValidationError{reason: fmt.Errorf("%s: unknown kind %q", id, def.Kind)}
		}
	}
	return nil
}

// Only returns a directory holding just the hospital with id.
func (d Directory) Only(id string) (Directory, error) {
	for _, def := range d.Hospitals {
		if def.ID == id {
			return Directory{Hospitals: []Definition{def}}, nil
		}
	}
	return Directory{}, fmt.Errorf("hospital %q not in directory", id)
}

// Member is a registered hospital and its store.
type Member struct {
	ID    string
	Name  string
	Store Store
}

// Registry maps hospital ids to their stores. It is built once at startup and
// passed explicitly to whoever needs it.
type Registry struct {
	mu      sync.RWMutex
	members map[string]Member
	order   []string
	closers []func() error
}

func NewRegistry() *Registry {
	return &Registry{members: make(map[string]Member)}
}

// Register adds a hospital. closer may be nil.
func (r *Registry) Register(id, name string, store Store, closer func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[id]; ok {
		return fmt.Errorf("%s: %w", id, errDuplicateHospital)
	}
	if name == "" {
		name = id
	}
	r.members[id] = Member{ID: id, Name: name, Store: store}
	r.order = append(r.order, id)
	if closer != nil {
		r.closers = append(r.closers, closer)
	}
	return nil
}

func (r *Registry) Lookup(id string) (Member, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.members[id]
	return m, ok
}

// Name falls back to the id for unregistered hospitals.
func (r *Registry) Name(id string) string {
	if m, ok := r.Lookup(id); ok {
		return m.Name
	}
	return id
}

// IDs returns hospital ids in registration order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Writable returns the hospital's store when the local process can write it.
func (r *Registry) Writable(id string) (WritableStore, bool) {
	m, ok := r.Lookup(id)
	if !ok {
		return nil, false
	}
	ws, ok := m.Store.(WritableStore)
	return ws, ok
}

func (r *Registry) Close() error {
	r.mu.Lock()
	closers := r.closers
	r.closers = nil
	r.mu.Unlock()

	var errs []error
	for _, c := range closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type OpenOptions struct {
	FetchTimeout   time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
}

// Open builds a store for every hospital in dir. Each hospital gets its own
// connection; nothing is pooled across hospitals.
func Open(dir Directory, opts OpenOptions) (*Registry, error) {
	reg := NewRegistry()
	for _, def := range dir.Hospitals {
		store, closer, err := openStore(def, opts)
		if err != nil {
			_ = reg.Close()
			return nil, fmt.Errorf("open hospital %s: %w", def.ID, err)
		}
		if err := reg.Register(def.ID, def.Name, store, closer); err != nil {
			_ = reg.Close()
			return nil, err
		}
		logger.Log.WithFields(map[string]interface{}{
			"hospital_id": def.ID,
			"kind":        def.Kind,
		}).Info("hospital registered")
	}
	return reg, nil
}

func openStore(def Definition, opts OpenOptions) (Store, func() error, error) {
	switch def.Kind {
	case KindLevelDB:
		store, err := OpenLevelStore(def.ID, def.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case KindPostgres:
		db, err := database.OpenPostgres(def.DSN)
		if err != nil {
			return nil, nil, err
		}
		store := NewSQLStore(def.ID, db)
		if err := store.AutoMigrate(); err != nil {
			_ = database.ClosePostgres(db)
			return nil, nil, err
		}
		return store, func() error { return database.ClosePostgres(db) }, nil
	case KindRemote:
		timeout := opts.FetchTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		remoteOpts := []RemoteOption{
			WithHTTPClient(httpclient.New(timeout)),
			WithRetry(opts.RetryAttempts, opts.RetryBaseDelay),
		}
		if def.OAuth != nil {
			remoteOpts = append(remoteOpts, WithClientCredentials(clientcredentials.Config{
				ClientID:     def.OAuth.ClientID,
				ClientSecret: def.OAuth.ClientSecret,
				TokenURL:     def.OAuth.TokenURL,
				Scopes:       def.OAuth.Scopes,
			}))
		} else {
			remoteOpts = append(remoteOpts, WithStaticToken(def.Token))
		}
		return NewRemoteStore(def.URL, remoteOpts...), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown kind %q", def.Kind)
	}
}
