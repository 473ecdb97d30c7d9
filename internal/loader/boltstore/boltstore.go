// Package boltstore is a project backend persisting settings in a bbolt
// database, one CBOR-encoded record per project. Operations complete
// asynchronously on their own goroutine.
package boltstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.etcd.io/bbolt"

	"github.com/Tyrowin/gosession/internal/adapter"
	"github.com/Tyrowin/gosession/internal/config"
	"github.com/Tyrowin/gosession/internal/loader"
)

var bucketProjects = []byte("projects")

// Store is a bbolt-backed project backend.
type Store struct {
	db  *bbolt.DB
	log *slog.Logger
	enc cbor.EncMode
	dec cbor.DecMode
}

var (
	_ loader.ProjectLoader = (*Store)(nil)
	_ loader.ProjectLister = (*Store)(nil)
)

// Open opens or creates the database at path.
func Open(path string, log *slog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketProjects)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	dec, err := cbor.DecOptions{DefaultMapType: reflect.TypeOf(map[string]any(nil))}.DecMode()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("cbor decoder: %w", err)
	}

	return &Store{db: db, log: log, enc: enc, dec: dec}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Name identifies the backend in logs.
func (s *Store) Name() string { return config.LoaderBolt }

// Put stores the settings of project id, replacing any previous record.
func (s *Store) Put(id string, settings loader.Settings) error {
	data, err := s.enc.Marshal(settings)
	if err != nil {
		return fmt.Errorf("encode settings of %s: %w", id, err)
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketProjects).Put([]byte(id), data)
	})
}

// GetProjs lists every stored project.
func (s *Store) GetProjs(_ config.Config, done adapter.Done[[]string]) ([]string, bool, error) {
	go func() {
		ids := []string{}
		err := s.db.View(func(tx *bbolt.Tx) error {
			return tx.Bucket(bucketProjects).ForEach(func(k, _ []byte) error {
				ids = append(ids, string(k))
				return nil
			})
		})
		if err != nil {
			done(nil, fmt.Errorf("list projects: %w", err))
			return
		}
		done(ids, nil)
	}()
	return nil, true, nil
}

// LoadProj returns the stored settings of id. An unknown id is created from
// init when init is a JSON object; otherwise it does not exist.
func (s *Store) LoadProj(id string, init json.RawMessage, _ config.Config, done adapter.Done[loader.Settings]) (loader.Settings, bool, error) {
	go func() {
		settings, err := s.loadOrCreate(id, init)
		done(settings, err)
	}()
	return nil, true, nil
}

func (s *Store) loadOrCreate(id string, init json.RawMessage) (loader.Settings, error) {
	var settings loader.Settings
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketProjects)
		if data := b.Get([]byte(id)); data != nil {
			if err := s.dec.Unmarshal(data, &settings); err != nil {
				return fmt.Errorf("decode settings of %s: %w", id, err)
			}
			if settings == nil {
				settings = loader.Settings{}
			}
			return nil
		}

		if len(init) == 0 {
			return nil
		}
		var created loader.Settings
		if err := json.Unmarshal(init, &created); err != nil || created == nil {
			return fmt.Errorf("init payload of %s needs to be a JSON object", id)
		}
		data, err := s.enc.Marshal(created)
		if err != nil {
			return fmt.Errorf("encode settings of %s: %w", id, err)
		}
		if err := b.Put([]byte(id), data); err != nil {
			return err
		}
		s.log.Info("created project from init payload", "project", id)
		settings = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return settings, nil
}
