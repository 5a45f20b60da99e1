// Package store persists task records in a BadgerDB instance living inside the working directory.
// A store is opened by exactly one invocation at a time: badger's directory lock makes a second
// writer fail instead of corrupting state.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"dagrunner/internal/models"
	"github.com/dgraph-io/badger/v3"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"
)

const (
	// StopFileName is the operator placed marker that blocks any further mutation
	StopFileName = "STOP"
	// DirName is the sub-directory of the working directory that holds badger's files
	DirName = "store"

	taskPrefix  = "task/"
	baseDirKey  = "meta/basedir"
	manifestKey = "MANIFEST"
)

// ErrStopScan can be returned from a Scan callback to end the iteration early without an error
var ErrStopScan = errors.New("stop scan")

// Options controls how the store is opened
type Options struct {
	Create   bool // create the backing files if they do not exist yet
	ReadOnly bool
}

type Store struct {
	db       *badger.DB
	workDir  string
	readOnly bool
}

// Open opens the store of the working directory. It fails with models.ErrStoreUnavailable if the
// directory is unusable, the STOP file is present, the backing files are absent and may not be
// created, or another process holds the store.
func Open(workDir string, opts Options) (*Store, error) {
	if err := CheckWorkDir(workDir); err != nil {
		return nil, err
	}

	if stopFileExists(workDir) {
		return nil, fmt.Errorf("%w: stop file %s was detected", models.ErrStoreUnavailable, filepath.Join(workDir, StopFileName))
	}

	dir := filepath.Join(workDir, DirName)
	if !opts.Create {
		if _, err := os.Stat(filepath.Join(dir, manifestKey)); err != nil {
			return nil, fmt.Errorf("%w: no store in %s, run build first", models.ErrStoreUnavailable, workDir)
		}
	}

	log.Debug().
		Str("dir", dir).
		Bool("create", opts.Create).
		Bool("read_only", opts.ReadOnly).
		Msg("Opening task store")

	badgerOpts := badger.DefaultOptions(dir).
		WithSyncWrites(true).
		WithReadOnly(opts.ReadOnly).
		WithLogger(&badgerLogger{})

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("%w: could not open %s: %w", models.ErrStoreUnavailable, dir, err)
	}

	return &Store{db: db, workDir: workDir, readOnly: opts.ReadOnly}, nil
}

// CheckWorkDir verifies that the working directory is an existing absolute directory
func CheckWorkDir(workDir string) error {
	if workDir == "" {
		return fmt.Errorf("%w: working directory undefined", models.ErrStoreUnavailable)
	}
	if !filepath.IsAbs(workDir) {
		return fmt.Errorf("%w: working directory must be absolute: %s", models.ErrStoreUnavailable, workDir)
	}

	fi, err := os.Stat(workDir)
	if err != nil {
		return fmt.Errorf("%w: working directory doesn't exist: %s", models.ErrStoreUnavailable, workDir)
	}
	if !fi.IsDir() {
		return fmt.Errorf("%w: working directory is not a directory: %s", models.ErrStoreUnavailable, workDir)
	}
	return nil
}

func stopFileExists(workDir string) bool {
	_, err := os.Stat(filepath.Join(workDir, StopFileName))
	return err == nil
}

// WorkDir returns the working directory the store was opened in
func (s *Store) WorkDir() string {
	return s.workDir
}

// StopRequested reports whether the STOP file has appeared since the store was opened
func (s *Store) StopRequested() bool {
	return stopFileExists(s.workDir)
}

// Get fetches a single task. It returns models.ErrNotFound if there is no task with that name.
func (s *Store) Get(name string) (*models.Task, error) {
	var task models.Task
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(taskPrefix + name))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &task)
		})
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %q", models.ErrNotFound, name)
	} else if err != nil {
		return nil, fmt.Errorf("could not read task %q: %w", name, err)
	}
	return &task, nil
}

// Put writes the task, replacing any previous record with the same name
func (s *Store) Put(task *models.Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("could not encode task %q: %w", task.Name, err)
	}

	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(taskPrefix+task.Name), data)
	})
	if err != nil {
		return fmt.Errorf("could not write task %q: %w", task.Name, err)
	}
	return nil
}

// Scan calls fn once for every task, in key order. Records are decoded one at a time. The callback may
// Put the task it is given. Returning ErrStopScan ends the scan without an error, any other error
// ends it and is returned.
func (s *Store) Scan(fn func(task *models.Task) error) error {
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(taskPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()

			var task models.Task
			if err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &task)
			}); err != nil {
				return fmt.Errorf("could not decode %s: %w", item.Key(), err)
			}

			if err := fn(&task); err != nil {
				return err
			}
		}
		return nil
	})

	if errors.Is(err, ErrStopScan) {
		return nil
	}
	return err
}

// BaseDir returns the directory against which target names and scripts are resolved
func (s *Store) BaseDir() (string, error) {
	var baseDir string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(baseDirKey))
		if err != nil {
			return err
		}
		val, err := item.ValueCopy(nil)
		baseDir = string(val)
		return err
	})

	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", fmt.Errorf("%w: base directory was never recorded", models.ErrInconsistent)
	}
	return baseDir, err
}

// SetBaseDir records the base directory. It is written once by build.
func (s *Store) SetBaseDir(dir string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(baseDirKey), []byte(dir))
	})
}

// Close flushes and releases the store. It must be called once for every successful Open.
func (s *Store) Close() error {
	if !s.readOnly {
		// one pass is enough for a store this size, ErrNoRewrite just means nothing to reclaim
		if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
			log.Debug().Err(err).Msg("Value log GC skipped")
		}
	}
	return s.db.Close()
}
