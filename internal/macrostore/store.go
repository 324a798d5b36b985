// Package macrostore persists recorded macros as one JSON document per
// macro under a flat library directory. index.json lists the known macro
// ids; a macro file that exists without an index entry is invisible, which
// makes restores as simple as copying files in and re-adding the id.
package macrostore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"go.uber.org/zap"

	"github.com/slotheather55/webspark/api/schemas"
	"github.com/slotheather55/webspark/internal/config"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrNotFound reports a macro id with no stored document.
var ErrNotFound = errors.New("macro not found")

const indexFile = "index.json"

// index is the on-disk catalog. Order is insertion order; List sorts by
// recording time instead, so the file never needs rewriting on read.
type index struct {
	Macros []string `json:"macros"`
}

// Store is a macro library rooted at a single directory. All methods are
// safe for concurrent use; mutations serialize on one lock because the
// index is a single shared file.
type Store struct {
	dir     string
	logger  *zap.Logger
	history *history

	mu sync.Mutex
}

// New opens (creating if needed) the library directory. With history
// enabled the directory also becomes a git repository and every mutation
// is committed, so locator edits can be audited and reverted.
func New(cfg config.MacrosConfig, logger *zap.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("macro directory cannot be empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating macro directory: %w", err)
	}

	s := &Store{
		dir:    cfg.Dir,
		logger: logger.Named("macrostore"),
	}
	if cfg.HistoryEnabled {
		h, err := openHistory(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("enabling macro history: %w", err)
		}
		s.history = h
		s.logger.Info("Macro history enabled.", zap.String("dir", cfg.Dir))
	}
	return s, nil
}

// Dir returns the library directory.
func (s *Store) Dir() string {
	return s.dir
}

// Save writes the macro and registers it in the index. A macro without an
// id or creation time gets them assigned here, so callers can hand over
// freshly recorded macros as-is.
func (s *Store) Save(macro *schemas.Macro) error {
	if macro == nil {
		return errors.New("macro cannot be nil")
	}
	if macro.ID == "" {
		macro.ID = uuid.NewString()
	}
	if err := validateID(macro.ID); err != nil {
		return err
	}
	if macro.CreatedAt.IsZero() {
		macro.CreatedAt = time.Now().UTC()
	}

	data, err := schemas.EncodeMacro(macro)
	if err != nil {
		return fmt.Errorf("encoding macro %s: %w", macro.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(s.path(macro.ID), data, 0o644); err != nil {
		return fmt.Errorf("writing macro %s: %w", macro.ID, err)
	}
	if err := s.addToIndex(macro.ID); err != nil {
		return err
	}
	s.logger.Info("Macro saved.",
		zap.String("id", macro.ID),
		zap.String("name", macro.Name),
		zap.Int("actions", len(macro.Actions)))
	return s.commit(fmt.Sprintf("Save macro %s (%s)", macro.ID, macro.Name))
}

// Load returns the stored macro, or ErrNotFound.
func (s *Store) Load(id string) (*schemas.Macro, error) {
	if err := validateID(id); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("reading macro %s: %w", id, err)
	}
	macro, err := schemas.DecodeMacro(data)
	if err != nil {
		return nil, fmt.Errorf("macro %s: %w", id, err)
	}
	return macro, nil
}

// List returns every readable macro in the index, newest first. Index
// entries whose file is missing or corrupt are skipped with a warning
// rather than failing the whole listing.
func (s *Store) List() ([]*schemas.Macro, error) {
	s.mu.Lock()
	idx, err := s.readIndex()
	s.mu.Unlock()
	if err != nil {
		return nil, err
	}

	macros := make([]*schemas.Macro, 0, len(idx.Macros))
	for _, id := range idx.Macros {
		macro, err := s.Load(id)
		if err != nil {
			s.logger.Warn("Skipping unreadable macro.",
				zap.String("id", id), zap.Error(err))
			continue
		}
		macros = append(macros, macro)
	}
	sort.Slice(macros, func(i, j int) bool {
		return macros[i].CreatedAt.After(macros[j].CreatedAt)
	})
	return macros, nil
}

// Delete removes the macro document and its index entry. Deleting an
// unknown id returns ErrNotFound.
func (s *Store) Delete(id string) error {
	if err := validateID(id); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return fmt.Errorf("deleting macro %s: %w", id, err)
	}
	if err := s.removeFromIndex(id); err != nil {
		return err
	}
	s.logger.Info("Macro deleted.", zap.String("id", id))
	return s.commit(fmt.Sprintf("Delete macro %s", id))
}

// History returns the commit trail of one macro, newest first. It errors
// when history is disabled.
func (s *Store) History(id string) ([]Revision, error) {
	if s.history == nil {
		return nil, errors.New("macro history is not enabled")
	}
	if err := validateID(id); err != nil {
		return nil, err
	}
	return s.history.revisions(id + ".json")
}

func (s *Store) path(id string) string {
	return filepath.Join(s.dir, id+".json")
}

// validateID rejects ids that could escape the library directory. Stored
// ids are UUIDs, so anything with a path separator or relative component
// is hostile input, not a typo.
func validateID(id string) error {
	if id == "" {
		return errors.New("macro id cannot be empty")
	}
	if filepath.Base(id) != id || id == "." || id == ".." {
		return fmt.Errorf("invalid macro id %q", id)
	}
	return nil
}

func (s *Store) readIndex() (*index, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, indexFile))
	if err != nil {
		if os.IsNotExist(err) {
			return &index{}, nil
		}
		return nil, fmt.Errorf("reading macro index: %w", err)
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return nil, fmt.Errorf("decoding macro index: %w", err)
	}
	return &idx, nil
}

func (s *Store) writeIndex(idx *index) error {
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding macro index: %w", err)
	}
	if err := os.WriteFile(filepath.Join(s.dir, indexFile), data, 0o644); err != nil {
		return fmt.Errorf("writing macro index: %w", err)
	}
	return nil
}

func (s *Store) addToIndex(id string) error {
	idx, err := s.readIndex()
	if err != nil {
		return err
	}
	for _, existing := range idx.Macros {
		if existing == id {
			return nil
		}
	}
	idx.Macros = append(idx.Macros, id)
	return s.writeIndex(idx)
}

func (s *Store) removeFromIndex(id string) error {
	idx, err := s.readIndex()
	if err != nil {
		return err
	}
	kept := idx.Macros[:0]
	for _, existing := range idx.Macros {
		if existing != id {
			kept = append(kept, existing)
		}
	}
	idx.Macros = kept
	return s.writeIndex(idx)
}

func (s *Store) commit(message string) error {
	if s.history == nil {
		return nil
	}
	if err := s.history.commitAll(message); err != nil {
		// History is an audit aid; a failed commit must not lose the save
		// that already hit disk.
		s.logger.Warn("Macro history commit failed.", zap.Error(err))
	}
	return nil
}
