package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"

	"peerprep/internal/logging"
	"peerprep/pkg/types"
)

// debounceDelay waits for a burst of writes to settle before reloading
const debounceDelay = 250 * time.Millisecond

var (
	// ErrDuplicateQuestion is returned when two questions share an id
	ErrDuplicateQuestion = errors.New("duplicate question id")
	// ErrDuplicateUser is returned when two users share an id
	ErrDuplicateUser = errors.New("duplicate user id")
)

// File is the on-disk catalog layout
type File struct {
	Questions []types.Question `yaml:"questions"`
	Users     []types.User     `yaml:"users"`
}

// snapshot is an immutable view swapped in whole on reload
type snapshot struct {
	questions []types.Question
	users     map[string]types.User
}

// Catalog is the read-only replica of the question bank and the user account
// service. It implements interfaces.QuestionBank and interfaces.UserDirectory.
type Catalog struct {
	path    string
	log     logr.Logger
	current atomic.Pointer[snapshot]
}

// Load reads the catalog file at path
func Load(path string, log logr.Logger) (*Catalog, error) {
	c := &Catalog{path: path, log: log.WithName("catalog").WithValues("path", path)}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Parse builds a catalog from YAML bytes
func Parse(data []byte, log logr.Logger) (*Catalog, error) {
	snap, err := parse(data)
	if err != nil {
		return nil, err
	}
	c := &Catalog{log: log.WithName("catalog")}
	c.current.Store(snap)
	return c, nil
}

func parse(data []byte) (*snapshot, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}

	snap := &snapshot{users: make(map[string]types.User, len(f.Users))}
	seen := make(map[string]bool, len(f.Questions))
	for _, q := range f.Questions {
		if q.ID == "" {
			return nil, fmt.Errorf("question %q has no question_id", q.Title)
		}
		if seen[q.ID] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateQuestion, q.ID)
		}
		if !types.IsValidComplexity(q.Complexity) || !types.IsValidCategory(q.Category) {
			return nil, fmt.Errorf("question %s has invalid category %q or complexity %q", q.ID, q.Category, q.Complexity)
		}
		seen[q.ID] = true
		snap.questions = append(snap.questions, q)
	}
	// FUNCTIONAL DISCOVERY: Stable order keeps question draws reproducible for a fixed matching seed
	sort.Slice(snap.questions, func(i, j int) bool { return snap.questions[i].ID < snap.questions[j].ID })

	for _, u := range f.Users {
		if !types.IsValidUserID(u.ID) {
			return nil, fmt.Errorf("invalid user id %q", u.ID)
		}
		if _, dup := snap.users[u.ID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateUser, u.ID)
		}
		if u.Username == "" {
			u.Username = u.ID
		}
		snap.users[u.ID] = u
	}
	return snap, nil
}

// Reload re-reads the catalog file. A file that fails to parse leaves the
// previous contents in place.
func (c *Catalog) Reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read catalog: %w", err)
	}
	snap, err := parse(data)
	if err != nil {
		return err
	}
	c.current.Store(snap)
	c.log.Info("Catalog loaded", "questions", len(snap.questions), "users", len(snap.users))
	return nil
}

// GetAllQuestions returns every question matching the filter
func (c *Catalog) GetAllQuestions(_ context.Context, filter types.QuestionFilter) ([]types.Question, error) {
	var out []types.Question
	for _, q := range c.current.Load().questions {
		if filter.Matches(q) {
			out = append(out, q)
		}
	}
	return out, nil
}

// GetUser returns the user with userID
func (c *Catalog) GetUser(_ context.Context, userID string) (*types.User, error) {
	u, ok := c.current.Load().users[userID]
	if !ok {
		return nil, types.ErrUserNotFound
	}
	return &u, nil
}

// Counts reports the number of questions and users currently loaded
func (c *Catalog) Counts() (questions, users int) {
	snap := c.current.Load()
	return len(snap.questions), len(snap.users)
}

// Watch reloads the catalog whenever its file changes until ctx is cancelled.
// ARCHITECTURAL DISCOVERY: The parent directory is watched rather than the file
// because editors and config management replace files by rename.
func (c *Catalog) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create catalog watcher: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to watch %q: %w", dir, err)
	}

	go func() {
		defer w.Close()

		name := filepath.Clean(c.path)
		var debounceTimer *time.Timer
		for {
			select {
			case ev := <-w.Events:
				if filepath.Clean(ev.Name) != name || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				c.log.V(logging.TRACE).Info("Catalog changed", "event", ev.String())

				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.AfterFunc(debounceDelay, func() {
					if err := c.Reload(); err != nil {
						c.log.Error(err, "Failed to reload catalog, keeping previous contents")
					}
				})

			case err := <-w.Errors:
				if err != nil {
					c.log.Error(err, "Catalog watcher failed")
				}

			case <-ctx.Done():
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				return
			}
		}
	}()
	return nil
}
