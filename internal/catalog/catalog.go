// Package catalog loads challenge metadata from the challenges directory
// and resolves challenge ids to their on-disk directories.
//
// A challenge directory looks like:
//
//	<root>/<dir>/
//	  challenge.yaml    metadata (id, title, points, ...)
//	  validate.sh       required; decides success by exit code
//	  setup.sh          optional; run once after container start
package catalog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"gopkg.in/yaml.v3"
)

var ErrChallengeNotFound = errors.New("challenge not found")

// Challenge is the metadata parsed from challenge.yaml.
type Challenge struct {
	ID          uint   `yaml:"id" json:"id"`
	Title       string `yaml:"title" json:"title"`
	Description string `yaml:"description" json:"description"`
	Difficulty  string `yaml:"difficulty" json:"difficulty"`
	Points      int    `yaml:"points" json:"points"`

	dir string
}

// Dir returns the absolute directory holding the challenge's scripts.
func (c *Challenge) Dir() string { return c.dir }

// Catalog is an immutable, load-once index of challenges.
type Catalog struct {
	byID map[uint]*Challenge
}

// Load scans root for challenge directories. Directories without a
// challenge.yaml are skipped; a challenge without validate.sh is an error,
// since sessions for it could never be validated.
func Load(root string) (*Catalog, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve challenges root: %w", err)
	}

	entries, err := os.ReadDir(absRoot)
	if err != nil {
		return nil, fmt.Errorf("read challenges root %s: %w", absRoot, err)
	}

	cat := &Catalog{byID: make(map[uint]*Challenge)}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(absRoot, entry.Name())

		metaPath := filepath.Join(dir, "challenge.yaml")
		raw, err := os.ReadFile(metaPath)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("read %s: %w", metaPath, err)
		}

		var ch Challenge
		if err := yaml.Unmarshal(raw, &ch); err != nil {
			return nil, fmt.Errorf("parse %s: %w", metaPath, err)
		}
		if ch.ID == 0 {
			return nil, fmt.Errorf("%s: challenge id must be set and non-zero", metaPath)
		}
		if _, err := os.Stat(filepath.Join(dir, "validate.sh")); err != nil {
			return nil, fmt.Errorf("challenge %d (%s): validate.sh missing: %w", ch.ID, entry.Name(), err)
		}
		if prev, dup := cat.byID[ch.ID]; dup {
			return nil, fmt.Errorf("challenge id %d declared in both %s and %s", ch.ID, prev.dir, dir)
		}

		ch.dir = dir
		cat.byID[ch.ID] = &ch
	}

	return cat, nil
}

// Get returns a challenge by id.
func (c *Catalog) Get(id uint) (*Challenge, error) {
	ch, ok := c.byID[id]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	return ch, nil
}

// Dir resolves a challenge id to its absolute directory.
func (c *Catalog) Dir(id uint) (string, error) {
	ch, err := c.Get(id)
	if err != nil {
		return "", err
	}
	return ch.dir, nil
}

// List returns all challenges ordered by id.
func (c *Catalog) List() []*Challenge {
	out := make([]*Challenge, 0, len(c.byID))
	for _, ch := range c.byID {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// HasSetup reports whether the challenge ships a setup.sh.
func (c *Catalog) HasSetup(id uint) bool {
	ch, ok := c.byID[id]
	if !ok {
		return false
	}
	_, err := os.Stat(filepath.Join(ch.dir, "setup.sh"))
	return err == nil
}
