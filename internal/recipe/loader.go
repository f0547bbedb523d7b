package recipe

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadDir reads every *.json file in dir and decodes the recipes it
// contains. One file may hold one or more recipe objects keyed by tool
// ID. Unknown keys anywhere in a recipe are rejected: the schema is
// strict so a typo fails loudly at startup instead of silently dropping
// a field.
//
// A missing directory is not an error; it returns an empty slice so the
// embedded catalog still serves.
func LoadDir(dir string) ([]*Recipe, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read recipe directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var recipes []*Recipe
	for _, name := range names {
		path := filepath.Join(dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		fileRecipes, err := ParseCatalog(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		recipes = append(recipes, fileRecipes...)
	}
	return recipes, nil
}

// ParseCatalog decodes a catalog document: a JSON object mapping tool
// IDs to recipe objects. Decoding is strict.
func ParseCatalog(data []byte) ([]*Recipe, error) {
	var byID map[string]json.RawMessage
	if err := json.Unmarshal(data, &byID); err != nil {
		return nil, fmt.Errorf("invalid catalog document: %w", err)
	}

	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	recipes := make([]*Recipe, 0, len(ids))
	for _, id := range ids {
		r, err := parseRecipe(byID[id])
		if err != nil {
			return nil, fmt.Errorf("recipe %q: %w", id, err)
		}
		r.ID = id
		recipes = append(recipes, r)
	}
	return recipes, nil
}

func parseRecipe(raw json.RawMessage) (*Recipe, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()

	var r Recipe
	if err := dec.Decode(&r); err != nil {
		return nil, err
	}
	return &r, nil
}
