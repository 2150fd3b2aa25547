package flow

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// ErrFlowNotFound is returned when no flow document exists for a product key.
var ErrFlowNotFound = errors.New("flow not found")

// extensions are tried in order when locating a product's flow document.
var extensions = []struct {
	suffix string
	format Format
}{
	{".flow.json", FormatJSON},
	{".flow.yaml", FormatYAML},
	{".flow.yml", FormatYAML},
}

// Loader resolves product keys to compiled flow definitions. Each key is read and
// validated at most once per process; concurrent first loads share one read.
type Loader struct {
	dir   string
	mu    sync.RWMutex
	cache map[string]*Definition
	group singleflight.Group
}

// NewLoader creates a Loader reading flow documents from dir.
func NewLoader(dir string) *Loader {
	return &Loader{dir: dir, cache: make(map[string]*Definition)}
}

// Add places an already compiled definition in the cache.
func (l *Loader) Add(def *Definition) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cache[def.ProductKey] = def
}

// Load returns the definition for productKey, reading and validating it on first use.
func (l *Loader) Load(ctx context.Context, productKey string) (*Definition, error) {
	l.mu.RLock()
	def, ok := l.cache[productKey]
	l.mu.RUnlock()
	if ok {
		return def, nil
	}

	v, err, _ := l.group.Do(productKey, func() (interface{}, error) {
		l.mu.RLock()
		cached, ok := l.cache[productKey]
		l.mu.RUnlock()
		if ok {
			return cached, nil
		}
		def, err := l.read(ctx, productKey)
		if err != nil {
			return nil, err
		}
		l.Add(def)
		slog.Info("Loader.Load: flow loaded", "product", productKey, "states", len(def.States), "initial", def.Initial)
		return def, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Definition), nil
}

// Preload loads every key up front so validation failures surface at startup.
func (l *Loader) Preload(ctx context.Context, productKeys ...string) error {
	var errs []error
	for _, key := range productKeys {
		if _, err := l.Load(ctx, key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Keys lists the product keys with a flow document in the loader's directory, sorted.
func (l *Loader) Keys() ([]string, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, fmt.Errorf("read flow dir: %w", err)
	}
	seen := make(map[string]bool)
	var keys []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		for _, ext := range extensions {
			key, ok := strings.CutSuffix(e.Name(), ext.suffix)
			if ok && key != "" && !seen[key] {
				seen[key] = true
				keys = append(keys, key)
				break
			}
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (l *Loader) read(ctx context.Context, productKey string) (*Definition, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !productKeyRe.MatchString(productKey) {
		return nil, fmt.Errorf("invalid product key %q", productKey)
	}
	for _, ext := range extensions {
		path := filepath.Join(l.dir, productKey+ext.suffix)
		data, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read flow %s: %w", path, err)
		}
		def, err := Parse(data, ext.format)
		if err != nil {
			slog.Error("Loader.read: flow rejected", "product", productKey, "path", path, "error", err)
			return nil, err
		}
		if def.ProductKey != productKey {
			return nil, &FlowValidationError{
				ProductKey: productKey,
				Problems:   []string{fmt.Sprintf("file %s declares product_key %q", filepath.Base(path), def.ProductKey)},
			}
		}
		return def, nil
	}
	return nil, fmt.Errorf("%w: %q in %s", ErrFlowNotFound, productKey, l.dir)
}
