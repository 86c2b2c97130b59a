package prefs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/sasha-s/go-deadlock"
	"gopkg.in/yaml.v3"
)

// FileStore keeps every preference in a single YAML document.
type FileStore string

// Writers within one process are serialized; the file itself is not locked.
var fileMutex deadlock.Mutex

func (f FileStore) read() (map[string]bool, error) {
	values := make(map[string]bool)

	data, err := os.ReadFile(string(f))
	if errors.Is(err, fs.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("could not parse %s: %w", string(f), err)
	}

	// An empty document decodes to nil
	if values == nil {
		values = make(map[string]bool)
	}
	return values, nil
}

func (f FileStore) GetBool(ctx context.Context, key string) (bool, error) {
	fileMutex.Lock()
	defer fileMutex.Unlock()

	values, err := f.read()
	if err != nil {
		return false, err
	}

	value, ok := values[key]
	if !ok {
		return false, ErrMissing
	}
	return value, nil
}

func (f FileStore) SetBool(ctx context.Context, key string, value bool) error {
	fileMutex.Lock()
	defer fileMutex.Unlock()

	values, err := f.read()
	if err != nil {
		return err
	}
	values[key] = value

	data, err := yaml.Marshal(values)
	if err != nil {
		return err
	}

	path := string(f)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

var _ Store = FileStore("")
