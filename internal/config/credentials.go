package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// Credentials stores the provider API key in a dotenv file under a fixed
// variable name.
type Credentials struct {
	path    string
	varName string
	log     *zap.Logger

	mu   sync.Mutex
	last string
}

func NewCredentials(path, varName string, log *zap.Logger) (*Credentials, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(abs); errors.Is(err, os.ErrNotExist) {
		f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", abs, err)
		}
		_ = f.Close()
		log.Info("created env file", zap.String("path", abs))
	}
	return &Credentials{path: abs, varName: varName, log: log}, nil
}

func (c *Credentials) Path() string { return c.path }

// Load returns the key from the env file, falling back to the process
// environment. An empty string means no key is configured.
func (c *Credentials) Load() (string, error) {
	values, err := godotenv.Read(c.path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", c.path, err)
	}
	key := values[c.varName]
	if key == "" {
		key = os.Getenv(c.varName)
	}

	c.mu.Lock()
	c.last = key
	c.mu.Unlock()
	return key, nil
}

// Save writes the key, keeping any other variables already in the file.
func (c *Credentials) Save(key string) error {
	values, err := godotenv.Read(c.path)
	if err != nil {
		values = map[string]string{}
	}
	values[c.varName] = key

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := godotenv.Write(values, c.path); err != nil {
		return fmt.Errorf("write %s: %w", c.path, err)
	}
	_ = os.Chmod(c.path, 0o600)
	c.last = key
	c.log.Info("api key saved", zap.String("path", c.path), zap.String("var", c.varName))
	return nil
}

// Watch calls onChange whenever the key in the file changes on disk. It
// returns once the watcher is running and stops when ctx is done.
func (c *Credentials) Watch(ctx context.Context, onChange func(key string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	// Editors replace files, so watch the directory rather than the file.
	if err := w.Add(filepath.Dir(c.path)); err != nil {
		_ = w.Close()
		return err
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != c.path {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
					continue
				}
				c.mu.Lock()
				prev := c.last
				c.mu.Unlock()

				key, err := c.Load()
				if err != nil {
					c.log.Warn("reload api key", zap.Error(err))
					continue
				}
				if key != prev {
					c.log.Info("api key changed on disk", zap.String("path", c.path))
					onChange(key)
				}
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				c.log.Warn("env file watcher", zap.Error(err))
			}
		}
	}()
	return nil
}
