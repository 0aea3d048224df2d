// Package grantstore persists a capture grant between runs.
package grantstore

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/bluelightgit/roubao/permission"
)

const fileMode = 0o600

type record struct {
	Code    int       `yaml:"code"`
	Payload string    `yaml:"payload"` // base64
	Backend string    `yaml:"backend,omitempty"`
	SavedAt time.Time `yaml:"saved_at"`
}

// Load reads the grant at path. A missing file yields (zero, false, nil).
func Load(path string) (permission.Grant, bool, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return permission.Grant{}, false, nil
	}
	if err != nil {
		return permission.Grant{}, false, fmt.Errorf("read grant file: %w", err)
	}

	var rec record
	if err := yaml.Unmarshal(data, &rec); err != nil {
		return permission.Grant{}, false, fmt.Errorf("parse grant file %s: %w", path, err)
	}
	payload, err := base64.StdEncoding.DecodeString(rec.Payload)
	if err != nil {
		return permission.Grant{}, false, fmt.Errorf("decode grant payload: %w", err)
	}
	g := permission.Grant{Code: rec.Code, Payload: payload}
	return g, g.Valid(), nil
}

// Save atomically replaces path with g, readable by the owner only. backend
// records which capture backend issued the grant.
func Save(path string, g permission.Grant, backend string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create grant dir: %w", err)
	}
	data, err := yaml.Marshal(record{
		Code:    g.Code,
		Payload: base64.StdEncoding.EncodeToString(g.Payload),
		Backend: backend,
		SavedAt: time.Now().UTC().Truncate(time.Second),
	})
	if err != nil {
		return fmt.Errorf("encode grant: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".grant-*")
	if err != nil {
		return fmt.Errorf("create temp grant file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod grant file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write grant file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close grant file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace grant file: %w", err)
	}
	return nil
}

// Delete removes the grant at path. A missing file is not an error.
func Delete(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove grant file: %w", err)
	}
	return nil
}
