package config

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"

	"github.com/phuetz/code-buddy-sub007/internal/storage"
)

var envPattern = regexp.MustCompile(`\{env:([^}]+)\}`)

// IsYAML reports whether path names a YAML document.
func IsYAML(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}

// Load reads the document at path into v. It reports false, with no error,
// when the document does not exist. JSON documents may carry comments and
// trailing commas; YAML documents are accepted by extension. Both support
// {env:VAR} placeholders.
func Load(store *storage.Storage, path string, v any) (bool, error) {
	data, err := store.Read(path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	if err := Decode(path, data, v); err != nil {
		return true, fmt.Errorf("%s: %w", path, err)
	}
	return true, nil
}

// Decode decodes data into v according to the extension of path.
func Decode(path string, data []byte, v any) error {
	data = interpolate(data)

	if IsYAML(path) {
		var doc any
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("invalid yaml: %w", err)
		}
		if doc == nil {
			return nil
		}
		// Round-trip through JSON so the json struct tags apply.
		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("invalid yaml: %w", err)
		}
		data = raw
	} else {
		data = jsonc.ToJSON(data)
		if len(strings.TrimSpace(string(data))) == 0 {
			return nil
		}
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("invalid document: %w", err)
	}
	return nil
}

// Encode encodes v according to the extension of path.
func Encode(path string, v any) ([]byte, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	if !IsYAML(path) {
		return append(data, '\n'), nil
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return yaml.Marshal(doc)
}

// Save encodes v and writes it atomically to path.
func Save(ctx context.Context, store *storage.Storage, path string, v any) error {
	data, err := Encode(path, v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return store.WriteFile(ctx, path, data)
}

// interpolate expands {env:VAR_NAME} placeholders.
func interpolate(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}
