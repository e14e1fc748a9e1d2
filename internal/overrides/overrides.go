// Package overrides loads the operator-maintained channel override file and
// reapplies it whenever the file changes.
package overrides

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

const DefaultDebounce = 250 * time.Millisecond

// File is the on-disk override document:
//
//	include_channels: ["123"]
//	exclude_channels: ["456"]
//	excluded_types: [voice, category]
//
// A missing excluded_types key leaves ExcludedTypes nil, which callers treat
// as "keep the configured types".
type File struct {
	IncludeChannels []string `yaml:"include_channels"`
	ExcludeChannels []string `yaml:"exclude_channels"`
	ExcludedTypes   []string `yaml:"excluded_types"`
}

func Load(path string) (File, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return File{}, err
	}
	return Parse(raw)
}

func Parse(raw []byte) (File, error) {
	var f File
	if len(bytes.TrimSpace(raw)) == 0 {
		return f, nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil {
		return File{}, fmt.Errorf("overrides: decode: %w", err)
	}
	f.IncludeChannels = clean(f.IncludeChannels)
	f.ExcludeChannels = clean(f.ExcludeChannels)
	if f.ExcludedTypes != nil {
		f.ExcludedTypes = clean(f.ExcludedTypes)
		for i, t := range f.ExcludedTypes {
			f.ExcludedTypes[i] = strings.ToLower(t)
		}
		if f.ExcludedTypes == nil {
			f.ExcludedTypes = []string{}
		}
	}
	return f, nil
}

func clean(in []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Watch calls apply with the parsed file after each burst of changes until
// ctx is done. An unreadable or invalid file is logged and skipped so the
// last good overrides stay in force.
func Watch(ctx context.Context, path string, debounce time.Duration, apply func(File)) error {
	if path == "" {
		return nil
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return fmt.Errorf("overrides: watch %s: %w", path, err)
	}

	go func() {
		defer w.Close()
		timer := time.NewTimer(0)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				// Editors that save by rename drop the watch on the old inode.
				if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
					if err := w.Add(ev.Name); err != nil {
						slog.Warn("overrides: watch re-add", "path", ev.Name, "err", err)
					}
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
					if !timer.Stop() {
						select {
						case <-timer.C:
						default:
						}
					}
					timer.Reset(debounce)
				}
			case <-timer.C:
				f, err := Load(path)
				if err != nil {
					slog.Error("overrides: reload failed", "path", path, "err", err)
					continue
				}
				slog.Info("overrides: reloaded", "path", path,
					"include", len(f.IncludeChannels), "exclude", len(f.ExcludeChannels))
				apply(f)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Error("overrides: watch error", "err", err)
			}
		}
	}()
	return nil
}
