package main

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const watchDebounce = 250 * time.Millisecond

// watchConfig calls onChange with the reparsed config whenever the file at
// path is written. The parent directory is watched so editors that replace
// the file are still seen. It returns when ctx is done.
func watchConfig(ctx context.Context, path string, log zerolog.Logger, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	dir, file := filepath.Dir(path), filepath.Base(path)
	if err := w.Add(dir); err != nil {
		return err
	}

	last, _ := loadConfigFile(path)

	// debounce to avoid partial writes
	var (
		timerMu sync.Mutex
		timer   *time.Timer
	)
	debounce := func() {
		timerMu.Lock()
		defer timerMu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		log.Debug().Str("path", path).Msg("config change detected; scheduling reload")
		timer = time.AfterFunc(watchDebounce, func() {
			if ctx.Err() != nil {
				return
			}
			cfg, err := loadConfigFile(path)
			if err != nil {
				log.Warn().Err(err).Str("path", path).Msg("config parse failed")
				return
			}
			timerMu.Lock()
			unchanged := reflect.DeepEqual(cfg, last)
			if !unchanged {
				last = cfg
			}
			timerMu.Unlock()
			if unchanged {
				log.Debug().Str("path", path).Msg("config unchanged; skipping reload")
				return
			}
			onChange(cfg)
		})
	}
	defer func() {
		timerMu.Lock()
		if timer != nil {
			timer.Stop()
		}
		timerMu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("watcher closed")
			}
			if filepath.Base(ev.Name) != file {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				debounce()
			}
		case err, ok := <-w.Errors:
			if !ok {
				return errors.New("watcher closed")
			}
			log.Warn().Err(err).Str("dir", dir).Msg("config watch error")
		}
	}
}
