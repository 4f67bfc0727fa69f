package registrar

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceWindow coalesces bursty filesystem events (an agent CLI
// tends to write a transcript in several small appends) into a single
// register/refresh call.
const debounceWindow = 2 * time.Second

// WatchOptions configures the auto-register watch loop.
type WatchOptions struct {
	ProjectID     string
	TranscriptDir string
}

// Watch is the optional auto-register mode: an fsnotify watch on the
// host's transcript directory that registers
// new *.jsonl files and refreshes changed ones, debounced so a
// transcript mid-write isn't registered half-formed. Blocks until ctx
// is cancelled.
func (r *Registrar) Watch(ctx context.Context, opts WatchOptions) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(opts.TranscriptDir); err != nil {
		return err
	}

	pending := map[string]*time.Timer{}
	fire := make(chan string, 16)
	defer func() {
		for _, t := range pending {
			t.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != ".jsonl" {
				continue
			}
			if !(ev.Op&(fsnotify.Create|fsnotify.Write) != 0) {
				continue
			}
			path := ev.Name
			if t, exists := pending[path]; exists {
				t.Stop()
			}
			pending[path] = time.AfterFunc(debounceWindow, func() {
				select {
				case fire <- path:
				case <-ctx.Done():
				}
			})

		case path := <-fire:
			delete(pending, path)
			r.onTranscriptSettled(ctx, opts.ProjectID, path)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			r.log.Warn("watch error", "error", err)
		}
	}
}

// onTranscriptSettled registers a newly-seen transcript or refreshes
// an already-registered one, logging and swallowing errors so one bad
// file doesn't kill the watch loop.
func (r *Registrar) onTranscriptSettled(ctx context.Context, projectID, path string) {
	sessionID := trimExt(filepath.Base(path))

	m, err := r.manifests.Load(projectID)
	if err != nil {
		r.log.Warn("watch: loading manifest failed", "error", err)
		return
	}

	if _, registered := m.Sessions[sessionID]; registered {
		if _, err := r.Refresh(ctx, projectID, sessionID); err != nil {
			r.log.Warn("watch: refresh failed", "sessionId", sessionID, "error", err)
		}
		return
	}

	if _, err := r.Register(ctx, projectID, sessionID, RegisterOptions{OriginalFilePath: path}); err != nil {
		r.log.Warn("watch: register failed", "sessionId", sessionID, "error", err)
	}
}
