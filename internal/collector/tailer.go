package collector

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

var errRotated = errors.New("file rotated or truncated")

// TailOptions controls how a JSON-lines file is followed
type TailOptions struct {
	// StartAtEnd skips what is already in the file on the first open
	StartAtEnd bool
	// PollInterval is the fallback wake-up when no fs event arrives
	PollInterval time.Duration
}

// Tail follows path line by line until ctx ends, reopening it after
// rotation or truncation. A missing file is waited for. Writes wake the
// reader through fsnotify; polling covers filesystems without events.
func Tail(ctx context.Context, logger *zap.Logger, path string, opt TailOptions, onLine func([]byte) error) error {
	if opt.PollInterval <= 0 {
		opt.PollInterval = 500 * time.Millisecond
	}

	wake := make(chan struct{}, 1)
	if w, err := fsnotify.NewWatcher(); err != nil {
		logger.Warn("fsnotify unavailable, polling only", zap.String("path", path), zap.Error(err))
	} else {
		defer w.Close()
		if err := w.Add(filepath.Dir(path)); err != nil {
			logger.Warn("Cannot watch directory, polling only", zap.String("path", path), zap.Error(err))
		} else {
			go forwardEvents(ctx, logger, w, filepath.Clean(path), wake)
		}
	}

	t := &tailer{path: path, opt: opt, wake: wake, onLine: onLine, logger: logger}
	startAtEnd := opt.StartAtEnd
	for {
		err := t.follow(ctx, startAtEnd)
		if ctx.Err() != nil {
			return nil
		}
		switch {
		case errors.Is(err, errRotated):
			logger.Info("Reopening rotated file", zap.String("path", path))
			// a rotated-in file is read from its start
			startAtEnd = false
			continue
		case errors.Is(err, os.ErrNotExist):
			// first open of a file that does not exist yet sees all of it
			startAtEnd = false
		case err != nil:
			logger.Warn("Tailer error, will reopen", zap.String("path", path), zap.Error(err))
		}
		if !t.sleep(ctx) {
			return nil
		}
	}
}

func forwardEvents(ctx context.Context, logger *zap.Logger, w *fsnotify.Watcher, path string, wake chan<- struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			select {
			case wake <- struct{}{}:
			default:
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			logger.Debug("fsnotify error", zap.String("path", path), zap.Error(err))
		}
	}
}

type tailer struct {
	path   string
	opt    TailOptions
	wake   chan struct{}
	onLine func([]byte) error
	logger *zap.Logger
}

// sleep waits for a write notification or the poll interval
func (t *tailer) sleep(ctx context.Context) bool {
	timer := time.NewTimer(t.opt.PollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.wake:
	case <-timer.C:
	}
	return true
}

func (t *tailer) follow(ctx context.Context, startAtEnd bool) error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	defer f.Close()

	opened, err := f.Stat()
	if err != nil {
		return err
	}

	var offset int64
	if startAtEnd {
		if offset, err = f.Seek(0, io.SeekEnd); err != nil {
			return err
		}
	}

	reader := bufio.NewReaderSize(f, 256*1024)
	var partial []byte

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		chunk, err := reader.ReadBytes('\n')
		offset += int64(len(chunk))

		if errors.Is(err, io.EOF) {
			// keep an unterminated tail until the writer finishes the line
			partial = append(partial, chunk...)

			current, statErr := os.Stat(t.path)
			switch {
			case statErr != nil && errors.Is(statErr, os.ErrNotExist):
				// renamed away and not yet replaced: keep reading the old handle
			case statErr != nil:
				return statErr
			case !os.SameFile(opened, current):
				t.flush(partial)
				return errRotated
			case current.Size() < offset:
				return errRotated
			}

			if !t.sleep(ctx) {
				return ctx.Err()
			}
			continue
		}
		if err != nil {
			return err
		}

		if len(partial) > 0 {
			chunk = append(partial, chunk...)
			partial = nil
		}
		t.emit(chunk)
	}
}

func (t *tailer) flush(partial []byte) {
	if len(bytes.TrimSpace(partial)) > 0 {
		t.emit(partial)
	}
}

func (t *tailer) emit(line []byte) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return
	}
	if err := t.onLine(line); err != nil {
		t.logger.Debug("Line handler error", zap.String("path", t.path), zap.Error(err))
	}
}
