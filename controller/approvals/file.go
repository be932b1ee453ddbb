package approvals

import (
	"context"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/workload-advisor/controller/feedback"
)

const (
	FileSourceName  = "file"
	defaultDebounce = 500 * time.Millisecond
)

// FileSource reads approval batches from a JSON file, optionally watching it for changes
type FileSource struct {
	path     string
	handler  Handler
	log      logrus.FieldLogger
	debounce time.Duration

	mu       sync.Mutex
	lastSeen [sha256.Size]byte
	seen     bool
}

// NewFileSource creates a source for the approval file at path
func NewFileSource(path string, handler Handler, log logrus.FieldLogger) *FileSource {
	return &FileSource{
		path:     path,
		handler:  handler,
		log:      log.WithFields(logrus.Fields{"component": "approval-file", "path": path}),
		debounce: defaultDebounce,
	}
}

// Process hands the file's batch to the handler. Content already processed is skipped
// so rewriting the same file does not record duplicate approvals; a nil result means skipped.
func (s *FileSource) Process(ctx context.Context) (*feedback.ApprovalResult, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read approval file: %w", err)
	}

	sum := sha256.Sum256(data)
	s.mu.Lock()
	if s.seen && sum == s.lastSeen {
		s.mu.Unlock()
		s.log.Debug("Approval file unchanged")
		return nil, nil
	}
	s.mu.Unlock()

	batch, err := Parse(data, FileSourceName)
	if err != nil {
		return nil, err
	}
	result, err := s.handler.Approve(ctx, batch)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.lastSeen, s.seen = sum, true
	s.mu.Unlock()
	return result, nil
}

// Watch processes the file once and again after every change until ctx is done.
// The directory is watched so editors that replace the file are noticed.
func (s *FileSource) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(s.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	s.log.Info("Watching approval file")

	if _, err := os.Stat(s.path); err == nil {
		s.processLogged(ctx)
	}

	var timer *time.Timer
	var fire <-chan time.Time
	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			// editors emit bursts of events per save
			if timer == nil {
				timer = time.NewTimer(s.debounce)
			} else {
				if !timer.Stop() {
					select {
					case <-timer.C:
					default:
					}
				}
				timer.Reset(s.debounce)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			if _, err := os.Stat(s.path); err != nil {
				s.log.Warn("Approval file removed")
				continue
			}
			s.processLogged(ctx)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.log.WithError(err).Error("File watcher error")
		}
	}
}

func (s *FileSource) processLogged(ctx context.Context) {
	result, err := s.Process(ctx)
	if err != nil {
		s.log.WithError(err).Error("Failed to process approval file")
		return
	}
	if result != nil {
		s.log.WithFields(logrus.Fields{
			"accepted": result.Accepted,
			"rejected": result.Rejected,
		}).Info("Processed approval file")
	}
}
