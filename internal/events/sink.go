package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog"
)

// FileSink appends every dispatched event to a newline-delimited JSON log.
// It is intended for debug runs only; the file is advisory-locked so two
// concurrent debug sessions never interleave writes into the same log.
type FileSink struct {
	file   *os.File
	lock   *flock.Flock
	logger zerolog.Logger
}

// NewFileSink opens (creating if needed) an NDJSON event log under dir. The
// file name is derived from the startup timestamp.
func NewFileSink(dir string, logger zerolog.Logger) (*FileSink, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create event log dir: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("events_%s.jsonl", time.Now().Format("20060102_150405")))
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock event log: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("event log %s is locked by another process", path)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("open event log: %w", err)
	}

	return &FileSink{
		file:   file,
		lock:   lock,
		logger: logger.With().Str("component", "event-sink").Logger(),
	}, nil
}

// Handle writes one event as a JSON line. Errors are logged, never raised;
// the sink must not disturb dispatch.
func (s *FileSink) Handle(evt Event) {
	line, err := json.Marshal(evt)
	if err != nil {
		s.logger.Error().Err(err).Msg("marshal event")
		return
	}
	if _, err := s.file.Write(append(line, '\n')); err != nil {
		s.logger.Error().Err(err).Msg("write event log")
	}
}

// Close releases the log file and its lock.
func (s *FileSink) Close() error {
	err := s.file.Close()
	if uerr := s.lock.Unlock(); err == nil {
		err = uerr
	}
	return err
}

// Path returns the log file path.
func (s *FileSink) Path() string { return s.file.Name() }
