// Package sink stores extracted cards
package sink

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/egcx/egcx/internal/card"
	"github.com/egcx/egcx/internal/history"
)

// Sink receives each extracted card exactly once
type Sink interface {
	Write(c *card.Card) error
}

// CSV appends one six-column row per card and flushes after every row so
// an interrupted run keeps what it extracted
type CSV struct {
	mu     sync.Mutex
	w      *csv.Writer
	closer io.Closer
	path   string
}

// FileName returns the default output name for a run started at t
func FileName(t time.Time) string {
	return fmt.Sprintf("cards_%s.csv", t.Format("01-02-2006_150405"))
}

// CreateCSV creates dir/name, creating dir as needed
func CreateCSV(dir, name string) (*CSV, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	path := filepath.Join(dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	s := NewCSV(f)
	s.closer = f
	s.path = path
	return s, nil
}

// NewCSV writes rows to w
func NewCSV(w io.Writer) *CSV {
	return &CSV{w: csv.NewWriter(w)}
}

// Path is the file being written, if any
func (s *CSV) Path() string { return s.path }

func (s *CSV) Write(c *card.Card) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.w.Write(c.Row()); err != nil {
		return fmt.Errorf("failed to write row: %w", err)
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *CSV) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.w.Flush()
	err := s.w.Error()
	if s.closer != nil {
		err = errors.Join(err, s.closer.Close())
	}
	return err
}

// History records cards in the run history store
type History struct {
	Store *history.Store
	RunID int64
}

func (h *History) Write(c *card.Card) error {
	return h.Store.AddCard(h.RunID, c)
}

// Multi writes to every sink and joins their errors
type Multi []Sink

func (m Multi) Write(c *card.Card) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(c); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Func adapts a function to Sink
type Func func(c *card.Card) error

func (f Func) Write(c *card.Card) error { return f(c) }
