package task

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Source yields tasks in a stable order and returns io.EOF once exhausted.
type Source interface {
	Next(ctx context.Context) (Task, error)
}

// SliceSource yields a fixed list of tasks in order.
type SliceSource struct {
	mu    sync.Mutex
	tasks []Task
	pos   int
}

// NewSliceSource returns a source over payloads.
func NewSliceSource(payloads ...string) *SliceSource {
	tasks := make([]Task, 0, len(payloads))
	for _, p := range payloads {
		tasks = append(tasks, FromString(p))
	}
	return &SliceSource{tasks: tasks}
}

// Next implements Source.
func (s *SliceSource) Next(ctx context.Context) (Task, error) {
	if err := ctx.Err(); err != nil {
		return Task{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.tasks) {
		return Task{}, io.EOF
	}
	t := s.tasks[s.pos]
	s.pos++
	return t, nil
}

// CSVSource reads one task per CSV record, taking the first column. Blank
// records are skipped.
type CSVSource struct {
	reader *csv.Reader
	closer io.Closer
	line   int
}

// NewCSVSource reads records from r.
func NewCSVSource(r io.Reader) *CSVSource {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true
	return &CSVSource{reader: reader}
}

// OpenCSVFile opens path as a CSVSource. Close releases the file.
func OpenCSVFile(path string) (*CSVSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open task file: %w", err)
	}
	src := NewCSVSource(f)
	src.closer = f
	return src, nil
}

// Next implements Source.
func (s *CSVSource) Next(ctx context.Context) (Task, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Task{}, err
		}
		record, err := s.reader.Read()
		if errors.Is(err, io.EOF) {
			return Task{}, io.EOF
		}
		s.line++
		if err != nil {
			return Task{}, fmt.Errorf("read task record %d: %w", s.line, err)
		}
		if len(record) == 0 || strings.TrimSpace(record[0]) == "" {
			continue
		}
		return FromString(record[0]), nil
	}
}

// Close releases the underlying file, if any.
func (s *CSVSource) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
