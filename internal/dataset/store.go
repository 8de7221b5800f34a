// Package dataset persists finished samples into session directories and
// supplies them back for replay runs. Samples are stored as codec frames in
// rotating partition files, so the on-disk format is the wire format.
package dataset

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/simfleet/simfleet/internal/codec"
)

// ErrExhausted is returned by LoadNext once every stored sample has been
// read.
var ErrExhausted = errors.New("dataset: session exhausted")

const (
	metadataFile = "metadata.json"
	wrongDir     = "wrong"

	// DefaultPartitionSize is the sample count per partition file.
	DefaultPartitionSize = 1024
)

// SessionMeta describes one recorded session.
type SessionMeta struct {
	ID         string    `json:"id"`
	Created    time.Time `json:"created"`
	System     string    `json:"system"`
	Samples    int       `json:"samples"`
	Wrong      int       `json:"wrong"`
	Partitions int       `json:"partitions"`
}

// Store writes samples for a single session. Not safe for concurrent use;
// the manager feeds it from one loop.
type Store struct {
	dir           string
	meta          SessionMeta
	partitionSize int

	part  *os.File
	w     *bufio.Writer
	count int

	wrong *os.File
	ww    *bufio.Writer
}

// Create opens a new session under baseDir.
func Create(baseDir, system string) (*Store, error) {
	id := fmt.Sprintf("%s_%s", system, uuid.NewString()[:8])
	dir := filepath.Join(baseDir, id)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Store{
		dir: dir,
		meta: SessionMeta{
			ID:      id,
			Created: time.Now(),
			System:  system,
		},
		partitionSize: DefaultPartitionSize,
	}, nil
}

// SetPartitionSize overrides the samples-per-partition rotation threshold.
func (s *Store) SetPartitionSize(n int) {
	if n > 0 {
		s.partitionSize = n
	}
}

func (s *Store) ID() string  { return s.meta.ID }
func (s *Store) Dir() string { return s.dir }

func partitionName(idx int) string {
	return fmt.Sprintf("samples_%03d.bin", idx)
}

// Store appends one sample to the current partition, rotating when full.
func (s *Store) Store(fields *codec.Record) error {
	if s.part != nil && s.count%s.partitionSize == 0 {
		if err := s.closePartition(); err != nil {
			return err
		}
	}
	if s.part == nil {
		f, err := os.Create(filepath.Join(s.dir, partitionName(s.meta.Partitions)))
		if err != nil {
			return err
		}
		s.part = f
		s.w = bufio.NewWriter(f)
		s.meta.Partitions++
	}

	frame, err := codec.Encode(codec.Rec(fields))
	if err != nil {
		return err
	}
	if err := codec.WriteFrame(s.w, frame); err != nil {
		return err
	}
	s.count++
	s.meta.Samples++
	return nil
}

// StoreWrong records an invalid sample in the session's wrong-sample sink.
func (s *Store) StoreWrong(fields *codec.Record) error {
	if s.wrong == nil {
		if err := os.MkdirAll(filepath.Join(s.dir, wrongDir), 0755); err != nil {
			return err
		}
		f, err := os.Create(filepath.Join(s.dir, wrongDir, "samples.bin"))
		if err != nil {
			return err
		}
		s.wrong = f
		s.ww = bufio.NewWriter(f)
	}
	frame, err := codec.Encode(codec.Rec(fields))
	if err != nil {
		return err
	}
	if err := codec.WriteFrame(s.ww, frame); err != nil {
		return err
	}
	s.meta.Wrong++
	return nil
}

func (s *Store) closePartition() error {
	if s.part == nil {
		return nil
	}
	if err := s.w.Flush(); err != nil {
		return err
	}
	if err := s.part.Close(); err != nil {
		return err
	}
	s.part = nil
	s.w = nil
	s.count = 0
	return nil
}

// Close flushes partitions and writes the session metadata.
func (s *Store) Close() error {
	if err := s.closePartition(); err != nil {
		return err
	}
	if s.wrong != nil {
		if err := s.ww.Flush(); err != nil {
			return err
		}
		if err := s.wrong.Close(); err != nil {
			return err
		}
		s.wrong = nil
	}
	data, err := json.MarshalIndent(s.meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, metadataFile), data, 0644)
}

// Reader streams samples back out of a recorded session in storage order.
type Reader struct {
	dir  string
	meta SessionMeta

	partIdx int
	part    *os.File
	r       *bufio.Reader
}

// Open opens a session for replay.
func Open(baseDir, id string) (*Reader, error) {
	dir := filepath.Join(baseDir, id)
	data, err := os.ReadFile(filepath.Join(dir, metadataFile))
	if err != nil {
		return nil, err
	}
	var meta SessionMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("dataset: session %s: %w", id, err)
	}
	return &Reader{dir: dir, meta: meta}, nil
}

func (r *Reader) Meta() SessionMeta { return r.meta }

// LoadNext returns the next stored sample, or ErrExhausted.
func (r *Reader) LoadNext() (*codec.Record, error) {
	for {
		if r.part == nil {
			if r.partIdx >= r.meta.Partitions {
				return nil, ErrExhausted
			}
			f, err := os.Open(filepath.Join(r.dir, partitionName(r.partIdx)))
			if err != nil {
				return nil, err
			}
			r.part = f
			r.r = bufio.NewReader(f)
			r.partIdx++
		}

		frame, err := codec.ReadFrame(r.r)
		if errors.Is(err, io.EOF) {
			if cerr := r.part.Close(); cerr != nil {
				return nil, cerr
			}
			r.part = nil
			continue
		}
		if err != nil {
			return nil, err
		}
		v, err := codec.Decode(frame)
		if err != nil {
			return nil, err
		}
		if v.Kind() != codec.KindRecord {
			return nil, fmt.Errorf("dataset: partition holds %s, want record", v.Kind())
		}
		return v.Record(), nil
	}
}

func (r *Reader) Close() error {
	if r.part != nil {
		return r.part.Close()
	}
	return nil
}

// List returns the metadata of every session under baseDir, newest first.
func List(baseDir string) ([]SessionMeta, error) {
	entries, err := os.ReadDir(baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return []SessionMeta{}, nil
		}
		return nil, err
	}

	sessions := make([]SessionMeta, 0)
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(baseDir, entry.Name(), metadataFile))
		if err != nil {
			continue
		}
		var meta SessionMeta
		if err := json.Unmarshal(data, &meta); err != nil {
			continue
		}
		sessions = append(sessions, meta)
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Created.After(sessions[j].Created)
	})
	return sessions, nil
}
