/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package body

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
)

// Spool buffers a request body the way a proxy host does: the first memLimit
// bytes stay in memory and the remainder is written to a temporary file.
// A Spool is not safe for concurrent use.
type Spool struct {
	dir      string
	memLimit int

	mem     []byte
	file    *os.File
	fileLen int64
	filled  bool
}

// NewSpool returns an empty spool. Temporary files are created in dir, or
// the system temp dir when dir is empty.
func NewSpool(dir string, memLimit int) *Spool {
	return &Spool{dir: dir, memLimit: memLimit}
}

// Fill drains r into the spool. It stops with ErrSpoolLimit once more
// than max bytes were read; a negative max means unlimited.
func (s *Spool) Fill(r io.Reader, max int64) (int64, error) {
	s.filled = true
	var total int64
	buf := make([]byte, 32<<10)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if max >= 0 && total > max {
				return total, ErrSpoolLimit
			}
			if werr := s.write(buf[:n]); werr != nil {
				return total, werr
			}
		}
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
	}
}

// ErrSpoolLimit is returned by Fill when the body exceeds the host limit.
var ErrSpoolLimit = errors.New("request body exceeds the proxy's client body limit")

func (s *Spool) write(p []byte) error {
	if room := s.memLimit - len(s.mem); room > 0 && s.file == nil {
		take := min(room, len(p))
		s.mem = append(s.mem, p[:take]...)
		p = p[take:]
	}
	if len(p) == 0 {
		return nil
	}
	if s.file == nil {
		f, err := os.CreateTemp(s.dir, "inference-proxy-body-*")
		if err != nil {
			return fmt.Errorf("failed to create body spool file: %w", err)
		}
		s.file = f
	}
	n, err := s.file.Write(p)
	s.fileLen += int64(n)
	return err
}

// Len returns the number of spooled bytes.
func (s *Spool) Len() int64 {
	return int64(len(s.mem)) + s.fileLen
}

// BodySegments implements the segment half of Storage. A spool that never
// read a body reports no backing.
func (s *Spool) BodySegments() ([]Segment, bool) {
	if !s.filled {
		return nil, false
	}
	var segs []Segment
	if len(s.mem) > 0 {
		segs = append(segs, Segment{Data: s.mem})
	}
	if s.file != nil {
		segs = append(segs, Segment{File: &FileRegion{Path: s.file.Name(), Length: s.fileLen}})
	}
	return segs, true
}

// Reader replays the spooled body from the start.
func (s *Spool) Reader() io.Reader {
	if s.file == nil {
		return bytes.NewReader(s.mem)
	}
	return io.MultiReader(bytes.NewReader(s.mem), io.NewSectionReader(s.file, 0, s.fileLen))
}

// Close removes the temporary file, if any.
func (s *Spool) Close() error {
	if s.file == nil {
		return nil
	}
	name := s.file.Name()
	err := s.file.Close()
	s.file = nil
	return errors.Join(err, os.Remove(name))
}
