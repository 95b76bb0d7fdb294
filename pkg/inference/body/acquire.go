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

// Package body turns whatever storage the host used for a request body
// (memory, a spooled temp file, or both) into one contiguous snapshot.
package body

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/docker/go-units"
	"sigs.k8s.io/controller-runtime/pkg/log"

	logutil "sigs.k8s.io/inference-proxy/pkg/common/observability/logging"
	"sigs.k8s.io/inference-proxy/pkg/inference/types"
)

const (
	// MaxPreallocation caps the initial buffer so a lying Content-Length
	// cannot commit memory up front.
	MaxPreallocation = units.MiB
	// fileChunkSize is the size of each positional read from a spooled file.
	fileChunkSize = 64 * units.KiB
)

// FileRegion is a byte range of a spooled temporary file.
type FileRegion struct {
	Path   string
	Offset int64
	Length int64
}

// Segment is one piece of a request body. Exactly one of Data or File is set.
type Segment struct {
	Data []byte
	File *FileRegion
}

// Storage is the host's description of where a request body lives.
type Storage interface {
	// BodySegments returns the body segments in order. ok is false when the
	// host has no readable backing for the body.
	BodySegments() (segments []Segment, ok bool)
	// ContentLength is the declared body length, or -1 when unknown.
	ContentLength() int64
}

// Source records which kinds of storage a snapshot was assembled from.
type Source int

const (
	SourceMemory Source = iota
	SourceSpooledFile
	SourceMixed
)

func (s Source) String() string {
	switch s {
	case SourceSpooledFile:
		return "SpooledFile"
	case SourceMixed:
		return "Mixed"
	default:
		return "Memory"
	}
}

// Snapshot is an immutable copy of a request body.
type Snapshot struct {
	Bytes  []byte
	Source Source
	// Path and FileLength describe the spooled file when Source is not SourceMemory.
	Path       string
	FileLength int64
	// Truncated is set when a spooled file held fewer bytes than its descriptor claimed.
	Truncated bool
}

// Acquire copies the body described by storage into a snapshot. It fails with
// types.ErrBodyTooLarge as soon as the next segment would take the total past
// limit, before that segment is copied. A negative limit means unlimited.
func Acquire(ctx context.Context, storage Storage, limit int64) (*Snapshot, error) {
	logger := log.FromContext(ctx)

	segments, ok := storage.BodySegments()
	if !ok {
		return nil, types.ErrNoBackingFound
	}

	size := int64(MaxPreallocation)
	if cl := storage.ContentLength(); cl >= 0 && cl < size {
		size = cl
	}
	if limit >= 0 && limit < size {
		size = limit
	}

	snap := &Snapshot{Bytes: make([]byte, 0, size)}
	var sawMemory, sawFile bool
	files := map[string]*os.File{}
	defer func() {
		for _, f := range files {
			_ = f.Close()
		}
	}()

	for _, seg := range segments {
		total := int64(len(snap.Bytes))
		switch {
		case seg.File != nil:
			region := seg.File
			if limit >= 0 && total+region.Length > limit {
				return nil, fmt.Errorf("%w: %d bytes buffered, next file segment is %d bytes, limit %d", types.ErrBodyTooLarge, total, region.Length, limit)
			}
			sawFile = true
			snap.Path = region.Path
			f, ok := files[region.Path]
			if !ok {
				var err error
				if f, err = os.Open(region.Path); err != nil {
					return nil, fmt.Errorf("%w: %w", types.ErrBodyReadFailure, err)
				}
				files[region.Path] = f
			}
			n, err := readRegion(f, region, snap)
			snap.FileLength += n
			if err != nil {
				return nil, err
			}
			if n < region.Length {
				logger.V(logutil.DEFAULT).Info("Spooled body shorter than expected", "path", region.Path, "expected", region.Length, "read", n)
				snap.Truncated = true
			}
		default:
			if limit >= 0 && total+int64(len(seg.Data)) > limit {
				return nil, fmt.Errorf("%w: %d bytes buffered, next memory segment is %d bytes, limit %d", types.ErrBodyTooLarge, total, len(seg.Data), limit)
			}
			sawMemory = true
			snap.Bytes = append(snap.Bytes, seg.Data...)
		}
		if snap.Truncated {
			break
		}
	}

	switch {
	case sawMemory && sawFile:
		snap.Source = SourceMixed
	case sawFile:
		snap.Source = SourceSpooledFile
	default:
		snap.Source = SourceMemory
	}
	logger.V(logutil.TRACE).Info("Acquired request body", "bytes", len(snap.Bytes), "source", snap.Source, "truncated", snap.Truncated)
	return snap, nil
}

// readRegion appends the region to snap in fixed-size positional reads and
// returns how many bytes it read. A short file stops the read without error.
func readRegion(f *os.File, region *FileRegion, snap *Snapshot) (int64, error) {
	var read int64
	chunk := make([]byte, fileChunkSize)
	for read < region.Length {
		want := region.Length - read
		if want > fileChunkSize {
			want = fileChunkSize
		}
		n, err := f.ReadAt(chunk[:want], region.Offset+read)
		snap.Bytes = append(snap.Bytes, chunk[:n]...)
		read += int64(n)
		if errors.Is(err, io.EOF) {
			return read, nil
		}
		if err != nil {
			return read, fmt.Errorf("%w: %s at offset %d: %w", types.ErrBodyReadFailure, region.Path, region.Offset+read, err)
		}
	}
	return read, nil
}
