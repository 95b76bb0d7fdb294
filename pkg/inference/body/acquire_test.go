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
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logutil "sigs.k8s.io/inference-proxy/pkg/common/observability/logging"
	"sigs.k8s.io/inference-proxy/pkg/inference/types"
)

type fakeStorage struct {
	segments      []Segment
	noBacking     bool
	contentLength int64
}

func (f *fakeStorage) BodySegments() ([]Segment, bool) {
	return f.segments, !f.noBacking
}

func (f *fakeStorage) ContentLength() int64 {
	return f.contentLength
}

func writeFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "body")
	require.NoError(t, os.WriteFile(path, content, 0o600))
	return path
}

func TestAcquire(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	big := bytes.Repeat([]byte("a"), 3*fileChunkSize+17)
	bigPath := writeFile(t, big)
	mixedPath := writeFile(t, []byte(`xx"prompt":"hi"}`))
	shortPath := writeFile(t, []byte("short"))

	tests := []struct {
		name          string
		storage       *fakeStorage
		limit         int64
		wantBytes     []byte
		wantSource    Source
		wantTruncated bool
		wantErr       error
	}{
		{
			name:       "memory segments are concatenated",
			storage:    &fakeStorage{segments: []Segment{{Data: []byte(`{"model":`)}, {Data: []byte(`"gpt-4"}`)}}, contentLength: 17},
			limit:      1024,
			wantBytes:  []byte(`{"model":"gpt-4"}`),
			wantSource: SourceMemory,
		},
		{
			name:       "spooled file is read in chunks",
			storage:    &fakeStorage{segments: []Segment{{File: &FileRegion{Path: bigPath, Length: int64(len(big))}}}, contentLength: -1},
			limit:      1 << 20,
			wantBytes:  big,
			wantSource: SourceSpooledFile,
		},
		{
			name: "memory prefix followed by file region at an offset",
			storage: &fakeStorage{segments: []Segment{
				{Data: []byte(`{"model":"m",`)},
				{File: &FileRegion{Path: mixedPath, Offset: 2, Length: 14}},
			}, contentLength: 27},
			limit:      1024,
			wantBytes:  []byte(`{"model":"m","prompt":"hi"}`),
			wantSource: SourceMixed,
		},
		{
			name:       "body exactly at the limit is accepted",
			storage:    &fakeStorage{segments: []Segment{{Data: []byte("12345")}}, contentLength: 5},
			limit:      5,
			wantBytes:  []byte("12345"),
			wantSource: SourceMemory,
		},
		{
			name:    "memory segment over the limit",
			storage: &fakeStorage{segments: []Segment{{Data: []byte("1234")}, {Data: []byte("56")}}, contentLength: 6},
			limit:   5,
			wantErr: types.ErrBodyTooLarge,
		},
		{
			// The path does not exist: the size check must fire before any read.
			name:    "file segment over the limit is rejected before opening",
			storage: &fakeStorage{segments: []Segment{{File: &FileRegion{Path: "/nonexistent/body", Length: 20 << 20}}}, contentLength: 20 << 20},
			limit:   10 << 20,
			wantErr: types.ErrBodyTooLarge,
		},
		{
			name:          "short spooled file is truncated",
			storage:       &fakeStorage{segments: []Segment{{File: &FileRegion{Path: shortPath, Length: 100}}}, contentLength: 100},
			limit:         1024,
			wantBytes:     []byte("short"),
			wantSource:    SourceSpooledFile,
			wantTruncated: true,
		},
		{
			name: "negative limit accepts memory and file segments",
			storage: &fakeStorage{segments: []Segment{
				{Data: []byte(`{"model":"m",`)},
				{File: &FileRegion{Path: mixedPath, Offset: 2, Length: 14}},
			}, contentLength: -1},
			limit:      -1,
			wantBytes:  []byte(`{"model":"m","prompt":"hi"}`),
			wantSource: SourceMixed,
		},
		{
			name:    "no backing",
			storage: &fakeStorage{noBacking: true},
			limit:   1024,
			wantErr: types.ErrNoBackingFound,
		},
		{
			name:    "missing spool file",
			storage: &fakeStorage{segments: []Segment{{File: &FileRegion{Path: "/nonexistent/body", Length: 4}}}},
			limit:   1024,
			wantErr: types.ErrBodyReadFailure,
		},
		{
			name:    "unreadable spool file",
			storage: &fakeStorage{segments: []Segment{{File: &FileRegion{Path: t.TempDir(), Length: 4}}}},
			limit:   1024,
			wantErr: types.ErrBodyReadFailure,
		},
		{
			name:       "empty body",
			storage:    &fakeStorage{segments: nil, contentLength: 0},
			limit:      1024,
			wantBytes:  []byte{},
			wantSource: SourceMemory,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			snap, err := Acquire(ctx, test.storage, test.limit)
			if test.wantErr != nil {
				require.ErrorIs(t, err, test.wantErr)
				assert.Nil(t, snap)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.wantBytes, snap.Bytes)
			assert.Equal(t, test.wantSource, snap.Source)
			assert.Equal(t, test.wantTruncated, snap.Truncated)
		})
	}
}

func TestAcquirePreallocationIsBounded(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	// Content-Length claims 1GiB but only a few bytes arrive.
	storage := &fakeStorage{segments: []Segment{{Data: []byte(`{}`)}}, contentLength: 1 << 30}
	snap, err := Acquire(ctx, storage, 2<<30)
	require.NoError(t, err)
	assert.LessOrEqual(t, cap(snap.Bytes), MaxPreallocation)
}

func TestSpool(t *testing.T) {
	dir := t.TempDir()
	payload := strings.Repeat("0123456789", 100)

	tests := []struct {
		name        string
		memLimit    int
		wantSegs    int
		wantFileLen int64
	}{
		{name: "fits in memory", memLimit: 4096, wantSegs: 1},
		{name: "split across memory and file", memLimit: 100, wantSegs: 2, wantFileLen: 900},
		{name: "file only", memLimit: 0, wantSegs: 1, wantFileLen: 1000},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			s := NewSpool(dir, test.memLimit)
			defer func() { assert.NoError(t, s.Close()) }()

			n, err := s.Fill(strings.NewReader(payload), -1)
			require.NoError(t, err)
			assert.Equal(t, int64(len(payload)), n)
			assert.Equal(t, int64(len(payload)), s.Len())

			segs, ok := s.BodySegments()
			require.True(t, ok)
			require.Len(t, segs, test.wantSegs)
			if test.wantFileLen > 0 {
				last := segs[len(segs)-1]
				require.NotNil(t, last.File)
				assert.Equal(t, test.wantFileLen, last.File.Length)
			}

			var replay bytes.Buffer
			_, err = replay.ReadFrom(s.Reader())
			require.NoError(t, err)
			assert.Equal(t, payload, replay.String())

			snap, err := Acquire(context.Background(), &fakeStorage{segments: segs, contentLength: -1}, 1<<20)
			require.NoError(t, err)
			assert.Equal(t, payload, string(snap.Bytes))
		})
	}
}

func TestSpoolLimitAndCleanup(t *testing.T) {
	dir := t.TempDir()
	s := NewSpool(dir, 4)
	_, err := s.Fill(strings.NewReader("0123456789"), 8)
	require.ErrorIs(t, err, ErrSpoolLimit)
	require.NoError(t, s.Close())

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "temp file must be removed on close")
}

func TestSpoolWithoutBody(t *testing.T) {
	s := NewSpool("", 16)
	_, ok := s.BodySegments()
	assert.False(t, ok)
	assert.NoError(t, s.Close())
}
