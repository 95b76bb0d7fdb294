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

package config

import (
	"errors"
	"sort"
	"strings"
)

// Location is a compiled scope bound to a path prefix.
type Location struct {
	Path     string
	Settings Settings
}

// Resolver maps request paths to their scope settings. It is immutable once
// built and safe for concurrent use.
type Resolver struct {
	root      Settings
	locations []Location
}

// NewResolver compiles root and every location derived from it. Locations
// inherit from root, and the longest matching prefix wins at lookup.
func NewResolver(root Settings, locations []LocationSpec) (*Resolver, error) {
	var errs []error
	if err := Compile("", &root); err != nil {
		errs = append(errs, err)
	}
	r := &Resolver{root: root}
	for _, spec := range locations {
		path := normalizePath(spec.Path)
		s := Merge(root, spec.ScopeSpec)
		if err := Compile(path, &s); err != nil {
			errs = append(errs, err)
			continue
		}
		r.locations = append(r.locations, Location{Path: path, Settings: s})
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	sort.SliceStable(r.locations, func(i, j int) bool {
		return len(r.locations[i].Path) > len(r.locations[j].Path)
	})
	return r, nil
}

// Load builds a resolver from flag-level defaults and an optional config
// file. An empty path yields a resolver with root only.
func Load(path string, root Settings) (*Resolver, error) {
	if path == "" {
		return NewResolver(root, nil)
	}
	spec, err := ReadFile(path)
	if err != nil {
		return nil, err
	}
	return NewResolver(Merge(root, spec.ScopeSpec), spec.Locations)
}

// For returns the settings that apply to a request path.
func (r *Resolver) For(path string) *Settings {
	for i := range r.locations {
		if strings.HasPrefix(path, r.locations[i].Path) {
			return &r.locations[i].Settings
		}
	}
	return &r.root
}

// Scopes returns the location paths in lookup order, for logging.
func (r *Resolver) Scopes() []string {
	paths := make([]string, 0, len(r.locations))
	for _, l := range r.locations {
		paths = append(paths, l.Path)
	}
	return paths
}
