/*
 * Copyright (c) 2014, Jeremy Bingham (<jbingham@gmail.com>)
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package services manages the agent's services file, a flat INI file with
// one section per supervised service. Provisioning runs, the REST API and the
// pid watchers all update it, possibly from different processes, so every
// change is a locked read-modify-write followed by an atomic replace.
package services

import (
	"bytes"
	"github.com/gofrs/flock"
	"github.com/google/renameio"
	"github.com/juju/errors"
	"github.com/tideland/golib/logger"
	"gopkg.in/ini.v1"
	"os"
	"path/filepath"
	"sync"
)

var loadOpts = ini.LoadOptions{
	IgnoreInlineComment: true,
	KeyValueDelimiters:  "=:",
}

// Registry is a handle on a services file.
type Registry struct {
	path string
	lock *flock.Flock
	mu   sync.Mutex
}

// Open returns a registry for the services file at path, creating the file
// and its directory if they do not exist yet.
func Open(path string) (*Registry, error) {
	if path == "" {
		return nil, errors.NotValidf("empty services file path")
	}
	path = filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, errors.Annotatef(err, "creating directory for %s", path)
	}
	fp, err := os.OpenFile(path, os.O_RDONLY|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.Annotatef(err, "opening %s", path)
	}
	fp.Close()
	r := &Registry{path: path, lock: flock.New(path + ".lock")}
	return r, nil
}

// Path returns the location of the services file.
func (r *Registry) Path() string {
	return r.path
}

// Upsert writes each entry's record under its section name, replacing any
// section already there. All entries are committed in a single write.
func (r *Registry) Upsert(entries ...Entry) error {
	for _, e := range entries {
		if e.Name == "" {
			return errors.NotValidf("empty section name")
		}
		if e.Record == nil {
			return errors.NotValidf("nil record for section %s", e.Name)
		}
	}
	return r.transact(true, func(f *ini.File) error {
		for _, e := range entries {
			if _, err := f.GetSection(e.Name); err == nil {
				logger.Infof("Over-writing existing section %s in %s", e.Name, r.path)
				f.DeleteSection(e.Name)
			}
			s, err := f.NewSection(e.Name)
			if err != nil {
				return errors.Trace(err)
			}
			if err = e.Record.writeSection(s); err != nil {
				return errors.Annotatef(err, "writing section %s", e.Name)
			}
		}
		return nil
	})
}

// Get returns the record stored under name.
func (r *Registry) Get(name string) (*Record, error) {
	var rec *Record
	err := r.transact(false, func(f *ini.File) error {
		s, err := f.GetSection(name)
		if err != nil {
			return errors.NotFoundf("service %s", name)
		}
		rec = recordFromSection(s)
		return nil
	})
	return rec, err
}

// Has reports whether a section called name exists.
func (r *Registry) Has(name string) (bool, error) {
	_, err := r.Get(name)
	if errors.IsNotFound(err) {
		return false, nil
	}
	return err == nil, err
}

// List returns every entry in file order.
func (r *Registry) List() ([]Entry, error) {
	var entries []Entry
	err := r.transact(false, func(f *ini.File) error {
		for _, s := range f.Sections() {
			if s.Name() == ini.DefaultSection {
				continue
			}
			entries = append(entries, Entry{Name: s.Name(), Record: recordFromSection(s)})
		}
		return nil
	})
	return entries, err
}

// Heartbeat lists every service with its file and script keys left out, the
// shape the dashboard expects in a heartbeat.
func (r *Registry) Heartbeat() ([]map[string]string, error) {
	entries, err := r.List()
	if err != nil {
		return nil, err
	}
	hb := make([]map[string]string, 0, len(entries))
	for _, e := range entries {
		hb = append(hb, e.Record.Heartbeat())
	}
	return hb, nil
}

// Update sets and removes individual keys of an existing section.
func (r *Registry) Update(name string, set map[string]string, unset []string) error {
	return r.transact(true, func(f *ini.File) error {
		s, err := f.GetSection(name)
		if err != nil {
			return errors.NotFoundf("service %s", name)
		}
		for k, v := range set {
			if s.HasKey(k) {
				s.Key(k).SetValue(v)
				continue
			}
			if _, err = s.NewKey(k, v); err != nil {
				return errors.Annotatef(err, "setting %s in %s", k, name)
			}
		}
		for _, k := range unset {
			s.DeleteKey(k)
		}
		return nil
	})
}

// Remove deletes the section called name.
func (r *Registry) Remove(name string) error {
	return r.transact(true, func(f *ini.File) error {
		if _, err := f.GetSection(name); err != nil {
			return errors.NotFoundf("service %s", name)
		}
		f.DeleteSection(name)
		return nil
	})
}

func (r *Registry) transact(write bool, fn func(f *ini.File) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var err error
	if write {
		err = r.lock.Lock()
	} else {
		err = r.lock.RLock()
	}
	if err != nil {
		return errors.Annotatef(err, "locking %s", r.path)
	}
	defer r.lock.Unlock()

	f, err := r.load()
	if err != nil {
		return err
	}
	if err = fn(f); err != nil {
		return err
	}
	if !write {
		return nil
	}
	return r.save(f)
}

func (r *Registry) load() (*ini.File, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return ini.Empty(loadOpts), nil
		}
		return nil, errors.Annotatef(err, "reading %s", r.path)
	}
	f, err := ini.LoadSources(loadOpts, data)
	if err != nil {
		return nil, errors.Annotatef(err, "parsing %s", r.path)
	}
	return f, nil
}

func (r *Registry) save(f *ini.File) error {
	buf := new(bytes.Buffer)
	if _, err := f.WriteTo(buf); err != nil {
		return errors.Annotatef(err, "serializing %s", r.path)
	}
	if err := renameio.WriteFile(r.path, buf.Bytes(), 0644); err != nil {
		return errors.Annotatef(err, "saving %s", r.path)
	}
	return nil
}
