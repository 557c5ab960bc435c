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

package services

import (
	"fmt"
	"gopkg.in/ini.v1"
	"sort"
	"strings"
)

// Keys used in a services file section.
const (
	KeyStatus       = "status"
	KeyInstance     = "instance"
	KeyServiceGroup = "service-group"
	KeyService      = "service"
	KeyInitScript   = "init-script"
	KeyStopScript   = "stop-script"
	KeyStartScript  = "start-script"
	KeyPidFile      = "pid-file"
	KeyStdoutFile   = "stdout-file"
	KeyStderrFile   = "stderr-file"
	KeyConfigFile   = "config-file"
	KeyPid          = "pid"
	KeyStartTime    = "start-time"
	KeyStopTime     = "stop-time"
)

// Status labels written by the agent.
const (
	StatusStarted = "Started"
	StatusStopped = "Stopped"
)

// Record is one service entry in the services file. Keys that are not part
// of the fixed record shape (pid, start-time, stop-time, config-file, ...)
// live in Extra.
type Record struct {
	Status       string
	Instance     string
	ServiceGroup string
	Service      string
	InitScript   string
	StopScript   string
	StartScript  string
	PidFile      string
	StdoutFile   string
	StderrFile   string
	Extra        map[string]string
}

// Entry pairs a section name with its record.
type Entry struct {
	Name   string
	Record *Record
}

// SectionName returns the section a service of an instance is stored under.
func SectionName(instance, service string) string {
	return fmt.Sprintf("%s-%s", instance, service)
}

func (r *Record) fixed() [][2]string {
	return [][2]string{
		{KeyStatus, r.Status},
		{KeyInstance, r.Instance},
		{KeyServiceGroup, r.ServiceGroup},
		{KeyService, r.Service},
		{KeyInitScript, r.InitScript},
		{KeyStopScript, r.StopScript},
		{KeyStartScript, r.StartScript},
		{KeyPidFile, r.PidFile},
		{KeyStdoutFile, r.StdoutFile},
		{KeyStderrFile, r.StderrFile},
	}
}

// Get returns the value of any key in the record, fixed or extra.
func (r *Record) Get(key string) string {
	for _, kv := range r.fixed() {
		if kv[0] == key {
			return kv[1]
		}
	}
	return r.Extra[key]
}

// Map flattens the record into key/value pairs.
func (r *Record) Map() map[string]string {
	m := make(map[string]string, 10+len(r.Extra))
	for _, kv := range r.fixed() {
		m[kv[0]] = kv[1]
	}
	for k, v := range r.Extra {
		m[k] = v
	}
	return m
}

// Heartbeat returns the record without any key naming a file or a script.
func (r *Record) Heartbeat() map[string]string {
	m := r.Map()
	for k := range m {
		if strings.Contains(k, "file") || strings.Contains(k, "script") {
			delete(m, k)
		}
	}
	return m
}

func (r *Record) set(key, value string) {
	switch key {
	case KeyStatus:
		r.Status = value
	case KeyInstance:
		r.Instance = value
	case KeyServiceGroup:
		r.ServiceGroup = value
	case KeyService:
		r.Service = value
	case KeyInitScript:
		r.InitScript = value
	case KeyStopScript:
		r.StopScript = value
	case KeyStartScript:
		r.StartScript = value
	case KeyPidFile:
		r.PidFile = value
	case KeyStdoutFile:
		r.StdoutFile = value
	case KeyStderrFile:
		r.StderrFile = value
	default:
		if r.Extra == nil {
			r.Extra = make(map[string]string)
		}
		r.Extra[key] = value
	}
}

func recordFromSection(s *ini.Section) *Record {
	r := &Record{}
	for _, k := range s.Keys() {
		r.set(k.Name(), k.Value())
	}
	return r
}

// writeSection fills a fresh section with the record. Fixed keys come first,
// in their canonical order, followed by the extras sorted by name.
func (r *Record) writeSection(s *ini.Section) error {
	for _, kv := range r.fixed() {
		if _, err := s.NewKey(kv[0], kv[1]); err != nil {
			return err
		}
	}
	extra := make([]string, 0, len(r.Extra))
	for k := range r.Extra {
		extra = append(extra, k)
	}
	sort.Strings(extra)
	for _, k := range extra {
		if _, err := s.NewKey(k, r.Extra[k]); err != nil {
			return err
		}
	}
	return nil
}
