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

package lifecycle

import (
	"context"
	"github.com/juju/errors"
	"github.com/kthfs/kthfsagent/services"
	"github.com/tideland/golib/logger"
	"sort"
	"strconv"
	"sync"
	"time"
)

// Check compares a service's pid file against its recorded status once,
// marking it started or failed when they disagree.
func (c *Controller) Check(ctx context.Context, name string) error {
	defer c.lock(name)()
	rec, err := c.reg.Get(name)
	if err != nil {
		return err
	}
	pid, perr := readPid(rec.PidFile)
	running := perr == nil && pidAlive(ctx, pid)
	switch {
	case running && rec.Status != services.StatusStarted:
		logger.Infof("Process started: %s pid=%d", name, pid)
		return c.Started(name, strconv.Itoa(pid))
	case !running && rec.Status == services.StatusStarted:
		logger.Infof("Process failed: %s", name)
		return c.Failed(name)
	case !running:
		logger.Debugf("Process is not running: %s", name)
	}
	return nil
}

// Watch checks a service every interval until ctx is done or the service
// disappears from the registry.
func (c *Controller) Watch(ctx context.Context, name string, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if err := c.Check(ctx, name); err != nil {
			if errors.IsNotFound(err) {
				return err
			}
			logger.Errorf("watching %s: %s", name, err.Error())
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Supervisor keeps one watcher running per watchable service.
type Supervisor struct {
	ctl      *Controller
	interval time.Duration
	ctx      context.Context
	watching map[string]context.CancelFunc
	wg       sync.WaitGroup
	sync.Mutex
}

// NewSupervisor returns a supervisor whose watchers live until ctx is done.
func NewSupervisor(ctx context.Context, ctl *Controller, interval time.Duration) *Supervisor {
	return &Supervisor{ctl: ctl, interval: interval, ctx: ctx, watching: make(map[string]context.CancelFunc)}
}

func watchable(rec *services.Record) bool {
	return rec.Service != "mysqlcluster" && rec.PidFile != ""
}

// Sync starts watchers for new services and stops the ones whose services
// are gone.
func (s *Supervisor) Sync(entries []services.Entry) {
	s.Lock()
	defer s.Unlock()

	want := make(map[string]bool, len(entries))
	for _, e := range entries {
		if !watchable(e.Record) {
			logger.Infof("Not watching %s", e.Name)
			continue
		}
		want[e.Name] = true
	}
	for name, cancel := range s.watching {
		if !want[name] {
			logger.Infof("stopping watcher for %s", name)
			cancel()
			delete(s.watching, name)
		}
	}
	for name := range want {
		if _, ok := s.watching[name]; ok {
			continue
		}
		ctx, cancel := context.WithCancel(s.ctx)
		s.watching[name] = cancel
		s.wg.Add(1)
		go func(name string) {
			defer s.wg.Done()
			logger.Infof("watching %s", name)
			err := s.ctl.Watch(ctx, name, s.interval)
			if errors.IsNotFound(err) {
				s.forget(name, ctx)
			}
		}(name)
	}
}

// SyncFrom reloads the registry and syncs against it.
func (s *Supervisor) SyncFrom(reg *services.Registry) error {
	entries, err := reg.List()
	if err != nil {
		return err
	}
	s.Sync(entries)
	return nil
}

func (s *Supervisor) forget(name string, ctx context.Context) {
	s.Lock()
	defer s.Unlock()
	// a newer watcher may have taken the slot already
	if cancel, ok := s.watching[name]; ok && ctx.Err() == nil {
		cancel()
		delete(s.watching, name)
	}
}

// Watching lists the services currently watched.
func (s *Supervisor) Watching() []string {
	s.Lock()
	defer s.Unlock()
	names := make([]string, 0, len(s.watching))
	for n := range s.watching {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Wait blocks until every watcher has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}
