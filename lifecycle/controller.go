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

// Package lifecycle starts, stops and watches the services listed in the
// services file, keeping their status there current.
package lifecycle

import (
	"context"
	"github.com/juju/errors"
	"github.com/kthfs/kthfsagent/services"
	"github.com/tideland/golib/logger"
	"strconv"
	"sync"
	"time"
)

// Refusals for commands that don't fit the current status.
const (
	ErrAlreadyStarted = errors.ConstError("service already started")
	ErrNotRunning     = errors.ConstError("service is not running")
)

// DefaultScriptTimeout bounds how long a control script may run.
const DefaultScriptTimeout = 5 * time.Minute

var serviceCommands = map[string][]string{
	"namenode":     {"init", "start", "stop"},
	"datanode":     {"init", "start", "stop"},
	"mysqlcluster": {"init", "start", "stop"},
	"ndb":          {"init", "start", "stop"},
	"mysqld":       {"start", "stop"},
	"mgmserver":    {"start", "stop"},
	"memcached":    {"start", "stop"},
}

// Allowed reports whether command may be run against a service kind.
func Allowed(service, command string) bool {
	for _, c := range serviceCommands[service] {
		if c == command {
			return true
		}
	}
	return false
}

// Controller runs control scripts for services in a registry. Services are
// addressed by section name. Commands for one service run one at a time.
type Controller struct {
	reg           *services.Registry
	now           func() time.Time
	ScriptTimeout time.Duration
	mu            sync.Mutex
	busy          map[string]*sync.Mutex
}

// New returns a controller for the services in reg.
func New(reg *services.Registry) *Controller {
	return &Controller{reg: reg, now: time.Now, ScriptTimeout: DefaultScriptTimeout}
}

// lock holds the named service until the returned func is called.
func (c *Controller) lock(name string) func() {
	c.mu.Lock()
	if c.busy == nil {
		c.busy = make(map[string]*sync.Mutex)
	}
	m, ok := c.busy[name]
	if !ok {
		m = new(sync.Mutex)
		c.busy[name] = m
	}
	c.mu.Unlock()
	m.Lock()
	return m.Unlock
}

// Registry returns the services registry the controller works on.
func (c *Controller) Registry() *services.Registry {
	return c.reg
}

func (c *Controller) run(ctx context.Context, name, kind, script string) error {
	if script == "" {
		return errors.NotValidf("%s script for %s", kind, name)
	}
	if c.ScriptTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.ScriptTimeout)
		defer cancel()
	}
	logger.Infof("running %s script for %s: %s", kind, name, script)
	return runScript(ctx, script)
}

// Init runs the service's init script.
func (c *Controller) Init(ctx context.Context, name string) error {
	defer c.lock(name)()
	rec, err := c.reg.Get(name)
	if err != nil {
		return err
	}
	return c.run(ctx, name, "init", rec.InitScript)
}

// Start runs the service's start script and marks it started. The pid is
// read from the pid file when the script leaves one behind, and is empty
// otherwise.
func (c *Controller) Start(ctx context.Context, name string) (string, error) {
	defer c.lock(name)()
	rec, err := c.reg.Get(name)
	if err != nil {
		return "", err
	}
	if rec.Status == services.StatusStarted {
		return "", ErrAlreadyStarted
	}
	if err = c.run(ctx, name, "start", rec.StartScript); err != nil {
		return "", err
	}
	var pid string
	if p, perr := readPid(rec.PidFile); perr == nil {
		pid = strconv.Itoa(p)
	} else {
		logger.Debugf("no pid for %s after start: %s", name, perr.Error())
	}
	if err = c.Started(name, pid); err != nil {
		return "", err
	}
	return pid, nil
}

// Stop runs the service's stop script and marks it stopped.
func (c *Controller) Stop(ctx context.Context, name string) error {
	defer c.lock(name)()
	rec, err := c.reg.Get(name)
	if err != nil {
		return err
	}
	if rec.Status != services.StatusStarted {
		return ErrNotRunning
	}
	if err = c.run(ctx, name, "stop", rec.StopScript); err != nil {
		return err
	}
	return c.markStopped(name)
}

// Started records that a service is running, with pid if known.
func (c *Controller) Started(name, pid string) error {
	set := map[string]string{
		services.KeyStatus:    services.StatusStarted,
		services.KeyStartTime: c.stamp(),
	}
	if pid != "" {
		set[services.KeyPid] = pid
	}
	return c.reg.Update(name, set, []string{services.KeyStopTime})
}

// Failed records that a service died without being stopped.
func (c *Controller) Failed(name string) error {
	return c.markStopped(name)
}

func (c *Controller) markStopped(name string) error {
	set := map[string]string{
		services.KeyStatus:   services.StatusStopped,
		services.KeyStopTime: c.stamp(),
	}
	return c.reg.Update(name, set, []string{services.KeyPid})
}

func (c *Controller) stamp() string {
	return strconv.FormatInt(c.now().Unix(), 10)
}
