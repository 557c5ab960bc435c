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

package restapi

import (
	"bufio"
	"context"
	"github.com/juju/errors"
	"github.com/kthfs/kthfsagent/lifecycle"
	"github.com/kthfs/kthfsagent/services"
	"github.com/labstack/echo/v4"
	"github.com/tideland/golib/logger"
	"net/http"
	"os"
	"strconv"
	"strings"
)

func (s *Server) ping(c echo.Context) error {
	return c.String(http.StatusOK, "Kthfs-Agent: Pong")
}

func (s *Server) do(c echo.Context) error {
	instance, service, command := c.Param("instance"), c.Param("service"), c.Param("command")
	if !lifecycle.Allowed(service, command) {
		return c.String(http.StatusBadRequest, "Invalid command.")
	}
	name := services.SectionName(instance, service)
	installed, err := s.reg.Has(name)
	if err != nil {
		logger.Errorf(err.Error())
		return c.String(http.StatusInternalServerError, "Cannot read services.")
	}
	if !installed {
		return c.String(http.StatusBadRequest, "Service not installed.")
	}
	// the script keeps running if the caller hangs up
	ctx := context.WithoutCancel(c.Request().Context())

	switch command {
	case "init":
		if err = s.ctl.Init(ctx, name); err != nil {
			logger.Errorf("init %s: %s", name, err.Error())
			return c.String(http.StatusBadRequest, "Error: Cannot initialize the service.")
		}
		return c.String(http.StatusOK, "Service initialized.")
	case "start":
		pid, err := s.ctl.Start(ctx, name)
		if errors.Is(err, lifecycle.ErrAlreadyStarted) {
			return c.String(http.StatusBadRequest, "Service already started.")
		}
		if err != nil {
			logger.Errorf("start %s: %s", name, err.Error())
			return c.String(http.StatusBadRequest, "Error: Cannot start the service.")
		}
		return c.JSON(http.StatusOK, map[string]string{"pid": pid, "msg": "Service started."})
	case "stop":
		err = s.ctl.Stop(ctx, name)
		if errors.Is(err, lifecycle.ErrNotRunning) {
			return c.String(http.StatusBadRequest, "Service is not running.")
		}
		if err != nil {
			logger.Errorf("stop %s: %s", name, err.Error())
			return c.String(http.StatusBadRequest, "Error: Cannot stop the service.")
		}
		return c.String(http.StatusOK, "Service stopped.")
	}
	return c.String(http.StatusBadRequest, "Invalid command.")
}

// record looks up the service named in the path, answering the request
// itself when it can't be found.
func (s *Server) record(c echo.Context) (*services.Record, bool, error) {
	rec, err := s.reg.Get(services.SectionName(c.Param("instance"), c.Param("service")))
	if errors.IsNotFound(err) {
		return nil, false, c.String(http.StatusBadRequest, "Instance/Service not available.")
	}
	if err != nil {
		logger.Errorf(err.Error())
		return nil, false, c.String(http.StatusBadRequest, "Cannot read file.")
	}
	return rec, true, nil
}

// log answers with the last lines of a service's stdout or stderr file. The
// final line is part of the answer even while it is still being written.
func (s *Server) log(c echo.Context) error {
	logType := c.Param("logtype")
	rec, ok, err := s.record(c)
	if !ok {
		return err
	}
	if logType != "stdout" && logType != "stderr" {
		return c.String(http.StatusBadRequest, "Invalid log type.")
	}
	lines, err := strconv.Atoi(c.Param("lines"))
	if err != nil || lines < 0 {
		return c.String(http.StatusBadRequest, "Cannot read file.")
	}
	out, err := tail(rec.Get(logType+"-file"), lines)
	if err != nil {
		logger.Errorf(err.Error())
		return c.String(http.StatusBadRequest, "Cannot read file.")
	}
	return c.String(http.StatusOK, out)
}

func (s *Server) config(c echo.Context) error {
	rec, ok, err := s.record(c)
	if !ok {
		return err
	}
	confFile := rec.Get(services.KeyConfigFile)
	if confFile == "" {
		return c.String(http.StatusBadRequest, "Cannot read file.")
	}
	b, err := os.ReadFile(confFile)
	if err != nil {
		logger.Errorf(err.Error())
		return c.String(http.StatusBadRequest, "Cannot read file.")
	}
	return c.String(http.StatusOK, string(b))
}

func (s *Server) info(c echo.Context) error {
	rec, ok, err := s.record(c)
	if !ok {
		return err
	}
	return c.JSON(http.StatusOK, rec.Map())
}

func (s *Server) refresh(c echo.Context) error {
	if s.hb != nil {
		if err := s.hb.Refresh(c.Request().Context()); err != nil {
			logger.Errorf("refresh heartbeat: %s", err.Error())
		}
	}
	return c.String(http.StatusOK, "OK")
}

// tail returns the last n lines of a file, each ending in a newline.
func tail(path string, n int) (string, error) {
	if path == "" {
		return "", errors.NotValidf("empty log file")
	}
	fp, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer fp.Close()
	if n == 0 {
		return "", nil
	}
	ring := make([]string, 0, min(n, 1024))
	sc := bufio.NewScanner(fp)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		if len(ring) == n {
			ring = ring[1:]
		}
		ring = append(ring, sc.Text())
	}
	if err = sc.Err(); err != nil {
		return "", err
	}
	if len(ring) == 0 {
		return "", nil
	}
	return strings.Join(ring, "\n") + "\n", nil
}
