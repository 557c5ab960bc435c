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

// Package restapi serves the agent's control API: the dashboard uses it to
// start and stop services, read their logs and request a fresh heartbeat.
package restapi

import (
	"context"
	"crypto/subtle"
	"github.com/kthfs/kthfsagent/lifecycle"
	"github.com/kthfs/kthfsagent/services"
	"github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/tideland/golib/logger"
	"net/http"
	"strings"
	"time"
)

// Refresher sends a heartbeat on demand.
type Refresher interface {
	Refresh(ctx context.Context) error
}

// Credentials are the username and password every request must carry as
// query parameters.
type Credentials struct {
	Username string
	Password string
}

// Server is the agent's REST endpoint.
type Server struct {
	e     *echo.Echo
	reg   *services.Registry
	ctl   *lifecycle.Controller
	hb    Refresher
	creds Credentials
}

// New builds the server and its routes.
func New(ctl *lifecycle.Controller, hb Refresher, creds Credentials, loglevel string) *Server {
	s := &Server{e: echo.New(), reg: ctl.Registry(), ctl: ctl, hb: hb, creds: creds}
	e := s.e
	e.HideBanner = true
	e.HidePort = true

	switch strings.ToLower(loglevel) {
	case "debug":
		e.Logger.SetLevel(log.DEBUG)
	case "info":
		e.Logger.SetLevel(log.INFO)
	case "error", "critical":
		e.Logger.SetLevel(log.ERROR)
	default:
		e.Logger.SetLevel(log.WARN)
	}

	e.HTTPErrorHandler = func(err error, c echo.Context) {
		e.DefaultHTTPErrorHandler(err, c)
		logger.Errorf("REST error on %s: %s", c.Request().URL.Path, err.Error())
	}

	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			begin := time.Now()
			logger.Infof("Incoming REST Request: %s %s", c.Request().Method, c.Request().URL.Path)
			err := next(c)
			logger.Debugf("response %d for %s in %v", c.Response().Status, c.Request().URL.Path, time.Since(begin))
			return err
		}
	})
	e.Use(s.authenticate)

	e.GET("/ping", s.ping)
	e.GET("/do/:instance/:service/:command", s.do)
	e.GET("/log/:instance/:service/:logtype/:lines", s.log)
	e.GET("/config/:instance/:service", s.config)
	e.GET("/info/:instance/:service", s.info)
	e.GET("/refresh", s.refresh)
	return s
}

// Handler exposes the server as an http.Handler.
func (s *Server) Handler() http.Handler {
	return s.e
}

// StartTLS serves on addr until Shutdown is called.
func (s *Server) StartTLS(addr, certFile, keyFile string) error {
	logger.Infof("RESTful service started on %s", addr)
	err := s.e.StartTLS(addr, certFile, keyFile)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server, waiting for requests in flight.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func (s *Server) authenticate(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		user := c.QueryParam("username")
		pass := c.QueryParam("password")
		userOK := subtle.ConstantTimeCompare([]byte(user), []byte(s.creds.Username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(pass), []byte(s.creds.Password)) == 1
		if user == "" || !userOK || !passOK {
			logger.Infof("Authentication failed")
			return c.String(http.StatusBadRequest, "Invalid username/password.")
		}
		return next(c)
	}
}
