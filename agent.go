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

package main

import (
	"context"
	"github.com/go-chef/chef"
	serfclient "github.com/hashicorp/serf/client"
	"github.com/kthfs/kthfsagent/heartbeat"
	"github.com/kthfs/kthfsagent/lifecycle"
	"github.com/kthfs/kthfsagent/restapi"
	"github.com/kthfs/kthfsagent/services"
	"github.com/tideland/golib/logger"
	"log"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"
)

type agent struct {
	config   *conf
	reg      *services.Registry
	ctl      *lifecycle.Controller
	sup      *lifecycle.Supervisor
	rest     *restapi.Server
	serfer   *serfclient.RPCClient
	queue    *runQueue
	ctx      context.Context
	cancel   context.CancelFunc
	hb       *heartbeat.Heartbeater
	hbCancel context.CancelFunc
	sync.Mutex
}

func main() {
	config, err := parseConfig(os.Args[1:])
	if err != nil {
		log.Println(err)
		os.Exit(1)
	}
	if err = setupLogging(config); err != nil {
		log.Println(err)
		os.Exit(1)
	}

	a, err := newAgent(config)
	if err != nil {
		logger.Criticalf(err.Error())
		os.Exit(1)
	}
	if err = a.run(); err != nil {
		logger.Criticalf(err.Error())
		os.Exit(1)
	}
}

func newAgent(config *conf) (*agent, error) {
	reg, err := services.Open(config.ServicesFile)
	if err != nil {
		return nil, err
	}
	logger.Infof("Using services file %s", reg.Path())
	ctl := lifecycle.New(reg)
	ctl.ScriptTimeout = time.Duration(config.ScriptTimeout) * time.Minute

	ctx, cancel := context.WithCancel(context.Background())
	a := &agent{
		config: config,
		reg:    reg,
		ctl:    ctl,
		sup:    lifecycle.NewSupervisor(ctx, ctl, config.WatchDur),
		queue:  new(runQueue),
		ctx:    ctx,
		cancel: cancel,
	}
	if config.SerfAddr != "" {
		if a.serfer, err = serfclient.NewRPCClient(config.SerfAddr); err != nil {
			cancel()
			return nil, err
		}
	}
	hb, err := buildHeartbeater(config, reg, a.serfer)
	if err != nil {
		cancel()
		return nil, err
	}
	a.hb = hb
	a.rest = restapi.New(ctl, a, restapi.Credentials{Username: config.Username, Password: config.Password}, echoLogLevel(config))
	return a, nil
}

func buildHeartbeater(config *conf, reg *services.Registry, serfer *serfclient.RPCClient) (*heartbeat.Heartbeater, error) {
	var senders []heartbeat.Sender
	if config.ServerURL != "" {
		senders = append(senders, heartbeat.NewDashboardSender(config.ServerURL, config.ServerUsername, config.ServerPassword, config.ServerInsecure))
	}
	if config.Endpoint != "" {
		clientConfig := &chef.Config{Name: config.ClientName, Key: config.Key, SkipSSL: true, BaseURL: config.Endpoint}
		chefClient, err := chef.NewClient(clientConfig)
		if err != nil {
			return nil, err
		}
		senders = append(senders, heartbeat.NewChefSender(config.ClientName, chefClient))
	}
	if serfer != nil {
		senders = append(senders, heartbeat.NewSerfSender(serfer))
	}
	if len(senders) == 0 {
		logger.Warningf("no dashboard, chef server or serf agent configured; heartbeats go nowhere")
	}
	collector := heartbeat.NewCollector(config.Name, config.IP, config.Rack, reg)
	return heartbeat.New(collector, config.HeartbeatDur, senders...), nil
}

// Refresh sends an init heartbeat through the current heartbeater.
func (a *agent) Refresh(ctx context.Context) error {
	a.Lock()
	hb := a.hb
	a.Unlock()
	return hb.Refresh(ctx)
}

func (a *agent) startHeartbeat() {
	a.Lock()
	defer a.Unlock()
	if a.hbCancel != nil {
		a.hbCancel()
	}
	var hctx context.Context
	hctx, a.hbCancel = context.WithCancel(a.ctx)
	go a.hb.Run(hctx)
}

func (a *agent) syncServices() {
	if err := a.sup.SyncFrom(a.reg); err != nil {
		logger.Errorf("reading services: %s", err.Error())
	}
}

func (a *agent) run() error {
	defer a.cancel()
	if a.config.PidFile != "" {
		if err := os.WriteFile(a.config.PidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
			return err
		}
		defer os.Remove(a.config.PidFile)
		logger.Infof("kthfsagent PID: %d", os.Getpid())
	}

	certFile, keyFile, err := restapi.EnsureCert(a.config.CertDir, a.config.Name)
	if err != nil {
		return err
	}

	a.syncServices()
	if err = a.reg.Watch(a.ctx, a.syncServices); err != nil {
		return err
	}
	a.startHeartbeat()

	if a.serfer != nil {
		h := &controlHandler{
			node:    a.config.Name,
			pubKey:  a.config.PubKey,
			slew:    a.config.TimeSlewDur,
			ctl:     a.ctl,
			queue:   a.queue,
			publish: serfPublisher(a.serfer),
		}
		old, err := a.queue.checkOldRuns(a.config.QueueSaveFile)
		if err != nil {
			return err
		}
		if len(old) != 0 {
			logger.Debugf("Found %d control actions that weren't able to finish the last time the agent was running", len(old))
			h.reportKilled(old)
		}
		if err = listenControl(a.ctx, a.serfer, h); err != nil {
			return err
		}
		defer a.serfer.Close()
	}

	a.handleSignals()
	logger.Infof("kthfsagent started.")
	err = a.rest.StartTLS(a.config.RestAddr, certFile, keyFile)
	a.cancel()
	a.sup.Wait()
	return err
}

func (a *agent) shutdown() {
	logger.Infof("Shutting down")
	a.queue.setShutDown()
	deadline := time.Now().Add(120 * time.Second)
	for a.queue.numberOfRuns() != 0 {
		if time.Now().After(deadline) {
			logger.Errorf("Not all control actions ended before exiting")
			break
		}
		logger.Infof("Waiting for %d control actions to finish before shutting down...", a.queue.numberOfRuns())
		time.Sleep(time.Second)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.rest.Shutdown(ctx); err != nil {
		logger.Errorf("stopping the REST server: %s", err.Error())
	}
}

// reload re-reads the configuration. Logging and heartbeat settings take
// effect right away; listen addresses and the services file need a restart.
func (a *agent) reload() error {
	config, err := parseConfig(os.Args[1:])
	if err != nil {
		return err
	}
	if err = setupLogging(config); err != nil {
		return err
	}
	hb, err := buildHeartbeater(config, a.reg, a.serfer)
	if err != nil {
		return err
	}
	a.Lock()
	a.hb = hb
	a.Unlock()
	a.startHeartbeat()
	a.syncServices()
	return nil
}

func (a *agent) handleSignals() {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range c {
			logger.Debugf("Received signal %s", sig)
			switch sig {
			case os.Interrupt, syscall.SIGTERM:
				a.shutdown()
				return
			case syscall.SIGHUP:
				logger.Infof("Reloading configuration...")
				if err := a.reload(); err != nil {
					logger.Errorf("reloading configuration: %s", err.Error())
				}
			default:
				logger.Infof("Got signal %s %v, not handled", sig, sig)
			}
		}
	}()
}
