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

package heartbeat

import (
	"context"
	"fmt"
	"github.com/tideland/golib/logger"
	"strings"
	"sync"
	"time"
)

// Heartbeater sends a report to every sender on a fixed interval.
type Heartbeater struct {
	collector *Collector
	senders   []Sender
	interval  time.Duration
	initDone  bool
	sync.Mutex
}

// New returns a heartbeater. Until one heartbeat has gone out without
// errors, every report is an init report.
func New(collector *Collector, interval time.Duration, senders ...Sender) *Heartbeater {
	return &Heartbeater{collector: collector, senders: senders, interval: interval}
}

// Beat sends one heartbeat.
func (h *Heartbeater) Beat(ctx context.Context) error {
	h.Lock()
	init := !h.initDone
	h.Unlock()
	return h.send(ctx, init)
}

// Refresh sends an init heartbeat right away, so the dashboard picks up the
// host's static details again.
func (h *Heartbeater) Refresh(ctx context.Context) error {
	return h.send(ctx, true)
}

func (h *Heartbeater) send(ctx context.Context, init bool) error {
	r, err := h.collector.Collect(ctx, init)
	if err != nil {
		return err
	}
	if init {
		logger.Infof("Sending Init Heartbeat...")
	} else {
		logger.Debugf("Sending Heartbeat...")
	}
	var errs []string
	for _, s := range h.senders {
		if serr := s.Send(ctx, r); serr != nil {
			errs = append(errs, serr.Error())
		}
	}
	if len(errs) != 0 {
		return fmt.Errorf("heartbeat failed: %s", strings.Join(errs, "; "))
	}
	if init {
		h.Lock()
		h.initDone = true
		h.Unlock()
	}
	return nil
}

// Run sends a heartbeat straight away and then every interval until ctx is
// done. Failures are logged and retried on the next tick.
func (h *Heartbeater) Run(ctx context.Context) {
	logger.Debugf("In heartbeat")
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		if err := h.Beat(ctx); err != nil {
			logger.Errorf("Error sending heartbeat, retrying: %s", err.Error())
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
