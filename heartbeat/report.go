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

// Package heartbeat builds the periodic host report the agent sends to the
// dashboard, and the senders that deliver it.
package heartbeat

import (
	"context"
	"fmt"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"strconv"
	"time"
)

// Report is one heartbeat. Cores, Rack and Init are only filled in on the
// first heartbeat after the agent starts, or when a refresh is requested.
type Report struct {
	Hostname       string              `json:"hostname"`
	IP             string              `json:"ip"`
	Load1          float64             `json:"load1"`
	Load5          float64             `json:"load5"`
	Load15         float64             `json:"load15"`
	DiskCapacity   uint64              `json:"disk-capacity"`
	DiskUsed       uint64              `json:"disk-used"`
	MemoryCapacity uint64              `json:"memory-capacity"`
	MemoryUsed     uint64              `json:"memory-used"`
	Services       []map[string]string `json:"services"`
	AgentTime      string              `json:"agent-time"`
	Cores          int                 `json:"cores,omitempty"`
	Rack           string              `json:"rack,omitempty"`
	Init           string              `json:"init,omitempty"`
}

// ServiceLister supplies the services section of a heartbeat.
type ServiceLister interface {
	Heartbeat() ([]map[string]string, error)
}

// Collector gathers the host's load, disk and memory figures along with the
// state of its services.
type Collector struct {
	Hostname string
	IP       string
	Rack     string
	DiskPath string
	Services ServiceLister
	now      func() time.Time
}

// NewCollector returns a collector for the named host.
func NewCollector(hostname, ip, rack string, svcs ServiceLister) *Collector {
	return &Collector{Hostname: hostname, IP: ip, Rack: rack, DiskPath: "/", Services: svcs, now: time.Now}
}

// Collect builds a report. With init set, the report carries the host's
// static details as well.
func (c *Collector) Collect(ctx context.Context, init bool) (*Report, error) {
	if c.Hostname == "" {
		return nil, fmt.Errorf("No hostname provided")
	}
	r := &Report{Hostname: c.Hostname, IP: c.IP, AgentTime: strconv.FormatInt(c.now().Unix(), 10)}

	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return nil, err
	}
	r.Load1, r.Load5, r.Load15 = avg.Load1, avg.Load5, avg.Load15

	du, err := disk.UsageWithContext(ctx, c.DiskPath)
	if err != nil {
		return nil, err
	}
	r.DiskCapacity, r.DiskUsed = du.Total, diskUsed(du)

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return nil, err
	}
	r.MemoryCapacity, r.MemoryUsed = vm.Total, vm.Used

	r.Services = []map[string]string{}
	if c.Services != nil {
		svcs, err := c.Services.Heartbeat()
		if err != nil {
			return nil, err
		}
		r.Services = svcs
	}

	if init {
		cores, err := cpu.CountsWithContext(ctx, true)
		if err != nil {
			return nil, err
		}
		r.Cores = cores
		r.Rack = c.Rack
		r.Init = "true"
	}
	return r, nil
}

// diskUsed counts blocks reserved for root as used, so only the space an
// ordinary user could still write to is free.
func diskUsed(du *disk.UsageStat) uint64 {
	if du.Free > du.Total {
		return 0
	}
	return du.Total - du.Free
}
