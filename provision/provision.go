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

// Package provision builds the services file records for the MySQL Cluster
// processes a host can run: data nodes, the management server, mysqld and
// memcached.
package provision

import (
	"fmt"
	"github.com/juju/errors"
	"github.com/kthfs/kthfsagent/services"
	"path"
)

// DefaultPrefix is the section prefix used for cluster services.
const DefaultPrefix = "hdfs1"

const serviceGroup = "mysqlcluster"

// Layout describes where one cluster host keeps its scripts and logs.
type Layout struct {
	Prefix     string
	Instance   string
	ScriptsDir string
	LogDir     string
	NodeID     int
}

func (l *Layout) validate() error {
	if l.Instance == "" {
		return errors.NotValidf("empty instance")
	}
	if l.ScriptsDir == "" {
		return errors.NotValidf("empty scripts directory")
	}
	if l.LogDir == "" {
		return errors.NotValidf("empty log directory")
	}
	if l.NodeID < 1 {
		return errors.NotValidf("node id %d", l.NodeID)
	}
	return nil
}

func (l *Layout) section(service string) string {
	p := l.Prefix
	if p == "" {
		p = DefaultPrefix
	}
	return services.SectionName(p, service)
}

func (l *Layout) script(name string) string {
	return path.Join(l.ScriptsDir, name)
}

func (l *Layout) logFile(format string) string {
	return path.Join(l.LogDir, fmt.Sprintf(format, l.NodeID))
}

// Ndbd returns the entry for an NDB data node.
func (l *Layout) Ndbd() ([]services.Entry, error) {
	if err := l.validate(); err != nil {
		return nil, err
	}
	rec := &services.Record{
		Status:       services.StatusStopped,
		Instance:     l.Instance,
		ServiceGroup: serviceGroup,
		Service:      "ndb",
		InitScript:   l.script("ndbd-init.sh"),
		StopScript:   l.script("ndbd-stop.sh"),
		StartScript:  l.script("ndbd-start.sh"),
		PidFile:      l.logFile("ndb_%d.pid"),
		StdoutFile:   l.logFile("ndb_%d_out.log"),
		StderrFile:   l.logFile("ndb_%d_err.log"),
	}
	return []services.Entry{{Name: l.section("ndb"), Record: rec}}, nil
}

// Mgmd returns the two entries a management server host carries: the
// cluster as a whole, which can only be shut down, and the management
// server process.
func (l *Layout) Mgmd() ([]services.Entry, error) {
	if err := l.validate(); err != nil {
		return nil, err
	}
	cluster := &services.Record{
		Status:       services.StatusStopped,
		Instance:     l.Instance,
		ServiceGroup: serviceGroup,
		Service:      "mysqlcluster",
		StopScript:   l.script("cluster-shutdown.sh"),
		StdoutFile:   path.Join(l.LogDir, "cluster.log"),
	}
	mgm := &services.Record{
		Instance:     l.Instance,
		ServiceGroup: serviceGroup,
		Service:      "mgmserver",
		StopScript:   l.script("mgm-server-stop.sh"),
		StartScript:  l.script("mgm-server-start.sh"),
		PidFile:      l.logFile("ndb_%d.pid"),
		StdoutFile:   l.logFile("ndb_%d.out.log"),
		StderrFile:   l.logFile("ndb_%d.err.log"),
	}
	return []services.Entry{
		{Name: l.section("mysqlcluster"), Record: cluster},
		{Name: l.section("mgmserver"), Record: mgm},
	}, nil
}

// Mysqld returns the entry for a MySQL server attached to the cluster.
func (l *Layout) Mysqld() ([]services.Entry, error) {
	if err := l.validate(); err != nil {
		return nil, err
	}
	rec := &services.Record{
		Status:       services.StatusStopped,
		Instance:     l.Instance,
		ServiceGroup: serviceGroup,
		Service:      "mysqld",
		StopScript:   l.script("mysql-server-stop.sh"),
		StartScript:  l.script("mysql-server-start.sh"),
		PidFile:      l.logFile("mysql_%d.pid"),
		StdoutFile:   l.logFile("mysql_%d.out.log"),
		StderrFile:   l.logFile("mysql_%d.err.log"),
	}
	return []services.Entry{{Name: l.section("mysqld"), Record: rec}}, nil
}

// Memcached returns the entry for the NDB memcached API node.
func (l *Layout) Memcached() ([]services.Entry, error) {
	if err := l.validate(); err != nil {
		return nil, err
	}
	rec := &services.Record{
		Status:       services.StatusStopped,
		Instance:     l.Instance,
		ServiceGroup: serviceGroup,
		Service:      "memcached",
		StopScript:   l.script("memcached-stop.sh"),
		StartScript:  l.script("memcached-start.sh"),
		PidFile:      l.logFile("memcached_%d.pid"),
		StdoutFile:   l.logFile("memcached_%d.out.log"),
		StderrFile:   l.logFile("memcached_%d.err.log"),
	}
	return []services.Entry{{Name: l.section("memcached"), Record: rec}}, nil
}

// InferNodeID finds this host's cluster node id: its 1-based position in the
// list of cluster addresses. An address listed twice gets the later id.
func InferNodeID(myIP string, addrs []string) (int, error) {
	if myIP == "" {
		return 0, errors.NotValidf("empty local address")
	}
	id := 0
	for i, a := range addrs {
		if a == myIP {
			id = i + 1
		}
	}
	if id == 0 {
		return 0, errors.NotFoundf("address %s in cluster address list", myIP)
	}
	return id, nil
}
