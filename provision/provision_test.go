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

package provision

import (
	"github.com/google/go-cmp/cmp"
	"github.com/juju/errors"
	"github.com/kthfs/kthfsagent/services"
	"path/filepath"
	"testing"
)

var layout = &Layout{
	Instance:   "kthfs1",
	ScriptsDir: "/var/lib/mysql-cluster/ndb/scripts",
	LogDir:     "/var/lib/mysql-cluster/log",
	NodeID:     3,
}

func TestNdbd(t *testing.T) {
	entries, err := layout.Ndbd()
	if err != nil {
		t.Fatal(err)
	}
	want := []services.Entry{{
		Name: "hdfs1-ndb",
		Record: &services.Record{
			Status:       "Stopped",
			Instance:     "kthfs1",
			ServiceGroup: "mysqlcluster",
			Service:      "ndb",
			InitScript:   "/var/lib/mysql-cluster/ndb/scripts/ndbd-init.sh",
			StopScript:   "/var/lib/mysql-cluster/ndb/scripts/ndbd-stop.sh",
			StartScript:  "/var/lib/mysql-cluster/ndb/scripts/ndbd-start.sh",
			PidFile:      "/var/lib/mysql-cluster/log/ndb_3.pid",
			StdoutFile:   "/var/lib/mysql-cluster/log/ndb_3_out.log",
			StderrFile:   "/var/lib/mysql-cluster/log/ndb_3_err.log",
		},
	}}
	if diff := cmp.Diff(want, entries); diff != "" {
		t.Errorf("ndbd entries mismatch (-want +got):\n%s", diff)
	}
}

func TestMgmd(t *testing.T) {
	entries, err := layout.Mgmd()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("mgmd should produce 2 entries, got %d", len(entries))
	}
	cluster, mgm := entries[0], entries[1]
	if cluster.Name != "hdfs1-mysqlcluster" || mgm.Name != "hdfs1-mgmserver" {
		t.Errorf("unexpected section names %s, %s", cluster.Name, mgm.Name)
	}
	if cluster.Record.StartScript != "" || cluster.Record.PidFile != "" {
		t.Errorf("the cluster entry can't be started or watched: %+v", cluster.Record)
	}
	if cluster.Record.StdoutFile != "/var/lib/mysql-cluster/log/cluster.log" {
		t.Errorf("bad cluster log %s", cluster.Record.StdoutFile)
	}
	if mgm.Record.Status != "" {
		t.Errorf("mgmserver status should start out empty, got %s", mgm.Record.Status)
	}
	if mgm.Record.StderrFile != "/var/lib/mysql-cluster/log/ndb_3.err.log" {
		t.Errorf("bad mgmserver stderr %s", mgm.Record.StderrFile)
	}
}

func TestMysqldAndMemcached(t *testing.T) {
	l := *layout
	l.Prefix = "hdfs2"
	l.NodeID = 7
	m, err := l.Mysqld()
	if err != nil {
		t.Fatal(err)
	}
	if m[0].Name != "hdfs2-mysqld" || m[0].Record.PidFile != "/var/lib/mysql-cluster/log/mysql_7.pid" {
		t.Errorf("unexpected mysqld entry %s %+v", m[0].Name, m[0].Record)
	}
	mc, err := l.Memcached()
	if err != nil {
		t.Fatal(err)
	}
	if mc[0].Name != "hdfs2-memcached" || mc[0].Record.StartScript != "/var/lib/mysql-cluster/ndb/scripts/memcached-start.sh" {
		t.Errorf("unexpected memcached entry %s %+v", mc[0].Name, mc[0].Record)
	}
}

func TestLayoutValidation(t *testing.T) {
	cases := map[string]Layout{
		"no instance":    {ScriptsDir: "/s", LogDir: "/l", NodeID: 1},
		"no scripts dir": {Instance: "i", LogDir: "/l", NodeID: 1},
		"no log dir":     {Instance: "i", ScriptsDir: "/s", NodeID: 1},
		"no node id":     {Instance: "i", ScriptsDir: "/s", LogDir: "/l"},
	}
	for name, l := range cases {
		if _, err := l.Ndbd(); !errors.IsNotValid(err) {
			t.Errorf("%s: expected not valid, got %v", name, err)
		}
	}
}

func TestInferNodeID(t *testing.T) {
	addrs := []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"}
	id, err := InferNodeID("10.0.0.2", addrs)
	if err != nil {
		t.Fatal(err)
	}
	if id != 2 {
		t.Errorf("expected node id 2, got %d", id)
	}
	if id, err = InferNodeID("10.0.0.1", append(addrs, "10.0.0.1")); err != nil || id != 4 {
		t.Errorf("the last listing of an address should win, got %d (%v)", id, err)
	}
	if _, err = InferNodeID("10.0.0.9", addrs); !errors.IsNotFound(err) {
		t.Errorf("unknown address should be not found, got %v", err)
	}
	if _, err = InferNodeID("", addrs); !errors.IsNotValid(err) {
		t.Errorf("empty address should be not valid, got %v", err)
	}
}

func TestProvisionIntoRegistry(t *testing.T) {
	reg, err := services.Open(filepath.Join(t.TempDir(), "services"))
	if err != nil {
		t.Fatal(err)
	}
	for _, build := range []func() ([]services.Entry, error){layout.Ndbd, layout.Mgmd, layout.Mysqld, layout.Memcached} {
		entries, err := build()
		if err != nil {
			t.Fatal(err)
		}
		if err = reg.Upsert(entries...); err != nil {
			t.Fatal(err)
		}
	}
	// a second provisioning run must not duplicate anything
	entries, _ := layout.Ndbd()
	if err = reg.Upsert(entries...); err != nil {
		t.Fatal(err)
	}
	all, err := reg.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Errorf("expected 5 sections, got %d", len(all))
	}
}
