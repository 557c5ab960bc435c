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
	"context"
	"fmt"
	"github.com/google/go-cmp/cmp"
	"github.com/juju/errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newRegistry(t *testing.T) *Registry {
	t.Helper()
	reg, err := Open(filepath.Join(t.TempDir(), "kthfsagent", "services"))
	if err != nil {
		t.Fatal(err)
	}
	return reg
}

func ndbRecord() *Record {
	return &Record{
		Status:       StatusStopped,
		Instance:     "kthfs1",
		ServiceGroup: "mysqlcluster",
		Service:      "ndb",
		InitScript:   "/var/lib/mysql-cluster/ndb/scripts/ndbd-init.sh",
		StopScript:   "/var/lib/mysql-cluster/ndb/scripts/ndbd-stop.sh",
		StartScript:  "/var/lib/mysql-cluster/ndb/scripts/ndbd-start.sh",
		PidFile:      "/var/lib/mysql-cluster/log/ndb_3.pid",
		StdoutFile:   "/var/lib/mysql-cluster/log/ndb_3_out.log",
		StderrFile:   "/var/lib/mysql-cluster/log/ndb_3_err.log",
	}
}

func TestOpenCreatesFile(t *testing.T) {
	reg := newRegistry(t)
	if _, err := os.Stat(reg.Path()); err != nil {
		t.Errorf("services file should exist after Open: %s", err.Error())
	}
	entries, err := reg.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("new services file should be empty, got %d entries", len(entries))
	}
}

func TestOpenEmptyPath(t *testing.T) {
	if _, err := Open(""); !errors.IsNotValid(err) {
		t.Errorf("expected a not valid error, got %v", err)
	}
}

func TestUpsertAndGet(t *testing.T) {
	reg := newRegistry(t)
	want := ndbRecord()
	if err := reg.Upsert(Entry{Name: "hdfs1-ndb", Record: want}); err != nil {
		t.Fatal(err)
	}
	got, err := reg.Get("hdfs1-ndb")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("record mismatch (-want +got):\n%s", diff)
	}
}

func TestUpsertReplacesWholeSection(t *testing.T) {
	reg := newRegistry(t)
	if err := reg.Upsert(Entry{Name: "hdfs1-ndb", Record: ndbRecord()}); err != nil {
		t.Fatal(err)
	}
	if err := reg.Update("hdfs1-ndb", map[string]string{KeyStatus: StatusStarted, KeyPid: "1234"}, nil); err != nil {
		t.Fatal(err)
	}
	fresh := ndbRecord()
	fresh.PidFile = "/tmp/ndb_4.pid"
	if err := reg.Upsert(Entry{Name: "hdfs1-ndb", Record: fresh}); err != nil {
		t.Fatal(err)
	}
	got, err := reg.Get("hdfs1-ndb")
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(fresh, got); diff != "" {
		t.Errorf("upsert should drop runtime keys (-want +got):\n%s", diff)
	}
	entries, _ := reg.List()
	if len(entries) != 1 {
		t.Errorf("section names should stay unique, got %d entries", len(entries))
	}
}

func TestUpsertSeveral(t *testing.T) {
	reg := newRegistry(t)
	cluster := &Record{Status: StatusStopped, Instance: "kthfs1", ServiceGroup: "mysqlcluster", Service: "mysqlcluster"}
	mgm := &Record{Instance: "kthfs1", ServiceGroup: "mysqlcluster", Service: "mgmserver"}
	err := reg.Upsert(Entry{Name: "hdfs1-mysqlcluster", Record: cluster}, Entry{Name: "hdfs1-mgmserver", Record: mgm})
	if err != nil {
		t.Fatal(err)
	}
	entries, err := reg.List()
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name)
	}
	if diff := cmp.Diff([]string{"hdfs1-mysqlcluster", "hdfs1-mgmserver"}, names); diff != "" {
		t.Errorf("unexpected sections (-want +got):\n%s", diff)
	}
}

func TestUpsertInvalid(t *testing.T) {
	reg := newRegistry(t)
	if err := reg.Upsert(Entry{Name: "", Record: ndbRecord()}); !errors.IsNotValid(err) {
		t.Errorf("empty name should be rejected, got %v", err)
	}
	if err := reg.Upsert(Entry{Name: "hdfs1-ndb"}); !errors.IsNotValid(err) {
		t.Errorf("nil record should be rejected, got %v", err)
	}
}

func TestUpdate(t *testing.T) {
	reg := newRegistry(t)
	if err := reg.Upsert(Entry{Name: "hdfs1-ndb", Record: ndbRecord()}); err != nil {
		t.Fatal(err)
	}
	err := reg.Update("hdfs1-ndb", map[string]string{KeyStatus: StatusStarted, KeyPid: "42", KeyStartTime: "100"}, []string{KeyStopTime})
	if err != nil {
		t.Fatal(err)
	}
	err = reg.Update("hdfs1-ndb", map[string]string{KeyStatus: StatusStopped, KeyStopTime: "200"}, []string{KeyPid})
	if err != nil {
		t.Fatal(err)
	}
	got, err := reg.Get("hdfs1-ndb")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusStopped {
		t.Errorf("status should be %s, got %s", StatusStopped, got.Status)
	}
	want := map[string]string{KeyStartTime: "100", KeyStopTime: "200"}
	if diff := cmp.Diff(want, got.Extra); diff != "" {
		t.Errorf("extra keys mismatch (-want +got):\n%s", diff)
	}
	if err = reg.Update("nope-ndb", map[string]string{KeyStatus: StatusStarted}, nil); !errors.IsNotFound(err) {
		t.Errorf("updating a missing section should be not found, got %v", err)
	}
}

func TestRemoveAndHas(t *testing.T) {
	reg := newRegistry(t)
	if err := reg.Upsert(Entry{Name: "hdfs1-ndb", Record: ndbRecord()}); err != nil {
		t.Fatal(err)
	}
	ok, err := reg.Has("hdfs1-ndb")
	if err != nil || !ok {
		t.Errorf("expected hdfs1-ndb to be present: %v %v", ok, err)
	}
	if err = reg.Remove("hdfs1-ndb"); err != nil {
		t.Fatal(err)
	}
	ok, err = reg.Has("hdfs1-ndb")
	if err != nil || ok {
		t.Errorf("expected hdfs1-ndb to be gone: %v %v", ok, err)
	}
	if err = reg.Remove("hdfs1-ndb"); !errors.IsNotFound(err) {
		t.Errorf("removing twice should be not found, got %v", err)
	}
	if _, err = reg.Get("hdfs1-ndb"); !errors.IsNotFound(err) {
		t.Errorf("get of a removed section should be not found, got %v", err)
	}
}

func TestHeartbeatDropsPaths(t *testing.T) {
	reg := newRegistry(t)
	rec := ndbRecord()
	rec.Extra = map[string]string{KeyConfigFile: "/etc/my.cnf", KeyPid: "7"}
	if err := reg.Upsert(Entry{Name: "hdfs1-ndb", Record: rec}); err != nil {
		t.Fatal(err)
	}
	hb, err := reg.Heartbeat()
	if err != nil {
		t.Fatal(err)
	}
	want := []map[string]string{{
		KeyStatus:       StatusStopped,
		KeyInstance:     "kthfs1",
		KeyServiceGroup: "mysqlcluster",
		KeyService:      "ndb",
		KeyPid:          "7",
	}}
	if diff := cmp.Diff(want, hb); diff != "" {
		t.Errorf("heartbeat mismatch (-want +got):\n%s", diff)
	}
}

func TestReadsHandWrittenFile(t *testing.T) {
	reg := newRegistry(t)
	content := `; written by hand
[hdfs1-mysqld]
status = Started
instance = kthfs1
service-group = mysqlcluster
service = mysqld
pid-file = /var/lib/mysql-cluster/log/mysql_#1.pid
config-file = /etc/my.cnf
`
	if err := os.WriteFile(reg.Path(), []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	got, err := reg.Get("hdfs1-mysqld")
	if err != nil {
		t.Fatal(err)
	}
	if got.PidFile != "/var/lib/mysql-cluster/log/mysql_#1.pid" {
		t.Errorf("pid-file should survive a '#', got %q", got.PidFile)
	}
	if got.Get(KeyConfigFile) != "/etc/my.cnf" {
		t.Errorf("config-file should be kept as an extra key, got %q", got.Get(KeyConfigFile))
	}
}

// Two handles on the same file stand in for two provisioning runs.
func TestConcurrentUpsertsKeepEverySection(t *testing.T) {
	a := newRegistry(t)
	b, err := Open(a.Path())
	if err != nil {
		t.Fatal(err)
	}
	var wg sync.WaitGroup
	n := 20
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg := a
			if i%2 == 1 {
				reg = b
			}
			rec := ndbRecord()
			rec.Service = fmt.Sprintf("svc%d", i)
			if err := reg.Upsert(Entry{Name: SectionName("hdfs1", rec.Service), Record: rec}); err != nil {
				t.Error(err)
			}
		}(i)
	}
	wg.Wait()
	entries, err := a.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != n {
		t.Errorf("expected %d sections after concurrent upserts, got %d", n, len(entries))
	}
}

func TestWatch(t *testing.T) {
	reg := newRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changed := make(chan struct{}, 16)
	if err := reg.Watch(ctx, func() { changed <- struct{}{} }); err != nil {
		t.Fatal(err)
	}
	if err := reg.Upsert(Entry{Name: "hdfs1-ndb", Record: ndbRecord()}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-changed:
	case <-time.After(5 * time.Second):
		t.Error("no change notification after an upsert")
	}
}

func TestSectionName(t *testing.T) {
	if n := SectionName("hdfs1", "mysqld"); n != "hdfs1-mysqld" {
		t.Errorf("expected hdfs1-mysqld, got %s", n)
	}
	if !strings.HasPrefix(SectionName("a", "b"), "a-") {
		t.Error("section names should start with the instance")
	}
}
