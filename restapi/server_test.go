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
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"github.com/google/go-cmp/cmp"
	"github.com/kthfs/kthfsagent/lifecycle"
	"github.com/kthfs/kthfsagent/services"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
)

type fakeRefresher struct {
	calls int
}

func (f *fakeRefresher) Refresh(ctx context.Context) error {
	f.calls++
	return nil
}

var creds = Credentials{Username: "kthfsagent@sics.se", Password: "kthfsagent"}

type testServer struct {
	*httptest.Server
	reg *services.Registry
	hb  *fakeRefresher
	dir string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	dir := t.TempDir()
	reg, err := services.Open(filepath.Join(dir, "services"))
	if err != nil {
		t.Fatal(err)
	}
	pidFile := filepath.Join(dir, "mysql_1.pid")
	script := func(name, body string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
			t.Fatal(err)
		}
		return p
	}
	out := filepath.Join(dir, "mysql_1.out.log")
	var lines []string
	for i := 1; i <= 10; i++ {
		lines = append(lines, fmt.Sprintf("line %d", i))
	}
	if err = os.WriteFile(out, []byte(strings.Join(lines, "\n")+"\n"), 0644); err != nil {
		t.Fatal(err)
	}
	conf := filepath.Join(dir, "my.cnf")
	if err = os.WriteFile(conf, []byte("[mysqld]\nndbcluster\n"), 0644); err != nil {
		t.Fatal(err)
	}
	rec := &services.Record{
		Status:       services.StatusStopped,
		Instance:     "kthfs1",
		ServiceGroup: "mysqlcluster",
		Service:      "mysqld",
		StartScript:  script("start.sh", fmt.Sprintf("echo %d > %s", os.Getpid(), pidFile)),
		StopScript:   script("stop.sh", "rm -f "+pidFile),
		PidFile:      pidFile,
		StdoutFile:   out,
		StderrFile:   filepath.Join(dir, "missing.err.log"),
		Extra:        map[string]string{services.KeyConfigFile: conf},
	}
	if err = reg.Upsert(services.Entry{Name: "hdfs1-mysqld", Record: rec}); err != nil {
		t.Fatal(err)
	}
	hb := &fakeRefresher{}
	s := New(lifecycle.New(reg), hb, creds, "error")
	ts := &testServer{Server: httptest.NewServer(s.Handler()), reg: reg, hb: hb, dir: dir}
	t.Cleanup(ts.Close)
	return ts
}

func (ts *testServer) get(t *testing.T, path string, auth bool) (int, string) {
	t.Helper()
	url := ts.URL + path
	if auth {
		url += "?username=kthfsagent%40sics.se&password=kthfsagent"
	}
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestAuthentication(t *testing.T) {
	ts := newTestServer(t)
	code, body := ts.get(t, "/ping", false)
	if code != http.StatusBadRequest || body != "Invalid username/password." {
		t.Errorf("unauthenticated ping should fail, got %d %q", code, body)
	}
	code, body = ts.get(t, "/ping?username=kthfsagent%40sics.se&password=nope", false)
	if code != http.StatusBadRequest {
		t.Errorf("bad password should fail, got %d %q", code, body)
	}
	code, body = ts.get(t, "/ping", true)
	if code != http.StatusOK || body != "Kthfs-Agent: Pong" {
		t.Errorf("ping should pong, got %d %q", code, body)
	}
}

func TestDoStartStop(t *testing.T) {
	ts := newTestServer(t)

	code, body := ts.get(t, "/do/hdfs1/mysqld/init", true)
	if code != http.StatusBadRequest || body != "Invalid command." {
		t.Errorf("mysqld has no init, got %d %q", code, body)
	}
	code, body = ts.get(t, "/do/hdfs1/ndb/start", true)
	if code != http.StatusBadRequest || body != "Service not installed." {
		t.Errorf("ndb isn't installed, got %d %q", code, body)
	}
	code, body = ts.get(t, "/do/hdfs1/mysqld/stop", true)
	if code != http.StatusBadRequest || body != "Service is not running." {
		t.Errorf("stopping a stopped service, got %d %q", code, body)
	}

	code, body = ts.get(t, "/do/hdfs1/mysqld/start", true)
	if code != http.StatusOK {
		t.Fatalf("start should succeed, got %d %q", code, body)
	}
	var started map[string]string
	if err := json.Unmarshal([]byte(body), &started); err != nil {
		t.Fatal(err)
	}
	want := map[string]string{"pid": strconv.Itoa(os.Getpid()), "msg": "Service started."}
	if diff := cmp.Diff(want, started); diff != "" {
		t.Errorf("start response (-want +got):\n%s", diff)
	}
	code, body = ts.get(t, "/do/hdfs1/mysqld/start", true)
	if code != http.StatusBadRequest || body != "Service already started." {
		t.Errorf("double start, got %d %q", code, body)
	}
	code, body = ts.get(t, "/do/hdfs1/mysqld/stop", true)
	if code != http.StatusOK || body != "Service stopped." {
		t.Errorf("stop should succeed, got %d %q", code, body)
	}
}

func TestLog(t *testing.T) {
	ts := newTestServer(t)
	code, body := ts.get(t, "/log/hdfs1/mysqld/stdout/3", true)
	if code != http.StatusOK || body != "line 8\nline 9\nline 10\n" {
		t.Errorf("expected the last three lines, got %d %q", code, body)
	}
	code, body = ts.get(t, "/log/hdfs1/mysqld/stdout/100", true)
	if code != http.StatusOK || strings.Count(body, "\n") != 10 {
		t.Errorf("asking for more lines than exist returns them all, got %d %q", code, body)
	}
	code, body = ts.get(t, "/log/hdfs1/mysqld/stderr/3", true)
	if code != http.StatusBadRequest || body != "Cannot read file." {
		t.Errorf("missing log file, got %d %q", code, body)
	}
	code, body = ts.get(t, "/log/hdfs1/mysqld/syslog/3", true)
	if code != http.StatusBadRequest || body != "Invalid log type." {
		t.Errorf("bad log type, got %d %q", code, body)
	}
	code, body = ts.get(t, "/log/hdfs1/ndb/stdout/3", true)
	if code != http.StatusBadRequest || body != "Instance/Service not available." {
		t.Errorf("unknown service, got %d %q", code, body)
	}
}

func TestTailKeepsPartialLine(t *testing.T) {
	p := filepath.Join(t.TempDir(), "ndb_1_out.log")
	if err := os.WriteFile(p, []byte("one\ntwo\nthree"), 0644); err != nil {
		t.Fatal(err)
	}
	cases := []struct {
		n    int
		want string
	}{
		{2, "two\nthree\n"},
		{1, "three\n"},
		{0, ""},
	}
	for _, c := range cases {
		got, err := tail(p, c.n)
		if err != nil {
			t.Fatal(err)
		}
		if got != c.want {
			t.Errorf("tail %d: want %q, got %q", c.n, c.want, got)
		}
	}
}

func TestConfigAndInfo(t *testing.T) {
	ts := newTestServer(t)
	code, body := ts.get(t, "/config/hdfs1/mysqld", true)
	if code != http.StatusOK || body != "[mysqld]\nndbcluster\n" {
		t.Errorf("config should be returned, got %d %q", code, body)
	}
	code, body = ts.get(t, "/info/hdfs1/mysqld", true)
	if code != http.StatusOK {
		t.Fatalf("info should succeed, got %d %q", code, body)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(body), &info); err != nil {
		t.Fatal(err)
	}
	if info["service"] != "mysqld" || info["status"] != "Stopped" {
		t.Errorf("unexpected info %v", info)
	}
	code, _ = ts.get(t, "/info/hdfs1/ndb", true)
	if code != http.StatusBadRequest {
		t.Errorf("info on an unknown service should be 400, got %d", code)
	}
}

func TestRefresh(t *testing.T) {
	ts := newTestServer(t)
	code, body := ts.get(t, "/refresh", true)
	if code != http.StatusOK || body != "OK" {
		t.Errorf("refresh, got %d %q", code, body)
	}
	if ts.hb.calls != 1 {
		t.Errorf("refresh should send one heartbeat, sent %d", ts.hb.calls)
	}
}

func TestEnsureCert(t *testing.T) {
	dir := t.TempDir()
	certPath, keyPath, err := EnsureCert(dir, "cloud1.sics.se")
	if err != nil {
		t.Fatal(err)
	}
	pair, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		t.Fatal(err)
	}
	if len(pair.Certificate) != 1 {
		t.Errorf("expected one certificate, got %d", len(pair.Certificate))
	}
	before, _ := os.ReadFile(certPath)
	if _, _, err = EnsureCert(dir, "cloud1.sics.se"); err != nil {
		t.Fatal(err)
	}
	after, _ := os.ReadFile(certPath)
	if string(before) != string(after) {
		t.Error("an existing certificate should be left alone")
	}
}
