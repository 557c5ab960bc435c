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

// Package collectd adds plugin blocks for cluster services to a collectd
// configuration file.
package collectd

import (
	"bytes"
	"github.com/gofrs/flock"
	"github.com/google/renameio"
	"github.com/juju/errors"
	"github.com/tideland/golib/logger"
	"os"
	"strings"
	"text/template"
)

// DBI holds the connection settings collectd uses to query ndbinfo.
type DBI struct {
	Host     string
	User     string
	Password string
}

var dbiTmpl = template.Must(template.New("dbi").Parse(`#
# plugins for {{.Name}}
#
LoadPlugin dbi
<Plugin dbi>
  <Query "free_dm">
    Statement "SELECT node_id, total FROM ndbinfo.memoryusage where memory_type LIKE 'Data memory'"
    MinVersion 50000
    <Result>
      Type "gauge"
      InstancePrefix "free_data_memory"
      InstancesFrom "node_id"
      ValuesFrom "total"
    </Result>
  </Query>
  <Query "free_im">
    Statement "SELECT node_id, total FROM ndbinfo.memoryusage where memory_type LIKE 'Index memory'"
    MinVersion 50000
    <Result>
      Type "gauge"
      InstancePrefix "free_index_memory"
      InstancesFrom "node_id"
      ValuesFrom "total"
    </Result>
  </Query>

  <Database "ndbinfo">
    Driver "mysql"
    DriverOption "host" "{{.DB.Host}}"
    DriverOption "username" "{{.DB.User}}"
    DriverOption "password" "{{.DB.Password}}"
    DriverOption "dbname" "ndbinfo"
    SelectDB "ndbinfo"
    Query "free_dm"
    Query "free_im"
  </Database>
</Plugin>

`))

// AppendDBIPlugin appends the ndbinfo memory usage plugin for the named
// mysqld to the collectd config at conf. Nothing is written if the config
// already mentions name. It reports whether the file changed.
func AppendDBIPlugin(conf, name string, db DBI) (bool, error) {
	if name == "" {
		return false, errors.NotValidf("empty plugin name")
	}
	lk := flock.New(conf + ".lock")
	if err := lk.Lock(); err != nil {
		return false, errors.Annotatef(err, "locking %s", conf)
	}
	defer lk.Unlock()

	existing, err := os.ReadFile(conf)
	if err != nil && !os.IsNotExist(err) {
		return false, errors.Annotatef(err, "reading %s", conf)
	}
	if strings.Contains(string(existing), name) {
		logger.Debugf("collectd config %s already has a section for %s", conf, name)
		return false, nil
	}

	buf := bytes.NewBuffer(existing)
	if len(existing) > 0 && existing[len(existing)-1] != '\n' {
		buf.WriteByte('\n')
	}
	data := struct {
		Name string
		DB   DBI
	}{name, db}
	if err = dbiTmpl.Execute(buf, data); err != nil {
		return false, errors.Trace(err)
	}
	if err = renameio.WriteFile(conf, buf.Bytes(), 0644); err != nil {
		return false, errors.Annotatef(err, "writing %s", conf)
	}
	logger.Infof("added dbi plugin for %s to %s", name, conf)
	return true, nil
}
