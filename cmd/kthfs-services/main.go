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

// Command kthfs-services writes the services file records for the cluster
// processes installed on a host, and can list or remove them.
package main

import (
	"fmt"
	"github.com/jessevdk/go-flags"
	"github.com/juju/errors"
	"github.com/kthfs/kthfsagent/collectd"
	"github.com/kthfs/kthfsagent/provision"
	"github.com/kthfs/kthfsagent/services"
	"github.com/tideland/golib/logger"
	"io"
	"os"
	"text/tabwriter"
)

type globalOpts struct {
	Verbose      []bool   `short:"V" long:"verbose" description:"Show verbose debug information. Repeat for more verbosity."`
	ServicesFile string   `short:"f" long:"services-file" default:"/var/lib/kthfsagent/services" description:"Path to the services file."`
	Instance     string   `short:"i" long:"instance" default:"kthfs1" description:"Instance the services belong to."`
	Prefix       string   `long:"prefix" default:"hdfs1" description:"Prefix of the section names."`
	ScriptsDir   string   `long:"scripts-dir" default:"/var/lib/mysql-cluster/ndb/scripts" description:"Directory holding the control scripts."`
	LogDir       string   `long:"log-dir" default:"/var/lib/mysql-cluster/ndb/log" description:"Directory holding pid and log files."`
	NodeID       int      `long:"node-id" description:"Cluster node id of this host. Inferred from --my-ip and --addr when not given."`
	MyIP         string   `long:"my-ip" description:"This host's cluster address."`
	Addrs        []string `long:"addr" description:"Cluster address, in node id order. Repeat for each node."`
}

type cli struct {
	opts globalOpts
	out  io.Writer
}

// setLogLevel turns -V flags into a logger level, starting from warnings.
func (c *cli) setLogLevel() {
	level := int(logger.LevelWarning) - len(c.opts.Verbose)
	if level < int(logger.LevelDebug) {
		level = int(logger.LevelDebug)
	}
	logger.SetLevel(logger.LogLevel(level))
}

func (c *cli) layout() (*provision.Layout, error) {
	id := c.opts.NodeID
	if id == 0 && c.opts.MyIP != "" {
		var err error
		if id, err = provision.InferNodeID(c.opts.MyIP, c.opts.Addrs); err != nil {
			return nil, err
		}
		logger.Debugf("inferred node id %d for %s", id, c.opts.MyIP)
	}
	return &provision.Layout{
		Prefix:     c.opts.Prefix,
		Instance:   c.opts.Instance,
		ScriptsDir: c.opts.ScriptsDir,
		LogDir:     c.opts.LogDir,
		NodeID:     id,
	}, nil
}

func (c *cli) install(build func(l *provision.Layout) ([]services.Entry, error)) ([]services.Entry, error) {
	c.setLogLevel()
	l, err := c.layout()
	if err != nil {
		return nil, err
	}
	entries, err := build(l)
	if err != nil {
		return nil, err
	}
	reg, err := services.Open(c.opts.ServicesFile)
	if err != nil {
		return nil, err
	}
	if err = reg.Upsert(entries...); err != nil {
		return nil, err
	}
	for _, e := range entries {
		fmt.Fprintf(c.out, "installed %s\n", e.Name)
	}
	return entries, nil
}

type installCmd struct {
	c     *cli
	build func(l *provision.Layout) ([]services.Entry, error)
}

func (i *installCmd) Execute(args []string) error {
	_, err := i.c.install(i.build)
	return err
}

type installMysqldCmd struct {
	c             *cli
	CollectdConf  string `long:"collectd-conf" description:"Append the ndbinfo dbi plugin to this collectd config."`
	MysqlHost     string `long:"mysql-host" default:"localhost" description:"Host collectd connects to."`
	MysqlUser     string `long:"mysql-user" default:"kthfs" description:"User collectd connects as."`
	MysqlPassword string `long:"mysql-password" description:"Password collectd connects with."`
}

func (m *installMysqldCmd) Execute(args []string) error {
	entries, err := m.c.install(func(l *provision.Layout) ([]services.Entry, error) { return l.Mysqld() })
	if err != nil {
		return err
	}
	if m.CollectdConf == "" {
		return nil
	}
	db := collectd.DBI{Host: m.MysqlHost, User: m.MysqlUser, Password: m.MysqlPassword}
	changed, err := collectd.AppendDBIPlugin(m.CollectdConf, entries[0].Name, db)
	if err != nil {
		return err
	}
	if changed {
		fmt.Fprintf(m.c.out, "added collectd dbi plugin to %s\n", m.CollectdConf)
	}
	return nil
}

type removeCmd struct {
	c *cli
}

func (r *removeCmd) Execute(args []string) error {
	if len(args) == 0 {
		return errors.NotValidf("no section names given")
	}
	r.c.setLogLevel()
	reg, err := services.Open(r.c.opts.ServicesFile)
	if err != nil {
		return err
	}
	for _, name := range args {
		if err = reg.Remove(name); err != nil {
			return err
		}
		fmt.Fprintf(r.c.out, "removed %s\n", name)
	}
	return nil
}

type listCmd struct {
	c *cli
}

func (l *listCmd) Execute(args []string) error {
	l.c.setLogLevel()
	reg, err := services.Open(l.c.opts.ServicesFile)
	if err != nil {
		return err
	}
	entries, err := reg.List()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(l.c.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SECTION\tSERVICE\tSTATUS\tPID")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Name, e.Record.Service, e.Record.Status, e.Record.Get(services.KeyPid))
	}
	return w.Flush()
}

func newParser(c *cli) (*flags.Parser, error) {
	parser := flags.NewParser(&c.opts, flags.HelpFlag|flags.PassDoubleDash)
	commands := []struct {
		name, short string
		data        interface{}
	}{
		{"install-ndbd", "Add the NDB data node", &installCmd{c: c, build: (*provision.Layout).Ndbd}},
		{"install-mgmd", "Add the management server and the cluster", &installCmd{c: c, build: (*provision.Layout).Mgmd}},
		{"install-mysqld", "Add the MySQL server", &installMysqldCmd{c: c}},
		{"install-memcached", "Add the memcached API node", &installCmd{c: c, build: (*provision.Layout).Memcached}},
		{"remove", "Remove sections from the services file", &removeCmd{c: c}},
		{"list", "List the services file", &listCmd{c: c}},
	}
	for _, cmd := range commands {
		if _, err := parser.AddCommand(cmd.name, cmd.short, "", cmd.data); err != nil {
			return nil, err
		}
	}
	return parser, nil
}

func run(args []string, out io.Writer) error {
	c := &cli{out: out}
	parser, err := newParser(c)
	if err != nil {
		return err
	}
	_, err = parser.ParseArgs(args)
	return err
}

func main() {
	logger.SetLogger(logger.NewGoLogger())
	if err := run(os.Args[1:], os.Stdout); err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			fmt.Fprintln(os.Stdout, err)
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
