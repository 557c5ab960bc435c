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
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"github.com/BurntSushi/toml"
	"github.com/jessevdk/go-flags"
	"github.com/juju/lumberjack/v2"
	"github.com/tideland/golib/logger"
	"log"
	"net"
	"os"
	"strings"
	"time"
)

const version = "0.1.0"

type conf struct {
	DebugLevel        int    `toml:"debug-level"`
	LogLevel          string `toml:"log-level"`
	LogFile           string `toml:"log-file"`
	LogMaxSize        int    `toml:"log-max-size"`
	LogMaxBackups     int    `toml:"log-max-backups"`
	SysLog            bool   `toml:"syslog"`
	Name              string `toml:"name"`
	IP                string `toml:"ip"`
	Rack              string `toml:"rack"`
	ServicesFile      string `toml:"services-file"`
	PidFile           string `toml:"pid-file"`
	RestAddr          string `toml:"rest-addr"`
	CertDir           string `toml:"cert-dir"`
	Username          string `toml:"username"`
	Password          string `toml:"password"`
	ServerURL         string `toml:"server-url"`
	ServerUsername    string `toml:"server-username"`
	ServerPassword    string `toml:"server-password"`
	ServerInsecure    bool   `toml:"server-insecure"`
	HeartbeatInterval string `toml:"heartbeat-interval"`
	HeartbeatDur      time.Duration
	WatchInterval     string `toml:"watch-interval"`
	WatchDur          time.Duration
	ScriptTimeout     int    `toml:"script-timeout"`
	Endpoint          string `toml:"endpoint"`
	ClientName        string `toml:"clientname"`
	KeyFileName       string `toml:"key-file"`
	Key               string
	SerfAddr          string `toml:"serf-addr"`
	SigningPubKey     string `toml:"sign-pub-key"`
	PubKey            *rsa.PublicKey
	TimeSlew          string `toml:"time-slew"`
	TimeSlewDur       time.Duration
	QueueSaveFile     string `toml:"queue-save-file"`
}

type options struct {
	Version           bool   `short:"v" long:"version" description:"Print version info."`
	Verbose           []bool `short:"V" long:"verbose" description:"Show verbose debug information. Repeat for more verbosity."`
	ConfFile          string `short:"c" long:"config" description:"Specify a configuration file."`
	LogFile           string `short:"L" long:"log-file" description:"Log to this file. The file is rotated once it reaches --log-max-size."`
	LogMaxSize        int    `long:"log-max-size" description:"Size in megabytes at which the log file is rotated. Defaults to 10."`
	SysLog            bool   `short:"s" long:"syslog" description:"Use syslog for logging. Incompatible with -L/--log-file."`
	Name              string `short:"n" long:"name" description:"This host's name, as reported to the dashboard. Defaults to the hostname."`
	IP                string `long:"ip" description:"This host's address, as reported to the dashboard. Defaults to the address the name resolves to."`
	Rack              string `long:"rack" description:"Rack this host sits in."`
	ServicesFile      string `short:"f" long:"services-file" description:"Path to the services file. Defaults to /var/lib/kthfsagent/services."`
	PidFile           string `short:"P" long:"pid-file" description:"Write the agent's pid to this file."`
	RestAddr          string `short:"a" long:"rest-addr" description:"Address the REST endpoint listens on. Defaults to 0.0.0.0:8090."`
	CertDir           string `long:"cert-dir" description:"Directory holding kthfs.pem and kthfs.key. A self-signed pair is created if missing."`
	Username          string `short:"u" long:"username" description:"Username REST callers must supply."`
	Password          string `short:"p" long:"password" description:"Password REST callers must supply."`
	ServerURL         string `short:"e" long:"server-url" description:"Dashboard keep-alive URL heartbeats are posted to."`
	ServerUsername    string `long:"server-username" description:"Username for the dashboard."`
	ServerPassword    string `long:"server-password" description:"Password for the dashboard."`
	HeartbeatInterval string `long:"heartbeat-interval" description:"Time between heartbeats, formatted like 10s, 1m. Defaults to 10s."`
	WatchInterval     string `long:"watch-interval" description:"Time between pid file checks, formatted like 2s. Defaults to 2s."`
	ScriptTimeout     int    `short:"t" long:"script-timeout" description:"The time, in minutes, a control script may run before it is killed. Defaults to 5 minutes."`
	Endpoint          string `long:"chef-endpoint" description:"Chef server endpoint. When set, service status is published to this node's attributes."`
	ClientName        string `long:"chef-client" description:"Chef client name. Defaults to --name."`
	KeyFileName       string `short:"k" long:"key-file" description:"Path to the chef client private key"`
	SerfAddr          string `long:"serf-addr" description:"IP address and port of the serf agent RPC, like 127.0.0.1:7373. Enables control events."`
	SigningPubKey     string `long:"sign-pub-key" description:"Path to public key used to verify signed control events."`
	TimeSlew          string `short:"m" long:"time-slew" description:"Time difference allowed between the node's clock and the time sent in a control event. Formatted like 5m, 150s, etc. Defaults to 15m."`
	QueueSaveFile     string `short:"q" long:"queue-save-file" description:"File to save running control actions to, so the ones cut short by an abrupt shutdown can be reported."`
}

var logLevelNames = map[string]int{"debug": 4, "info": 3, "warning": 2, "error": 1, "critical": 0}

func parseConfig(args []string) (*conf, error) {
	var opts = &options{}
	var config = &conf{}

	_, err := flags.ParseArgs(opts, args)
	if err != nil {
		if ferr, ok := err.(*flags.Error); ok && ferr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		return nil, err
	}

	if opts.Version {
		fmt.Printf("kthfsagent version %s\n", version)
		os.Exit(0)
	}

	if opts.ConfFile != "" {
		if _, err = toml.DecodeFile(opts.ConfFile, config); err != nil {
			return nil, err
		}
	}

	if opts.LogFile != "" {
		config.LogFile = opts.LogFile
	}
	if opts.LogMaxSize != 0 {
		config.LogMaxSize = opts.LogMaxSize
	}
	if config.LogMaxSize == 0 {
		config.LogMaxSize = 10
	}
	if config.LogMaxBackups == 0 {
		config.LogMaxBackups = 1
	}
	if opts.SysLog {
		config.SysLog = opts.SysLog
	}
	if config.LogFile != "" && config.SysLog {
		err = fmt.Errorf("Sorry, but you can't specify both --syslog and --log-file.")
		return nil, err
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if lev, ok := logLevelNames[strings.ToLower(config.LogLevel)]; ok && config.DebugLevel == 0 {
		config.DebugLevel = lev
	}
	// each -V is one step louder than the configured level
	config.DebugLevel += len(opts.Verbose)
	if config.DebugLevel > 4 {
		config.DebugLevel = 4
	}

	if opts.Name != "" {
		config.Name = opts.Name
	}
	if config.Name == "" {
		if config.Name, err = os.Hostname(); err != nil {
			return nil, err
		}
	}
	if opts.IP != "" {
		config.IP = opts.IP
	}
	if config.IP == "" {
		if addrs, lerr := net.LookupHost(config.Name); lerr == nil && len(addrs) > 0 {
			config.IP = addrs[0]
		}
	}
	if opts.Rack != "" {
		config.Rack = opts.Rack
	}
	if config.Rack == "" {
		config.Rack = "default"
	}

	if opts.ServicesFile != "" {
		config.ServicesFile = opts.ServicesFile
	}
	if config.ServicesFile == "" {
		config.ServicesFile = "/var/lib/kthfsagent/services"
	}
	if opts.PidFile != "" {
		config.PidFile = opts.PidFile
	}
	if opts.RestAddr != "" {
		config.RestAddr = opts.RestAddr
	}
	if config.RestAddr == "" {
		config.RestAddr = "0.0.0.0:8090"
	}
	if opts.CertDir != "" {
		config.CertDir = opts.CertDir
	}
	if config.CertDir == "" {
		config.CertDir = "/var/lib/kthfsagent"
	}
	if opts.Username != "" {
		config.Username = opts.Username
	}
	if opts.Password != "" {
		config.Password = opts.Password
	}
	if config.Username == "" || config.Password == "" {
		err = fmt.Errorf("a username and password for the REST endpoint must be given")
		return nil, err
	}

	if opts.ServerURL != "" {
		config.ServerURL = opts.ServerURL
	}
	if opts.ServerUsername != "" {
		config.ServerUsername = opts.ServerUsername
	}
	if opts.ServerPassword != "" {
		config.ServerPassword = opts.ServerPassword
	}

	if opts.HeartbeatInterval != "" {
		config.HeartbeatInterval = opts.HeartbeatInterval
	}
	if config.HeartbeatDur, err = parseDuration("heartbeat-interval", config.HeartbeatInterval, "10s"); err != nil {
		return nil, err
	}
	if opts.WatchInterval != "" {
		config.WatchInterval = opts.WatchInterval
	}
	if config.WatchDur, err = parseDuration("watch-interval", config.WatchInterval, "2s"); err != nil {
		return nil, err
	}
	if opts.TimeSlew != "" {
		config.TimeSlew = opts.TimeSlew
	}
	if config.TimeSlewDur, err = parseDuration("time-slew", config.TimeSlew, "15m"); err != nil {
		return nil, err
	}
	if opts.ScriptTimeout != 0 {
		config.ScriptTimeout = opts.ScriptTimeout
	}
	if config.ScriptTimeout == 0 {
		config.ScriptTimeout = 5
	}

	if opts.Endpoint != "" {
		config.Endpoint = opts.Endpoint
	}
	if opts.ClientName != "" {
		config.ClientName = opts.ClientName
	}
	if opts.KeyFileName != "" {
		config.KeyFileName = opts.KeyFileName
	}
	if config.Endpoint != "" {
		if config.ClientName == "" {
			config.ClientName = config.Name
		}
		if config.KeyFileName == "" {
			err = fmt.Errorf("no private key file for the chef client given")
			return nil, err
		}
		keyData, err := os.ReadFile(config.KeyFileName)
		if err != nil {
			return nil, err
		}
		config.Key = string(keyData)
	}

	if opts.SerfAddr != "" {
		config.SerfAddr = opts.SerfAddr
	}
	if opts.SigningPubKey != "" {
		config.SigningPubKey = opts.SigningPubKey
	}
	if opts.QueueSaveFile != "" {
		config.QueueSaveFile = opts.QueueSaveFile
	}
	if config.SerfAddr != "" {
		if config.SigningPubKey == "" {
			err = fmt.Errorf("No public key for verifying control events given")
			return nil, err
		}
		if config.PubKey, err = loadPubKey(config.SigningPubKey); err != nil {
			return nil, err
		}
	}

	return config, nil
}

func parseDuration(name, value, def string) (time.Duration, error) {
	if value == "" {
		value = def
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("Error parsing %s: %s", name, err.Error())
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", name, value)
	}
	return d, nil
}

func loadPubKey(path string) (*rsa.PublicKey, error) {
	pub, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	pubBlock, _ := pem.Decode(pub)
	if pubBlock == nil {
		err = fmt.Errorf("Invalid block size for public key %s", path)
		return nil, err
	}
	pubKey, err := x509.ParsePKIXPublicKey(pubBlock.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := pubKey.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key %s is not an RSA key", path)
	}
	return rsaKey, nil
}

// setupLogging points the logger where the configuration says. The debug
// level in config is turned around into the logger's own scale.
func setupLogging(config *conf) error {
	if config.LogFile != "" {
		log.SetOutput(&lumberjack.Logger{
			Filename:   config.LogFile,
			MaxSize:    config.LogMaxSize,
			MaxBackups: config.LogMaxBackups,
			Compress:   true,
		})
	} else {
		log.SetOutput(os.Stderr)
	}
	level := int(logger.LevelCritical) - config.DebugLevel
	logger.SetLevel(logger.LogLevel(level))
	debugLevel := map[int]string{0: "debug", 1: "info", 2: "warning", 3: "error", 4: "critical"}
	log.Printf("Logging at %s level", debugLevel[level])
	if config.SysLog {
		sl, err := logger.NewSysLogger("kthfsagent")
		if err != nil {
			return err
		}
		logger.SetLogger(sl)
	} else {
		logger.SetLogger(logger.NewGoLogger())
	}
	return nil
}

// echoLogLevel names the level the REST server's own logger runs at.
func echoLogLevel(config *conf) string {
	for name, lev := range logLevelNames {
		if lev == config.DebugLevel {
			return name
		}
	}
	return "warning"
}
