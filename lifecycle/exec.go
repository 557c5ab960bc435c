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

package lifecycle

import (
	"bufio"
	"context"
	"github.com/juju/errors"
	"github.com/shirou/gopsutil/v3/process"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
)

var escapedSpace = regexp.MustCompile(`\\$`)

// cmdArgs splits a control script line into argv. A trailing backslash on a
// word joins it to the next one with a space.
func cmdArgs(cmd string) []string {
	argsRaw := strings.Split(strings.TrimSpace(cmd), " ")
	var args []string
	for i := 0; i < len(argsRaw); i++ {
		u := argsRaw[i]
		if u == "" {
			continue
		}
		for escapedSpace.MatchString(u) {
			u = strings.TrimSuffix(u, `\`)
			i++
			if i >= len(argsRaw) {
				break
			}
			u = u + " " + argsRaw[i]
		}
		args = append(args, u)
	}
	return args
}

// runScript runs a control script and waits for it. The script's output is
// discarded: start scripts usually leave a daemon behind that keeps its
// stdout open.
func runScript(ctx context.Context, script string) error {
	args := cmdArgs(script)
	if len(args) == 0 {
		return errors.NotValidf("empty script")
	}
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if err := cmd.Run(); err != nil {
		return errors.Annotatef(err, "running %s", script)
	}
	return nil
}

func readPid(pidFile string) (int, error) {
	if pidFile == "" {
		return 0, errors.NotValidf("empty pid file")
	}
	fp, err := os.Open(pidFile)
	if err != nil {
		return 0, err
	}
	defer fp.Close()
	line, err := bufio.NewReader(fp).ReadString('\n')
	if err != nil && line == "" {
		return 0, errors.Annotatef(err, "reading %s", pidFile)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil {
		return 0, errors.Annotatef(err, "bad pid in %s", pidFile)
	}
	return pid, nil
}

func pidAlive(ctx context.Context, pid int) bool {
	if pid <= 0 {
		return false
	}
	ok, err := process.PidExistsWithContext(ctx, int32(pid))
	return err == nil && ok
}
