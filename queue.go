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
	"bytes"
	"encoding/gob"
	"fmt"
	"github.com/google/renameio"
	"os"
	"sort"
	"sync"
)

// runQueue tracks the control actions in flight, so shutdown can wait for
// them and a restart can report the ones an abrupt exit cut short.
type runQueue struct {
	shuttingDown bool
	running      map[string]bool
	saveFile     string
	sync.RWMutex
}

func (q *runQueue) setShutDown() {
	q.Lock()
	defer q.Unlock()
	q.shuttingDown = true
}

func (q *runQueue) addRun(runID string) error {
	q.Lock()
	defer q.Unlock()
	if q.shuttingDown {
		return fmt.Errorf("shutting down, not accepting new control actions")
	}
	if q.running == nil {
		q.running = make(map[string]bool)
	}
	q.running[runID] = true
	return q.saveStatus()
}

func (q *runQueue) removeRun(runID string) error {
	q.Lock()
	defer q.Unlock()
	delete(q.running, runID)
	return q.saveStatus()
}

func (q *runQueue) numberOfRuns() int {
	q.RLock()
	defer q.RUnlock()
	return len(q.running)
}

// saveStatus must be called with the lock held.
func (q *runQueue) saveStatus() error {
	if q.saveFile == "" {
		return nil
	}
	buf := new(bytes.Buffer)
	if err := gob.NewEncoder(buf).Encode(q.running); err != nil {
		return err
	}
	return renameio.WriteFile(q.saveFile, buf.Bytes(), 0600)
}

// checkOldRuns starts tracking runs in saveFile and returns the ids of any
// runs left there by a previous agent that never finished them.
func (q *runQueue) checkOldRuns(saveFile string) ([]string, error) {
	if saveFile == "" {
		// not keeping track of possibly orphaned runs
		return nil, nil
	}
	q.Lock()
	defer q.Unlock()
	q.saveFile = saveFile
	fp, err := os.Open(saveFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer fp.Close()
	old := make(map[string]bool)
	if err = gob.NewDecoder(fp).Decode(&old); err != nil {
		return nil, err
	}
	var ids []string
	for k := range old {
		ids = append(ids, k)
	}
	sort.Strings(ids)
	q.running = make(map[string]bool)
	return ids, q.saveStatus()
}
