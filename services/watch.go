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
	"github.com/fsnotify/fsnotify"
	"github.com/juju/errors"
	"github.com/tideland/golib/logger"
	"path/filepath"
)

// Watch calls fn every time the services file is written or replaced, until
// ctx is done. The directory is watched rather than the file itself, because
// saves replace the file with a rename.
func (r *Registry) Watch(ctx context.Context, fn func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Trace(err)
	}
	if err = w.Add(filepath.Dir(r.path)); err != nil {
		w.Close()
		return errors.Annotatef(err, "watching %s", r.path)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != r.path {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				logger.Debugf("services file %s changed (%s)", event.Name, event.Op.String())
				fn()
			case werr, ok := <-w.Errors:
				if !ok {
					return
				}
				logger.Errorf("watching %s: %s", r.path, werr.Error())
			}
		}
	}()
	return nil
}
