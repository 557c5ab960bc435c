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
	"context"
	"crypto"
	"crypto/rsa"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	serfclient "github.com/hashicorp/serf/client"
	"github.com/juju/errors"
	"github.com/kthfs/kthfsagent/lifecycle"
	"github.com/kthfs/kthfsagent/services"
	"github.com/pborman/uuid"
	"github.com/tideland/golib/logger"
	"sort"
	"strings"
	"time"
)

// Serf user events the agent takes part in.
const (
	joinEvent    = "kthfs-join"
	controlEvent = "kthfs-control"
	reportEvent  = "kthfs-control-report"
)

const controlProtoMajor = 0
const controlProtoMinor = 1

// controlReport tells the sender of a control event how it went.
type controlReport struct {
	Node          string `json:"node_name"`
	RunID         string `json:"run_id"`
	Status        string `json:"status"`
	Error         string `json:"error,omitempty"`
	Pid           string `json:"pid,omitempty"`
	ProtocolMajor int    `json:"protocol_major"`
	ProtocolMinor int    `json:"protocol_minor"`
}

type controlHandler struct {
	node    string
	pubKey  *rsa.PublicKey
	slew    time.Duration
	ctl     *lifecycle.Controller
	queue   *runQueue
	publish func(r *controlReport) error
}

func (h *controlHandler) report(runID, status, errMsg string) *controlReport {
	return &controlReport{Node: h.node, RunID: runID, Status: status, Error: errMsg, ProtocolMajor: controlProtoMajor, ProtocolMinor: controlProtoMinor}
}

// process checks and carries out one control request. It returns nil for
// requests addressed to another node.
func (h *controlHandler) process(ctx context.Context, payload map[string]string) *controlReport {
	if payload["node"] != h.node {
		logger.Debugf("control event for %s, not %s", payload["node"], h.node)
		return nil
	}
	runID := payload["run_id"]
	if uuid.Parse(runID) == nil {
		return h.report(runID, "invalid", fmt.Sprintf("runID %s did not validate as a UUID", runID))
	}
	action := payload["action"]
	if action == "" {
		return h.report(runID, "invalid", fmt.Sprintf("No action given for service %s with run ID %s", payload["service"], runID))
	}
	if err := verifyRequest(payload["signature"], assembleReqBlock(payload), h.pubKey); err != nil {
		logger.Errorf("Control request %s for %s/%s could not be verified! %s", runID, payload["instance"], payload["service"], err.Error())
		return h.report(runID, "invalid", fmt.Sprintf("Control request %s could not be verified! %s", runID, err.Error()))
	}
	if ok, err := checkTimeStamp(payload["time"], h.slew); !ok {
		return h.report(runID, "invalid", err.Error())
	}
	if !lifecycle.Allowed(payload["service"], action) {
		return h.report(runID, "nacked", fmt.Sprintf("action %s not allowed for service %s", action, payload["service"]))
	}

	if err := h.queue.addRun(runID); err != nil {
		return h.report(runID, "shutdown", "agent was shutting down")
	}
	defer func() {
		if err := h.queue.removeRun(runID); err != nil {
			logger.Errorf("removing run %s from the queue: %s", runID, err.Error())
		}
	}()

	name := services.SectionName(payload["instance"], payload["service"])
	var pid string
	var err error
	switch action {
	case "init":
		err = h.ctl.Init(ctx, name)
	case "start":
		pid, err = h.ctl.Start(ctx, name)
	case "stop":
		err = h.ctl.Stop(ctx, name)
	}
	switch {
	case err == nil:
		r := h.report(runID, "completed", "")
		r.Pid = pid
		logger.Infof("Finished %s of %s for run %s", action, name, runID)
		return r
	case errors.IsNotFound(err), errors.Is(err, lifecycle.ErrAlreadyStarted), errors.Is(err, lifecycle.ErrNotRunning):
		return h.report(runID, "nacked", err.Error())
	default:
		return h.report(runID, "failed", err.Error())
	}
}

func (h *controlHandler) handleEvent(ctx context.Context, e map[string]interface{}) {
	logger.Debugf("Got an event: %v", e)
	if eName, _ := e["Name"].(string); eName != controlEvent {
		logger.Debugf("Didn't know what to do with %v", e["Name"])
		return
	}
	raw, ok := e["Payload"].([]byte)
	if !ok {
		logger.Errorf("control event without a payload")
		return
	}
	payload := make(map[string]string)
	if err := json.Unmarshal(raw, &payload); err != nil {
		logger.Errorf("bad control event payload: %s", err.Error())
		return
	}
	r := h.process(ctx, payload)
	if r == nil {
		return
	}
	if err := h.publish(r); err != nil {
		logger.Errorf("Error sending control report: %s", err.Error())
	}
}

// reportKilled tells the world about runs an earlier agent never finished.
func (h *controlHandler) reportKilled(runIDs []string) {
	for _, id := range runIDs {
		r := h.report(id, "killed", fmt.Sprintf("run %s on node %s seems to have been killed abruptly by the agent not having a chance to shut down in an orderly fashion", id, h.node))
		if err := h.publish(r); err != nil {
			logger.Errorf("Error sending control report: %s", err.Error())
		}
	}
}

func serfPublisher(serfer *serfclient.RPCClient) func(r *controlReport) error {
	return func(r *controlReport) error {
		jsonReport, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return serfer.UserEvent(reportEvent, jsonReport, false)
	}
}

// listenControl announces this node and handles control events until ctx
// is done.
func listenControl(ctx context.Context, serfer *serfclient.RPCClient, h *controlHandler) error {
	if err := serfer.UserEvent(joinEvent, []byte(h.node), true); err != nil {
		return err
	}
	streamCh := make(chan map[string]interface{}, 10)
	stream, err := serfer.Stream("user:"+controlEvent, streamCh)
	if err != nil {
		return err
	}
	go func() {
		defer serfer.Stop(stream)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-streamCh:
				if !ok {
					return
				}
				go h.handleEvent(ctx, e)
			}
		}
	}()
	return nil
}

func assembleReqBlock(payload map[string]string) string {
	var pkeys []string
	for k := range payload {
		if k == "signature" {
			continue
		}
		pkeys = append(pkeys, k)
	}
	sort.Strings(pkeys)
	parr := make([]string, len(pkeys))
	for i, k := range pkeys {
		parr[i] = fmt.Sprintf("%s: %s", k, payload[k])
	}
	return strings.Join(parr, "\n")
}

func verifyRequest(signature, reqBlock string, pubKey *rsa.PublicKey) error {
	if pubKey == nil {
		return fmt.Errorf("no public key to verify requests with")
	}
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return err
	}
	sigSha := sha1.Sum([]byte(reqBlock))
	return rsa.VerifyPKCS1v15(pubKey, crypto.SHA1, sigSha[:], sig)
}

func checkTimeStamp(timestamp string, slew time.Duration) (bool, error) {
	timeNow := time.Now().UTC()
	timeHeader, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return false, err
	}
	tdiff := timeNow.Sub(timeHeader)
	if tdiff < 0 {
		tdiff = -tdiff
	}
	if tdiff > slew {
		err = fmt.Errorf("Authentication failed. Please check your system's clock.")
		return false, err
	}
	return true, nil
}
