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

package heartbeat

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"github.com/go-chef/chef"
	serfclient "github.com/hashicorp/serf/client"
	"github.com/tideland/golib/logger"
	"io"
	"net/http"
	"time"
)

// Sender delivers a heartbeat somewhere.
type Sender interface {
	Send(ctx context.Context, r *Report) error
}

// DashboardSender posts heartbeats to the dashboard's keep-alive endpoint.
type DashboardSender struct {
	URL      string
	Username string
	Password string
	client   *http.Client
}

// NewDashboardSender returns a sender posting to url with basic auth. The
// dashboard normally runs with a self-signed certificate, so with insecure
// set the certificate isn't checked.
func NewDashboardSender(url, username, password string, insecure bool) *DashboardSender {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	if insecure {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return &DashboardSender{URL: url, Username: username, Password: password, client: &http.Client{Transport: tr, Timeout: 30 * time.Second}}
}

// Send posts the report.
func (d *DashboardSender) Send(ctx context.Context, r *Report) error {
	jsonReport, err := json.Marshal(r)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.URL, bytes.NewReader(jsonReport))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(d.Username, d.Password)
	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("Request status was %d: returned %s, and %q in the response", resp.StatusCode, resp.Status, string(body))
	}
	return nil
}

// ChefSender publishes the heartbeat's service list as normal attributes of
// the agent's node on the Chef server, under "kthfsagent".
type ChefSender struct {
	node   string
	client *chef.Client
}

// NewChefSender returns a sender updating node through chefClient.
func NewChefSender(node string, chefClient *chef.Client) *ChefSender {
	return &ChefSender{node: node, client: chefClient}
}

// Send updates the node object.
func (c *ChefSender) Send(ctx context.Context, r *Report) error {
	n, err := c.client.Nodes.Get(c.node)
	if err != nil {
		return err
	}
	if n.NormalAttributes == nil {
		n.NormalAttributes = make(map[string]interface{})
	}
	n.NormalAttributes["kthfsagent"] = map[string]interface{}{
		"ip":         r.IP,
		"agent-time": r.AgentTime,
		"services":   r.Services,
	}
	_, err = c.client.Nodes.Put(n)
	return err
}

// SerfSender sends a node_status query through the local serf agent, the way
// serf-aware servers expect to hear from their nodes.
type SerfSender struct {
	serfer *serfclient.RPCClient
}

// NewSerfSender returns a sender using serfer.
func NewSerfSender(serfer *serfclient.RPCClient) *SerfSender {
	return &SerfSender{serfer: serfer}
}

// Send issues the query. Responses are only logged.
func (s *SerfSender) Send(ctx context.Context, r *Report) error {
	jsonPayload, err := serfPayload(r)
	if err != nil {
		return err
	}
	respCh := make(chan serfclient.NodeResponse, 1)
	q := &serfclient.QueryParam{Name: "node_status", Payload: jsonPayload, RespCh: respCh}
	if err = s.serfer.Query(q); err != nil {
		return err
	}
	go func() {
		select {
		case resp, ok := <-respCh:
			if ok {
				logger.Debugf("got response from %s for heartbeat: %s", resp.From, string(resp.Payload))
			}
		case <-ctx.Done():
		}
	}()
	return nil
}

func serfPayload(r *Report) ([]byte, error) {
	payload := map[string]interface{}{"node": r.Hostname, "status": "up", "services": r.Services}
	return json.Marshal(payload)
}
