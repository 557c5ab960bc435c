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

/*
Kthfsagent is the node agent for a KTHFS cluster. It reads the services file
the cookbooks write on each node, keeps the services listed there under
watch, and lets the dashboard drive them.

The agent does four things:

1. Sends a heartbeat with host load, disk and memory figures and the state of
every service to the dashboard, and optionally to this node's attributes on a
chef server and to a serf query.
2. Serves a small REST API over TLS (a self-signed kthfs.pem/kthfs.key pair is
made on first start) for starting, stopping and initializing services and
for reading their logs and configuration. Callers pass username and password
as query parameters.
3. Watches the pid file of every started service and marks it Stopped when the
process goes away.
4. When --serf-addr is given, listens for signed "kthfs-control" user events
and answers them with "kthfs-control-report" events.

A minimal run looks like:

	kthfsagent -n cloud1.sics.se -u kthfsagent@sics.se -p kthfsagent \
		-e https://dashboard:8181/KTHFSDashboard/rest/agent/keep-alive \
		--server-username agent --server-password secret

The services file itself is written by kthfs-services, see cmd/kthfs-services.
*/
package main
