// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package registry

import (
	"github.com/BrendanGraham14/steer-sub001/internal/backend/mcp"
	"github.com/BrendanGraham14/steer-sub001/internal/session"
)

// WireMCPServers registers one backend per server in servers that access
// allows, narrowing to access.Allowlist under MCPAccessAllowlist and
// registering nothing under MCPAccessNone. Servers outside the allowlist
// are never connected to, not merely hidden after connecting.
func (r *Registry) WireMCPServers(servers []session.MCPServerConfig, access session.MCPAccessPolicy) {
	for _, cfg := range servers {
		if !mcpAccessAllows(access, cfg.Name) {
			continue
		}
		r.RegisterMCP(cfg.Name, mcp.New(cfg))
	}
}

func mcpAccessAllows(access session.MCPAccessPolicy, serverName string) bool {
	switch access.Mode {
	case session.MCPAccessNone:
		return false
	case session.MCPAccessAllowlist:
		for _, name := range access.Allowlist {
			if name == serverName {
				return true
			}
		}
		return false
	case session.MCPAccessAll, "":
		return true
	default:
		return true
	}
}
