// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

package proto

type NodeRole int

const (
	NodeRoleUnknown NodeRole = iota
	NodeRoleMaster
	NodeRoleRouter
	NodeRoleShardServer
)

var nodeRoleNames = map[string]NodeRole{
	"master":      NodeRoleMaster,
	"router":      NodeRoleRouter,
	"shardserver": NodeRoleShardServer,
}

func ParseNodeRole(s string) NodeRole {
	return nodeRoleNames[s]
}

func (r NodeRole) String() string {
	for name, role := range nodeRoleNames {
		if role == r {
			return name
		}
	}
	return "unknown"
}

type ShardState int

const (
	ShardStateActive ShardState = iota + 1
	ShardStateDraining
)

// ShardInfo is one entry of the shard registry kept by the master.
type ShardInfo struct {
	ID    ShardID    `json:"id"`
	Addr  string     `json:"addr"`
	State ShardState `json:"state"`
}
