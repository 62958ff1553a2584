// Copyright 2023 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package healthchecker

import (
	"github.com/bufbuild/httplb/balancer/conn"
)

// DefaultUsabilityOracle returns an oracle that considers connections to be
// usable if they are the given state or better.
func DefaultUsabilityOracle(threshold HealthState) UsabilityOracle {
	return func(allConns conn.Connections, state func(conn.Conn) HealthState) []conn.Conn {
		length := allConns.Len()
		usable := make([]conn.Conn, 0, length)
		for i := 0; i < length; i++ {
			connection := allConns.Get(i)
			if state(connection) <= threshold {
				usable = append(usable, connection)
			}
		}
		return usable
	}
}
