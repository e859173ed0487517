// Copyright 2024 The mistnet Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command httpss is a CLI demonstrator for the tunnel package: it issues a
// single HTTP/1.1 request through a chain of nested HTTPS tunnels described
// by a synthetic httpss+ URL.
package main

import "github.com/mistnet/httpss/cmd/httpss/cmd"

func main() {
	cmd.Execute()
}
