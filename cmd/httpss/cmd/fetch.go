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

package cmd

import (
	"context"
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mistnet/httpss/endpoint"
	"github.com/mistnet/httpss/httpmsg"
	"github.com/mistnet/httpss/pinning"
	"github.com/mistnet/httpss/tunnel"
	"github.com/mistnet/httpss/urlscheme"
)

var (
	fetchProxyPins []string
	fetchMethod    string
	fetchHeaders   []string
	fetchBody      string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <httpss://proxy[:port]/host[:port]/path>",
	Short: "Issue a request through a chain of nested HTTPS tunnels",
	Args:  cobra.ExactArgs(1),
	RunE:  runFetchCmd,
}

func initFetchFlags() {
	fetchCmd.Flags().StringArrayVar(&fetchProxyPins, "proxy-pin", nil,
		"pin a proxy or origin certificate: host=path/to/leaf.der (repeatable)")
	fetchCmd.Flags().StringVar(&fetchMethod, "method", "", "HTTP method (default from config, else GET)")
	fetchCmd.Flags().StringArrayVar(&fetchHeaders, "header", nil, "request header \"Name: value\" (repeatable)")
	fetchCmd.Flags().StringVar(&fetchBody, "body", "", "request body")
}

func runFetchCmd(cmd *cobra.Command, args []string) error {
	loadConfig()
	defaults := loadFetchDefaults()

	chain, err := urlscheme.Parse(args[0])
	if err != nil {
		return fmt.Errorf("failed to parse target URL: %w", err)
	}

	originPort := uint16(443)
	if p := chain.InnerURL.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil || n < 1 || n > 65535 {
			return fmt.Errorf("invalid origin port %q", p)
		}
		originPort = uint16(n)
	}
	origin, err := endpoint.New(chain.InnerURL.Hostname(), originPort)
	if err != nil {
		return fmt.Errorf("invalid origin host: %w", err)
	}
	targets := append(chain.Proxies, origin)

	pinTable, err := loadPinTable(fetchProxyPins)
	if err != nil {
		return err
	}

	method := fetchMethod
	if method == "" {
		method = defaults.Method
	}

	req := httpmsg.NewRequest(method, chain.InnerURL)
	for name, value := range defaults.Headers {
		if err := req.Headers.Add(name, value); err != nil {
			return fmt.Errorf("invalid configured header: %w", err)
		}
	}
	for _, raw := range fetchHeaders {
		name, value, err := parseHeaderFlag(raw)
		if err != nil {
			return err
		}
		if err := req.Headers.Add(name, value); err != nil {
			return fmt.Errorf("invalid --header: %w", err)
		}
	}
	if fetchBody != "" {
		req.Body = []byte(fetchBody)
	}

	orch := tunnel.New(targets,
		tunnel.WithPinner(pinTable),
		tunnel.WithLogger(newZapTunnelLogger(logger)))
	defer orch.Close()

	type result struct {
		resp *httpmsg.Response
		err  error
	}
	done := make(chan result, 1)

	ctx, cancel := context.WithTimeout(cmd.Context(), defaults.Timeout)
	defer cancel()

	logger.Info("issuing request",
		zap.String("method", method),
		zap.String("target", chain.InnerURL.String()),
		zap.Int("hops", len(targets)))

	if err := orch.Issue(ctx, req, func(resp *httpmsg.Response, err error) {
		done <- result{resp, err}
	}); err != nil {
		return fmt.Errorf("failed to issue request: %w", err)
	}

	select {
	case r := <-done:
		if r.err != nil {
			return fmt.Errorf("request failed: %w", r.err)
		}
		return printResponse(r.resp)
	case <-ctx.Done():
		return fmt.Errorf("request timed out: %w", ctx.Err())
	}
}

func loadPinTable(rawPins []string) (*pinning.Pinner, error) {
	if len(rawPins) == 0 {
		return pinning.New(nil), nil
	}
	table := make(map[string][][]byte, len(rawPins))
	for _, raw := range rawPins {
		spec, err := parsePinFlag(raw)
		if err != nil {
			return nil, err
		}
		der, err := os.ReadFile(spec.path)
		if err != nil {
			return nil, fmt.Errorf("failed to read pin file %q: %w", spec.path, err)
		}
		table[spec.host] = append(table[spec.host], der)
	}
	return pinning.New(table), nil
}

func printResponse(resp *httpmsg.Response) error {
	fmt.Printf("%d %s\n", resp.Status, resp.Reason)
	resp.Headers.Each(func(name, value string) {
		fmt.Printf("%s: %s\n", name, value)
	})
	fmt.Println()
	os.Stdout.Write(resp.Body)
	return nil
}
