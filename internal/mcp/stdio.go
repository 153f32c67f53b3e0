// ABOUTME: stdio transport: newline-delimited JSON-RPC on an input and output stream
// ABOUTME: Used when the server is launched as a subprocess by a desktop MCP client

package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
)

// ServeStdio reads requests from in and writes responses to out until in is
// exhausted or ctx is cancelled. Requests are handled concurrently; each
// response is written as one line.
func (s *Server) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		scanner.Buffer(make([]byte, 64*1024), MaxRequestBodySize)
		for scanner.Scan() {
			line := append([]byte(nil), scanner.Bytes()...)
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
		readErr <- scanner.Err()
	}()

	var (
		writeMu sync.Mutex
		wg      sync.WaitGroup
	)
	enc := json.NewEncoder(out)
	write := func(resp JSONRPCResponse) {
		writeMu.Lock()
		defer writeMu.Unlock()
		if err := enc.Encode(resp); err != nil {
			s.logger.Warn("writing stdio response failed", "error", err)
		}
	}
	defer wg.Wait()

	s.logger.Info("serving MCP over stdio")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err != nil && !errors.Is(err, io.EOF) {
				return fmt.Errorf("reading stdin: %w", err)
			}
			return nil
		case line := <-lines:
			if len(line) == 0 {
				continue
			}
			var req JSONRPCRequest
			if err := json.Unmarshal(line, &req); err != nil {
				write(respond(nil, nil, rpcError(JSONRPCParseError, "invalid JSON")))
				continue
			}
			if req.JSONRPC != "2.0" {
				write(respond(req.ID, nil, rpcError(JSONRPCInvalidRequest, "invalid JSON-RPC version")))
				continue
			}
			if req.isNotification() {
				s.logger.Debug("accepted MCP notification", "method", req.Method)
				continue
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				result, rpcErr := s.dispatch(ctx, req)
				write(respond(req.ID, result, rpcErr))
			}()
		}
	}
}
