package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gookit/color"
	"github.com/stretchr/testify/suite"
)

type BaseHTTPSuite struct {
	suite.Suite
	Config Config
	client *http.Client
}

// SetupSuite loads the environment configuration before running tests
func (s *BaseHTTPSuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
	if s.Config.RelayAddr == "" {
		s.T().Skip("RELAY_ADDR is not set")
	}
	s.client = &http.Client{}
}

// Step prints a colorized header in the test logs.
func (s *BaseHTTPSuite) Step(name string) {
	header := fmt.Sprintf("  ====== %s ======", name)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	s.T().Log(header)
}

// Do sends one request and logs it, with bodies when E2E_DEBUG_JSON is set.
// The body of the returned response is already read.
func (s *BaseHTTPSuite) Do(method, path string, headers map[string]string, body any) (*http.Response, []byte) {
	var reader io.Reader
	var raw []byte
	if body != nil {
		var err error
		raw, err = json.Marshal(body)
		s.Require().NoError(err)
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, s.Config.RelayAddr+path, reader)
	s.Require().NoError(err)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	s.Require().NoError(err, "Failed to reach the relay at "+s.Config.RelayAddr)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	s.Require().NoError(err)

	logBuilder := strings.Builder{}
	fmt.Fprintf(&logBuilder, "HTTP %s %s [%d] in %v", method, path, resp.StatusCode, time.Since(start))
	if s.Config.DebugJSON {
		fmt.Fprintf(&logBuilder, "\nREQUEST:\n%s\nRESPONSE:\n%s", raw, out)
	}
	s.T().Log(logBuilder.String())
	return resp, out
}

// Stream opens an event stream and yields its decoded payloads until ctx ends.
func (s *BaseHTTPSuite) Stream(ctx context.Context, path string) <-chan map[string]any {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.Config.RelayAddr+path, nil)
	s.Require().NoError(err)
	req.Header.Set("Accept", "text/event-stream")
	resp, err := s.client.Do(req)
	s.Require().NoError(err)
	s.Require().Equal(http.StatusOK, resp.StatusCode)

	events := make(chan map[string]any, 64)
	go func() {
		defer close(events)
		defer resp.Body.Close()
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			data, ok := strings.CutPrefix(scanner.Text(), "data:")
			if !ok {
				continue
			}
			var payload map[string]any
			if json.Unmarshal([]byte(data), &payload) == nil {
				events <- payload
			}
		}
	}()
	return events
}

// Expect waits for the next event of the given type.
func (s *BaseHTTPSuite) Expect(events <-chan map[string]any, kind string) map[string]any {
	timeout := time.After(10 * time.Second)
	for {
		select {
		case e, ok := <-events:
			s.Require().True(ok, "stream ended while waiting for "+kind)
			if e["type"] == kind {
				return e
			}
		case <-timeout:
			s.FailNow("timeout while waiting for " + kind)
		}
	}
}
