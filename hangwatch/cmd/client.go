package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/sarchlab/hangwatch/reporting"
)

const defaultAddr = "localhost:8765"

// client talks to the HTTP API of a running monitoring session.
type client struct {
	baseURL string
	http    *http.Client
}

func newClient(addr string) *client {
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}

	return &client{
		baseURL: strings.TrimSuffix(addr, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

func (c *client) do(method, path string, v any) error {
	req, err := http.NewRequest(method, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	rsp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("contacting monitoring session: %w", err)
	}
	defer rsp.Body.Close()

	if rsp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(rsp.Body, 1024))
		return fmt.Errorf("%s %s: %s: %s",
			method, path, rsp.Status, strings.TrimSpace(string(body)))
	}

	return json.NewDecoder(rsp.Body).Decode(v)
}

func (c *client) Summary() (reporting.CallStackSummary, error) {
	s := reporting.CallStackSummary{}
	err := c.do(http.MethodGet, "/api/summary", &s)

	return s, err
}

func (c *client) Export() (reporting.Export, error) {
	exp := reporting.Export{}
	err := c.do(http.MethodGet, "/api/export", &exp)

	return exp, err
}

func (c *client) Stop() (reporting.Export, error) {
	exp := reporting.Export{}
	err := c.do(http.MethodPost, "/api/stop", &exp)

	return exp, err
}

func addSourceFlags(cmd *cobra.Command) {
	cmd.Flags().String("addr", defaultAddr,
		"Address of a running monitoring session")
	cmd.Flags().String("file", "", "Read an exported session instead")
}

// loadExport reads the export named by --file, or fetches it from the
// session at --addr.
func loadExport(cmd *cobra.Command) (reporting.Export, error) {
	file, _ := cmd.Flags().GetString("file")
	if file != "" {
		return reporting.ReadExport(file)
	}

	addr, _ := cmd.Flags().GetString("addr")

	return newClient(addr).Export()
}
