// Command dprocctl is the thin HTTP client counterpart to dprocd,
// mirroring the teacher's api/client split: all the real behavior
// lives in the daemon's Command Dispatcher, and this binary does
// nothing but shuttle one command line to /command and print the
// result, the same "POST, then read the body" shape as
// DockerCli.CmdCheckpoint.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/pflag"
)

type commandResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Output  string `json:"output"`
}

func main() {
	fs := pflag.NewFlagSet("dprocctl", pflag.ExitOnError)
	addr := fs.String("addr", "http://127.0.0.1:7080", "dprocd HTTP address")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")
	fs.Parse(os.Args[1:])

	line := strings.Join(fs.Args(), " ")
	if line == "" {
		fmt.Fprintln(os.Stderr, "usage: dprocctl [--addr http://host:port] <verb> [args...]")
		os.Exit(2)
	}

	res, err := call(*addr, line, *timeout)
	if err != nil {
		fmt.Fprintln(os.Stderr, "dprocctl:", err)
		os.Exit(1)
	}

	if res.Message != "" {
		fmt.Println(res.Message)
	}
	if res.Output != "" {
		fmt.Println(res.Output)
	}
	if !res.Success {
		os.Exit(1)
	}
}

func call(addr, line string, timeout time.Duration) (commandResponse, error) {
	client := &http.Client{Timeout: timeout}
	req, err := http.NewRequest(http.MethodPost, strings.TrimRight(addr, "/")+"/command", strings.NewReader(line))
	if err != nil {
		return commandResponse{}, err
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := client.Do(req)
	if err != nil {
		return commandResponse{}, fmt.Errorf("contacting dprocd at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return commandResponse{}, fmt.Errorf("reading response: %w", err)
	}

	var out commandResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return commandResponse{}, fmt.Errorf("decoding response: %w (body: %s)", err, body)
	}
	return out, nil
}
