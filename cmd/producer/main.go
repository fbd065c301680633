package main

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/alecthomas/kong"
	"github.com/gorilla/websocket"
)

// CLI is the producer's command line.
type CLI struct {
	Gateway  string        `help:"Gateway base URL." default:"http://localhost:8080"`
	Mode     string        `help:"Submit over plain HTTP or one WebSocket session." enum:"http,ws" default:"http"`
	Language string        `short:"l" help:"Language of the submitted programs." default:"python"`
	Count    int           `short:"n" help:"Number of programs to submit." default:"5"`
	Timeout  time.Duration `help:"HTTP client timeout." default:"10s"`
	Code     string        `arg:"" optional:"" help:"Program to submit instead of the built-in samples."`
}

type submission struct {
	Language string `json:"language"`
	Code     string `json:"code"`
}

type result struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
	Output string `json:"output,omitempty"`
	Reason string `json:"reason,omitempty"`
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("goxec-producer"),
		kong.Description("Submits sample programs to a goxec gateway."),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if _, err := parser.Parse(os.Args[1:]); err != nil {
		parser.FatalIfErrorf(err)
	}

	jobs := cli.submissions()
	switch cli.Mode {
	case "ws":
		err = submitWS(cli.Gateway, jobs)
	default:
		err = submitHTTP(&http.Client{Timeout: cli.Timeout}, cli.Gateway, jobs)
	}
	if err != nil {
		slog.Error("Producer failed", "error", err)
		os.Exit(1)
	}
	slog.Info("Submitted all programs", "count", len(jobs))
}

func (c CLI) submissions() []submission {
	jobs := make([]submission, c.Count)
	for i := range jobs {
		code := c.Code
		if code == "" {
			code = fmt.Sprintf("print('Hello from Goxec task %d')", i+1)
		}
		jobs[i] = submission{Language: c.Language, Code: code}
	}
	return jobs
}

// submitHTTP posts each program as a raw body to /{language}.
func submitHTTP(client *http.Client, base string, jobs []submission) error {
	for i, job := range jobs {
		endpoint, err := url.JoinPath(base, job.Language)
		if err != nil {
			return fmt.Errorf("build url: %w", err)
		}
		resp, err := client.Post(endpoint, "text/plain", strings.NewReader(job.Code))
		if err != nil {
			return fmt.Errorf("submit %d: %w", i+1, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return fmt.Errorf("read response %d: %w", i+1, err)
		}
		slog.Info("Task finished", "n", i+1, "status", resp.StatusCode, "taskID", resp.Header.Get("X-Task-ID"), "output", string(body))
	}
	return nil
}

// submitWS sends every program over a single /ws session and waits for each result frame.
func submitWS(base string, jobs []submission) error {
	u, err := url.Parse(base)
	if err != nil {
		return fmt.Errorf("parse gateway url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = "/ws"

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u, err)
	}
	defer conn.Close()

	for i, job := range jobs {
		if err := conn.WriteJSON(job); err != nil {
			return fmt.Errorf("send %d: %w", i+1, err)
		}
		var res result
		if err := conn.ReadJSON(&res); err != nil {
			return fmt.Errorf("receive %d: %w", i+1, err)
		}
		slog.Info("Task finished", "n", i+1, "taskID", res.TaskID, "status", res.Status, "output", res.Output, "reason", res.Reason)
	}
	return conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}
