// hubcat connects to an agenthub, prints every envelope it receives and
// sends JSON envelopes read line by line from stdin.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/markus-barta/agenthub/internal/client"
	"github.com/markus-barta/agenthub/internal/hub"
	"github.com/markus-barta/agenthub/internal/protocol"
	"github.com/rs/zerolog"
)

func main() {
	// CLI flags
	showVersion := flag.Bool("version", false, "print version and exit")
	showHelp := flag.Bool("help", false, "show usage")
	runCheck := flag.Bool("check", false, "test hub connectivity and exit")
	hubURL := flag.String("url", envOr("AGENTHUB_URL", "ws://localhost:8700/ws"), "hub WebSocket URL")
	role := flag.String("role", "app", "connection role: agent, app, ui or provider")
	agentID := flag.String("agent-id", "", "agent id to connect as or subscribe to")
	linger := flag.Duration("linger", 2*time.Second, "how long to keep printing after stdin closes")
	verbose := flag.Bool("verbose", false, "log client diagnostics")

	// Short flags
	flag.BoolVar(showVersion, "v", false, "print version and exit")
	flag.BoolVar(showHelp, "h", false, "show usage")

	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Printf("hubcat %s\n", hub.VersionInfo())
		os.Exit(0)
	}

	if *showHelp {
		printUsage()
		os.Exit(0)
	}

	if *runCheck {
		os.Exit(runHealthCheck(*hubURL))
	}

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(level).
		With().
		Timestamp().
		Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	c := client.New(client.Config{URL: *hubURL, Role: *role, AgentID: *agentID}, log, nil)
	go c.Run(ctx)

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err := c.WaitConnected(connectCtx)
	cancel()
	if err != nil {
		color.Red("Error: could not connect to %s: %v\n", *hubURL, err)
		os.Exit(1)
	}

	printer := newPrinter(os.Stdout)
	go func() {
		for env := range c.Messages() {
			printer.print(env)
		}
	}()

	sent, failed := pump(os.Stdin, c, uuid.NewString, printer)
	if failed > 0 {
		color.Yellow("%d line(s) could not be sent\n", failed)
	}

	if ctx.Err() == nil && sent > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(*linger):
		}
	} else if ctx.Err() == nil {
		// Nothing to send: watch until interrupted.
		<-ctx.Done()
	}
	_ = c.Close()
}

// sender is the part of the client pump needs.
type sender interface {
	Send(env *protocol.Envelope) error
}

// pump sends every non-empty line of r as an envelope.
func pump(r io.Reader, s sender, newID func() string, p *printer) (sent, failed int) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		env, err := prepareLine([]byte(line), newID)
		if err != nil {
			p.problem("invalid line: %v", err)
			failed++
			continue
		}
		if err := s.Send(env); err != nil {
			p.problem("send failed: %v", err)
			failed++
			continue
		}
		p.sent(env)
		sent++
	}
	if err := scanner.Err(); err != nil {
		p.problem("read stdin: %v", err)
	}
	return sent, failed
}

// prepareLine parses one JSON object and assigns a requestId when missing.
// Fields unknown to the hub are kept.
func prepareLine(line []byte, newID func() string) (*protocol.Envelope, error) {
	var fields map[string]any
	if err := json.Unmarshal(line, &fields); err != nil {
		return nil, err
	}
	if t, _ := fields["type"].(string); t == "" {
		return nil, fmt.Errorf("missing type")
	}
	if id, _ := fields["requestId"].(string); id == "" {
		fields["requestId"] = newID()
		data, err := json.Marshal(fields)
		if err != nil {
			return nil, err
		}
		line = data
	}
	return protocol.Parse(line)
}

type printer struct {
	mu     sync.Mutex
	out    io.Writer
	cyan   *color.Color
	yellow *color.Color
	green  *color.Color
	red    *color.Color
	dim    *color.Color
}

func newPrinter(out io.Writer) *printer {
	return &printer{
		out:    out,
		cyan:   color.New(color.FgCyan),
		yellow: color.New(color.FgYellow),
		green:  color.New(color.FgGreen),
		red:    color.New(color.FgRed),
		dim:    color.New(color.Faint),
	}
}

func (p *printer) print(env *protocol.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()

	kind := p.cyan
	if env.IsError || env.Type == protocol.TypeError {
		kind = p.red
	}
	_, _ = kind.Fprintf(p.out, "<- %s", env.Type)
	if env.Action != "" {
		_, _ = p.yellow.Fprintf(p.out, " %s", env.Action)
	}
	if env.RequestID != "" {
		_, _ = p.dim.Fprintf(p.out, " [%s]", env.RequestID)
	}
	fmt.Fprintln(p.out)

	body, _ := env.Bytes()
	fmt.Fprintf(p.out, "   %s\n", body)
}

func (p *printer) sent(env *protocol.Envelope) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = p.green.Fprintf(p.out, "-> %s %s [%s]\n", env.Type, env.Action, env.RequestID)
}

func (p *printer) problem(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, _ = p.red.Fprintf(p.out, "!! "+format+"\n", args...)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func printUsage() {
	fmt.Printf(`Usage: hubcat [options] < envelopes.jsonl

hubcat %s - talk to an agenthub from the terminal.

Every envelope received is printed. Each stdin line is a JSON envelope;
a missing requestId is generated. With no input, hubcat watches until
interrupted.

Options:
  -v, --version     Print version and exit
  -h, --help        Print this help and exit
  --check           Test hub connectivity via /health and exit
  --url URL         Hub WebSocket URL (default: $AGENTHUB_URL or ws://localhost:8700/ws)
  --role ROLE       agent, app, ui or provider (default: app)
  --agent-id ID     Agent id to connect as, or subscribe to as an app
  --linger DUR      Keep printing after stdin closes (default: 2s)
  --verbose         Log client diagnostics
`, hub.VersionInfo())
}

// healthURL converts the WebSocket URL into the hub's /health URL.
func healthURL(wsURL string) string {
	u := strings.Replace(wsURL, "wss://", "https://", 1)
	u = strings.Replace(u, "ws://", "http://", 1)
	if i := strings.Index(u, "?"); i >= 0 {
		u = u[:i]
	}
	u = strings.TrimSuffix(u, "/")
	u = strings.TrimSuffix(u, "/ws")
	return u + "/health"
}

func runHealthCheck(wsURL string) int {
	target := healthURL(wsURL)
	fmt.Printf("Testing hub connectivity (%s)... ", target)

	httpClient := &http.Client{Timeout: 10 * time.Second}
	start := time.Now()
	resp, err := httpClient.Get(target)
	latency := time.Since(start)

	if err != nil {
		color.Red("failed\n")
		fmt.Printf("  Error: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		color.Red("failed (HTTP %d)\n", resp.StatusCode)
		return 1
	}

	var body struct {
		Version     string `json:"version"`
		Connections int    `json:"connections"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&body)

	color.Green("OK (latency: %dms)\n", latency.Milliseconds())
	fmt.Printf("  Version:     %s\n", body.Version)
	fmt.Printf("  Connections: %d\n", body.Connections)
	return 0
}
