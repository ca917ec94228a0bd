// Localbridge puts a locally hosted language model behind a small task
// and timer assistant.
//
// Each message is sent to Ollama through a retrying, circuit-broken
// controller. Tool calls written into the model's reply are extracted,
// checked against the configured permissions, run, and folded back into
// the text the user sees. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	localbridge ask <message>      Send one message and print the reply
//	localbridge chat               Interactive session on stdin
//	localbridge parse [text|-]     Show the tool calls found in text
//	localbridge tools              List configured tools
//	localbridge journal [n]        Show recent invocations and their actions
//	localbridge ping               Check that the backend is reachable
//	localbridge version            Print version and build information
//	localbridge -o json version    Output version information as JSON
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/localbridge/internal/bridge"
	"github.com/nugget/localbridge/internal/buildinfo"
	"github.com/nugget/localbridge/internal/coerce"
	"github.com/nugget/localbridge/internal/config"
	"github.com/nugget/localbridge/internal/dispatch"
	"github.com/nugget/localbridge/internal/events"
	"github.com/nugget/localbridge/internal/extract"
	"github.com/nugget/localbridge/internal/history"
	"github.com/nugget/localbridge/internal/invoke"
	"github.com/nugget/localbridge/internal/journal"
	"github.com/nugget/localbridge/internal/llm"
	"github.com/nugget/localbridge/internal/mqtt"
	"github.com/nugget/localbridge/internal/toolset"
)

// OperationPing is the controller operation used for backend health
// checks. It can be given its own retry settings under
// invocation.operations.ping.
const OperationPing = "ping"

// main is intentionally minimal. It builds the OS-level environment and
// delegates to [run] so the whole lifecycle can be driven from tests.
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. Replies and listings go to stdout; logs
// go to stderr so that -o json output stays parseable. Arguments are
// parsed by hand to keep run free of flag package globals.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case command == "" && !strings.HasPrefix(args[i], "-"):
			command = args[i]
		case command != "":
			// "-" is a valid argument to parse.
			cmdArgs = append(cmdArgs, args[i])
		default:
			return fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "ask":
		if len(cmdArgs) == 0 {
			return fmt.Errorf("usage: localbridge ask <message>")
		}
		return runAsk(ctx, stdout, stderr, configPath, outputFmt, strings.Join(cmdArgs, " "))
	case "chat":
		return runChat(ctx, stdin, stdout, stderr, configPath)
	case "parse":
		return runParse(stdin, stdout, configPath, outputFmt, cmdArgs)
	case "tools":
		return runTools(stdout, configPath, outputFmt)
	case "journal":
		limit := 20
		if len(cmdArgs) > 0 {
			n, err := strconv.Atoi(cmdArgs[0])
			if err != nil || n <= 0 {
				return fmt.Errorf("usage: localbridge journal [count]")
			}
			limit = n
		}
		return runJournal(ctx, stdout, configPath, outputFmt, limit)
	case "ping":
		return runPing(ctx, stdout, stderr, configPath)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	b := buildinfo.Current()
	if outputFmt == "json" {
		return writeJSON(w, b)
	}
	fmt.Fprintln(w, b)
	for _, f := range [][2]string{
		{"version", b.Version},
		{"git_commit", b.Commit},
		{"modified", strconv.FormatBool(b.Modified)},
		{"build_time", b.BuildTime},
		{"go_version", b.GoVersion},
		{"platform", b.Platform},
	} {
		fmt.Fprintf(w, "  %-12s %s\n", f[0]+":", f[1])
	}
	return nil
}

func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "localbridge - local model assistant bridge")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: localbridge [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  ask <message>    Send one message and print the reply")
	fmt.Fprintln(w, "  chat             Interactive session (one message per line)")
	fmt.Fprintln(w, "  parse [text|-]   Show the tool calls found in model output")
	fmt.Fprintln(w, "  tools            List configured tools")
	fmt.Fprintln(w, "  journal [n]      Show the n most recent invocations and their actions (default 20)")
	fmt.Fprintln(w, "  ping             Check that the backend is reachable")
	fmt.Fprintln(w, "  version          Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// loadConfig locates, parses and validates the configuration. With no
// explicit path and no file in the search paths it falls back to
// [config.Default].
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		if explicit != "" {
			return nil, "", err
		}
		return config.Default(), "", nil
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, cfgPath, fmt.Errorf("invalid config %s: %w", cfgPath, err)
	}
	return cfg, cfgPath, nil
}

// app holds everything a message-processing command needs.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	bus      *events.Bus
	client   *llm.OllamaClient
	registry *toolset.Registry
	ctrl     *invoke.Controller
	bridge   *bridge.Bridge
	journal  *journal.Store
}

// newApp wires the backend, toolset, dispatcher, controller and
// optional journal into a bridge.
func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	bus := events.New()

	registry, err := toolset.NewRegistry(cfg.Tools)
	if err != nil {
		return nil, fmt.Errorf("tools: %w", err)
	}

	ops, err := cfg.Invocation.OperationConfigs()
	if err != nil {
		return nil, err
	}
	ctrlOpts := []invoke.Option{
		invoke.WithConfig(cfg.Invocation.Config),
		invoke.WithLogger(logger),
		invoke.WithEvents(bus),
	}
	for name, oc := range ops {
		ctrlOpts = append(ctrlOpts, invoke.WithOperationConfig(name, oc))
	}
	ctrl := invoke.New(ctrlOpts...)

	client := llm.NewOllamaClient(cfg.Backend.OllamaURL, cfg.Backend.Model, cfg.Backend.Timeout, logger)

	dispatcher := dispatch.New(registry, toolset.NewExecutor(registry), toolset.TextFormatter{},
		dispatch.WithLogger(logger),
		dispatch.WithEvents(bus),
	)

	bridgeOpts := []bridge.Option{
		bridge.WithController(ctrl),
		bridge.WithWindow(history.NewWindow(cfg.Conversation.MaxTurns)),
		bridge.WithExtractor(extract.New(logger)),
		bridge.WithEvents(bus),
		bridge.WithLogger(logger),
		bridge.WithModel(cfg.Backend.Model),
		bridge.WithGeneration(cfg.Backend.MaxTokens, cfg.Backend.Temperature),
		bridge.WithContextTurns(cfg.Conversation.ContextTurns),
	}
	if cfg.Backend.Preamble != "" {
		bridgeOpts = append(bridgeOpts, bridge.WithPreamble(cfg.Backend.Preamble))
	}

	a := &app{cfg: cfg, logger: logger, bus: bus, client: client, registry: registry, ctrl: ctrl}

	if cfg.Journal.Enabled() {
		store, err := journal.Open(cfg.Journal.Path, cfg.Journal.Driver)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		a.journal = store
		bridgeOpts = append(bridgeOpts, bridge.WithRecorder(store))
		logger.Debug("journal enabled", "path", cfg.Journal.Path, "driver", cfg.Journal.Driver)
	}

	a.bridge = bridge.New(client, dispatcher, bridgeOpts...)
	return a, nil
}

// Close releases the journal.
func (a *app) Close() error {
	if a.journal == nil {
		return nil
	}
	return a.journal.Close()
}

// ResetBreaker implements [mqtt.Controls].
func (a *app) ResetBreaker() { a.ctrl.Reset() }

// ClearHistory implements [mqtt.Controls].
func (a *app) ClearHistory() { a.bridge.Reset() }

// scope grants the configured permissions to a new request.
func (a *app) scope() dispatch.Scope {
	return dispatch.Scope{Permissions: a.cfg.Permissions}
}

// startTelemetry runs the MQTT publisher in the background when a broker
// is configured. The returned function stops it.
func (a *app) startTelemetry(ctx context.Context) func() {
	if !a.cfg.MQTT.Configured() {
		return func() {}
	}

	stateDir, err := os.UserConfigDir()
	if err != nil {
		stateDir = "."
	}
	instanceID, err := mqtt.LoadOrCreateInstanceID(filepath.Join(stateDir, "localbridge"))
	if err != nil {
		a.logger.Warn("mqtt instance ID unavailable, telemetry disabled", "error", err)
		return func() {}
	}

	pub := mqtt.New(a.cfg.MQTT, instanceID, a.bus, a.ctrl, a, a.logger)
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := pub.Start(runCtx); err != nil {
			a.logger.Error("mqtt publisher failed", "error", err)
		}
	}()

	return func() {
		cancel()
		<-done
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer stopCancel()
		if err := pub.Stop(stopCtx); err != nil {
			a.logger.Debug("mqtt disconnect failed", "error", err)
		}
	}
}

// setup loads config and builds the logger and app shared by ask, chat
// and ping.
func setup(stderr io.Writer, configPath string) (*app, error) {
	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := config.NewLogger(stderr, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, err
	}
	if cfgPath != "" {
		logger.Debug("config loaded", "path", cfgPath)
	}
	return newApp(cfg, logger)
}

// runAsk sends a single message and prints the reply.
func runAsk(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, message string) error {
	a, err := setup(stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	stop := a.startTelemetry(ctx)
	defer stop()

	resp, err := a.bridge.ProcessMessage(ctx, message, a.scope())
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	return writeResponse(stdout, outputFmt, resp)
}

// runChat reads one message per line from stdin until EOF or ctx is
// cancelled. "/reset" clears the conversation and the breaker.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, configPath string) error {
	a, err := setup(stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()
	stop := a.startTelemetry(ctx)
	defer stop()

	fmt.Fprintf(stdout, "Remembering the last %d turns. /reset clears, /quit exits.\n", a.bridge.Window().Cap())
	scanner := bufio.NewScanner(stdin)
	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(stdout)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			a.ClearHistory()
			a.ResetBreaker()
			fmt.Fprintln(stdout, "(conversation cleared)")
			continue
		}

		resp, err := a.bridge.ProcessMessage(ctx, line, a.scope())
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, invoke.ErrCircuitOpen) {
				fmt.Fprintln(stdout, "The model is unavailable right now. Try again shortly.")
				continue
			}
			fmt.Fprintf(stdout, "error: %v\n", err)
			continue
		}
		if err := writeResponse(stdout, "text", resp); err != nil {
			return err
		}
	}
}

// runPing checks backend reachability through the controller so that
// the ping operation's retry settings apply.
func runPing(ctx context.Context, stdout, stderr io.Writer, configPath string) error {
	a, err := setup(stderr, configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	start := time.Now()
	if err := a.ctrl.Execute(ctx, OperationPing, a.client.Ping); err != nil {
		return fmt.Errorf("ping %s: %w", a.cfg.Backend.OllamaURL, err)
	}
	models, err := a.client.ListModels(ctx)
	if err != nil {
		return fmt.Errorf("list models: %w", err)
	}

	fmt.Fprintf(stdout, "%s reachable in %s\n", a.cfg.Backend.OllamaURL, time.Since(start).Round(time.Millisecond))
	found := false
	for _, m := range models {
		if m == a.cfg.Backend.Model || strings.TrimSuffix(m, ":latest") == a.cfg.Backend.Model {
			found = true
		}
	}
	if !found {
		fmt.Fprintf(stdout, "warning: model %q is not installed (available: %s)\n", a.cfg.Backend.Model, strings.Join(models, ", "))
	}
	return nil
}

// parsedCall is one line of parse output.
type parsedCall struct {
	Tool     string         `json:"tool,omitempty"`
	Grammar  string         `json:"grammar"`
	Span     extract.Span   `json:"span"`
	Args     map[string]any `json:"args,omitempty"`
	Strategy string         `json:"strategy,omitempty"`
	Error    string         `json:"error,omitempty"`
}

// runParse runs extraction and coercion over text without calling the
// model, for checking how a reply would be read.
func runParse(stdin io.Reader, stdout io.Writer, configPath, outputFmt string, args []string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	registry, err := toolset.NewRegistry(cfg.Tools)
	if err != nil {
		return fmt.Errorf("tools: %w", err)
	}

	var text string
	if len(args) == 0 || (len(args) == 1 && args[0] == "-") {
		data, err := io.ReadAll(stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text = string(data)
	} else {
		text = strings.Join(args, " ")
	}

	result := extract.New(slog.New(slog.DiscardHandler)).Extract(text, registry.AvailableTools())
	calls := make([]parsedCall, 0, len(result.Candidates)+len(result.Rejected))
	for _, c := range result.Candidates {
		pc := parsedCall{Tool: c.Name, Grammar: string(c.Grammar), Span: c.Span}
		parsed := c.Args
		if parsed == nil {
			pc.Strategy = coerce.Strategy(c.RawArgs)
			parsed, err = coerce.Parse(c.RawArgs)
			if err != nil {
				pc.Error = err.Error()
			}
		}
		if parsed != nil {
			pc.Args = parsed.Map()
		}
		calls = append(calls, pc)
	}
	for _, rj := range result.Rejected {
		pc := parsedCall{Span: rj.Span, Error: rj.Err.Error()}
		var mc *extract.MalformedCandidateError
		if errors.As(rj.Err, &mc) {
			pc.Tool = mc.Name
			pc.Grammar = string(mc.Grammar)
		}
		calls = append(calls, pc)
	}

	if outputFmt == "json" {
		return writeJSON(stdout, calls)
	}
	if len(calls) == 0 {
		fmt.Fprintln(stdout, "no tool calls found")
		return nil
	}
	for _, pc := range calls {
		if pc.Error != "" {
			fmt.Fprintf(stdout, "[%d,%d) %s %s: dropped: %s\n", pc.Span.Start, pc.Span.End, pc.Grammar, pc.Tool, pc.Error)
			continue
		}
		fmt.Fprintf(stdout, "[%d,%d) %s %s %s\n", pc.Span.Start, pc.Span.End, pc.Grammar, pc.Tool, coerce.ArgsFromMap(pc.Args))
	}
	return nil
}

// toolInfo is one line of tools output.
type toolInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description"`
	Permission  string   `json:"permission,omitempty"`
	Required    []string `json:"required,omitempty"`
	Denied      bool     `json:"denied,omitempty"`
	Permitted   bool     `json:"permitted"`
}

// runTools lists every configured tool, including denied ones.
func runTools(stdout io.Writer, configPath, outputFmt string) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	scope := dispatch.Scope{Permissions: cfg.Permissions}

	infos := make([]toolInfo, 0, len(cfg.Tools))
	for _, d := range cfg.Tools {
		infos = append(infos, toolInfo{
			Name:        d.Name,
			Description: d.Description,
			Permission:  d.Permission,
			Required:    d.Required,
			Denied:      d.Denied,
			Permitted:   !d.Denied && (d.Permission == "" || scope.Has(d.Permission)),
		})
	}

	if outputFmt == "json" {
		return writeJSON(stdout, infos)
	}
	for _, ti := range infos {
		status := "ok"
		switch {
		case ti.Denied:
			status = "disabled"
		case !ti.Permitted:
			status = "needs " + ti.Permission
		}
		fmt.Fprintf(stdout, "%-16s %-14s %s\n", ti.Name, status, ti.Description)
	}
	return nil
}

// runJournal prints recent invocations and a 24-hour summary.
func runJournal(ctx context.Context, stdout io.Writer, configPath, outputFmt string, limit int) error {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if !cfg.Journal.Enabled() {
		return errors.New("journal is not configured (set journal.path)")
	}
	store, err := journal.Open(cfg.Journal.Path, cfg.Journal.Driver)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer store.Close()

	recent, err := store.Recent(ctx, limit)
	if err != nil {
		return err
	}
	summary, err := store.Summary(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		return err
	}

	actions := make(map[string][]journal.Action)
	for _, inv := range recent {
		if inv.Actions == 0 {
			continue
		}
		acts, err := store.Actions(ctx, inv.RequestID)
		if err != nil {
			return err
		}
		actions[inv.RequestID] = acts
	}

	if outputFmt == "json" {
		return writeJSON(stdout, map[string]any{"recent": recent, "actions": actions, "summary": summary})
	}
	fmt.Fprintf(stdout, "last 24h: %s\n", summary)
	for _, inv := range recent {
		status := "ok"
		if !inv.Success {
			status = "failed: " + inv.Error
		}
		fmt.Fprintf(stdout, "%s  %s  attempts=%d actions=%d dropped=%d  %s\n",
			inv.Timestamp.Local().Format(time.DateTime), inv.RequestID, inv.Attempts, inv.Actions, inv.Dropped, status)
		for _, a := range actions[inv.RequestID] {
			fmt.Fprintf(stdout, "    %s  %s\n", a.Tool, actionStatus(a))
		}
	}
	return nil
}

func actionStatus(a journal.Action) string {
	switch {
	case !a.Allowed:
		return "denied: " + a.Reason
	case !a.Success:
		return fmt.Sprintf("failed confidence=%d", a.Confidence)
	default:
		return fmt.Sprintf("ok confidence=%d", a.Confidence)
	}
}

func writeResponse(w io.Writer, outputFmt string, resp *bridge.Response) error {
	if outputFmt == "json" {
		return writeJSON(w, resp)
	}
	fmt.Fprintln(w, resp.Message)
	for _, s := range resp.Suggestions {
		fmt.Fprintf(w, "\n(%s) %s\n", s.Title, s.Message)
	}
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
