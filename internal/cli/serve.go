package cli

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/mdns"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/warden-ai/warden/internal/agent"
	"github.com/warden-ai/warden/internal/config"
	"github.com/warden-ai/warden/internal/events"
	"github.com/warden-ai/warden/internal/llm"
	"github.com/warden-ai/warden/internal/pipeline"
	"github.com/warden-ai/warden/internal/pushover"
	"github.com/warden-ai/warden/internal/security"
	"github.com/warden-ai/warden/internal/store"
	"github.com/warden-ai/warden/internal/webserver"
)

const mdnsServiceType = "_warden._tcp"

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the supervisor server",
	Long: `Start the hook and event server: agents post their tool-use hooks to it,
pipelines run against it, and dashboards subscribe to its event stream.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 0, "Port to listen on (default from config, 7433)")
	serveCmd.Flags().String("host", "127.0.0.1", "Host to bind to")
	serveCmd.Flags().Bool("expose", false, "Bind to 0.0.0.0 for LAN access (enables TLS and an auth token)")
	serveCmd.Flags().String("tls", "", "TLS mode: 'self-signed' or 'custom' (requires --cert and --key)")
	serveCmd.Flags().String("cert", "", "Path to TLS certificate file (for --tls=custom)")
	serveCmd.Flags().String("key", "", "Path to TLS key file (for --tls=custom)")
	serveCmd.Flags().String("auth-token", "", "Require Bearer token for API access")
	serveCmd.Flags().Float64("rate-limit", 0, "Max requests per second per IP (0 = unlimited)")
	serveCmd.Flags().Bool("mdns", false, "Advertise server on local network via mDNS/Bonjour")
	serveCmd.Flags().Bool("qr", false, "Print a QR code for the server URL")
	serveCmd.Flags().String("dir", ".", "Project directory to supervise")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	port, _ := cmd.Flags().GetInt("port")
	host, _ := cmd.Flags().GetString("host")
	expose, _ := cmd.Flags().GetBool("expose")
	tlsMode, _ := cmd.Flags().GetString("tls")
	certFile, _ := cmd.Flags().GetString("cert")
	keyFile, _ := cmd.Flags().GetString("key")
	authToken, _ := cmd.Flags().GetString("auth-token")
	rateLimit, _ := cmd.Flags().GetFloat64("rate-limit")
	enableMDNS, _ := cmd.Flags().GetBool("mdns")
	printQR, _ := cmd.Flags().GetBool("qr")
	projectDir, _ := cmd.Flags().GetString("dir")

	if port == 0 {
		port = cfg.Server.Port
	}
	if authToken == "" {
		authToken = cfg.Server.AuthToken
	}
	if tlsMode == "" && cfg.Server.TLS {
		tlsMode = "self-signed"
	}

	if expose {
		host = "0.0.0.0"
		if tlsMode == "" {
			tlsMode = "self-signed"
		}
		if authToken == "" {
			authToken = generateToken()
			fmt.Fprintf(os.Stderr, "Generated auth token: %s\n", authToken)
		}
		fmt.Fprintln(os.Stderr, "Warning: exposing server on all interfaces.")
	}
	if tlsMode != "" && tlsMode != "self-signed" && tlsMode != "custom" {
		return fmt.Errorf("invalid --tls value %q, expected 'self-signed' or 'custom'", tlsMode)
	}
	if tlsMode == "custom" && (certFile == "" || keyFile == "") {
		return fmt.Errorf("--tls=custom requires both --cert and --key")
	}

	deps, err := buildSupervisor(cfg, projectDir)
	if err != nil {
		return err
	}

	srv := webserver.New(deps, webserver.Options{
		Host:      host,
		Port:      port,
		TLSMode:   tlsMode,
		CertFile:  certFile,
		KeyFile:   keyFile,
		AuthToken: authToken,
		RateLimit: rateLimit,
	})
	if err := srv.Start(); err != nil {
		return fmt.Errorf("starting server: %w", err)
	}
	deps.Manager.SetHookURL(srv.HookURL())

	url := srv.HookURL()
	// OSC 8 hyperlink for terminals that support it.
	fmt.Printf("\033]8;;%s\033\\%s\033]8;;\033\\\n", url, url)
	if authToken != "" {
		fmt.Println("Auth token required for API access.")
	}
	if printQR || expose {
		if code, qErr := qrcode.New(url, qrcode.Medium); qErr == nil {
			fmt.Println(code.ToString(false))
		} else {
			fmt.Fprintf(os.Stderr, "Warning: failed to render QR code: %v\n", qErr)
		}
	}

	if enableMDNS || expose || cfg.Server.MDNS {
		// The server resolves the real port at Start (0 → default,
		// negative → ephemeral); advertise that, not the flag value.
		server, mErr := startMDNSService(srv.Port(), url)
		if mErr != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to start mDNS advertisement: %v\n", mErr)
		} else {
			defer server.Shutdown()
		}
	}

	if cfg.Pushover.Configured() {
		stopNotify := notifyAlerts(deps.Bus, &pushover.Client{Config: cfg.Pushover})
		defer stopNotify()
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down server: %w", err)
	}
	return nil
}

// agentControl adapts the manager to the security responder's needs.
type agentControl struct {
	manager *agent.Manager
}

func (c agentControl) Terminate(agentID string) error { return c.manager.StopAgent(agentID) }
func (c agentControl) Suspend(agentID string) error   { return c.manager.SuspendAgent(agentID) }

// buildSupervisor wires the full subsystem graph: store, event bus, agent
// manager, security monitor, and pipeline manager.
func buildSupervisor(cfg *config.GlobalConfig, projectDir string) (webserver.Deps, error) {
	st, err := store.New(projectDir)
	if err != nil {
		return webserver.Deps{}, fmt.Errorf("opening store: %w", err)
	}
	if err := st.Init(); err != nil {
		return webserver.Deps{}, fmt.Errorf("initializing store: %w", err)
	}

	bus := events.NewBus()
	manager := agent.NewManager(agent.NewRegistry(), bus, st, agent.ManagerConfig{
		Command:   cfg.Agent.Command,
		ExtraArgs: cfg.Agent.ExtraArgs,
	})

	monitor, err := buildMonitor(cfg, st, bus, manager)
	if err != nil {
		return webserver.Deps{}, err
	}
	manager.SetPromptObserver(monitor)

	executor := &pipeline.AgentExecutor{Runner: manager, WorkingDir: projectDir}
	pipelines := pipeline.NewManager(executor, executor, st, bus, 0)

	return webserver.Deps{
		Manager:   manager,
		Monitor:   monitor,
		Pipelines: pipelines,
		Store:     st,
		Bus:       bus,
	}, nil
}

func buildMonitor(cfg *config.GlobalConfig, st *store.Store, bus *events.Bus, manager *agent.Manager) (*security.Monitor, error) {
	rules := security.DefaultRules()
	if cfg.Security.RulesFile != "" {
		loaded, err := security.LoadRules(cfg.Security.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("loading security rules: %w", err)
		}
		rules = loaded
	}
	matcher, err := security.NewMatcher(rules)
	if err != nil {
		return nil, fmt.Errorf("compiling security rules: %w", err)
	}

	// The LLM seeder and analyzer only engage when credentials exist;
	// otherwise the monitor runs on defaults and pattern rules alone.
	var seeder security.Seeder
	var analyzer security.Analyzer
	clientOpts := []llm.HTTPOption{}
	if cfg.Agent.Model != "" {
		clientOpts = append(clientOpts, llm.WithModel(cfg.Agent.Model))
	}
	client := llm.NewHTTPClient(clientOpts...)
	if client.HasCredentials() {
		seeder = &security.LLMSeeder{Client: client}
		analyzer = &security.LLMAnalyzer{Client: client}
	}

	responder := security.NewResponseHandler(security.ResponseConfig{
		AutoTerminate:      cfg.Security.AutoTerminate,
		AutoSuspend:        cfg.Security.AutoSuspend,
		AlertOnMedium:      cfg.Security.AlertOnMedium,
		RequireHumanReview: cfg.Security.RequireHumanReview,
	}, agentControl{manager: manager}, st, bus)

	monitor := security.NewMonitor(matcher, seeder, analyzer, responder, bus, security.MonitorConfig{
		BatchInterval: cfg.Security.BatchInterval,
	})
	if cfg.Security.Enabled {
		monitor.Enable()
	}
	return monitor, nil
}

// notifyAlerts forwards high and critical security alerts to Pushover.
// Returns a func that cancels the subscription.
func notifyAlerts(bus *events.Bus, client *pushover.Client) func() {
	ch, cancel := bus.Subscribe(64)
	go func() {
		for ev := range ch {
			if ev.Name != events.SecurityAlert {
				continue
			}
			alert, ok := ev.Payload.(security.Alert)
			if !ok {
				continue
			}
			if alert.Risk != security.RiskHigh && alert.Risk != security.RiskCritical {
				continue
			}
			msg := pushover.Message{
				Title:    fmt.Sprintf("Warden: %s risk on agent %s", alert.Risk, alert.AgentID),
				Body:     fmt.Sprintf("%s\nAction: %s", alert.Summary, alert.Action),
				Priority: pushover.PriorityHigh,
			}
			if err := client.Send(msg); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: pushover notification failed: %v\n", err)
			}
		}
	}()
	return cancel
}

func generateToken() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

func startMDNSService(port int, url string) (*mdns.Server, error) {
	if port <= 0 {
		return nil, fmt.Errorf("invalid port for mDNS advertisement: %d", port)
	}
	host, err := os.Hostname()
	if err != nil || strings.TrimSpace(host) == "" {
		host = "warden"
	}
	txtRecords := []string{
		"service=warden",
		fmt.Sprintf("url=%s", url),
	}
	service, err := mdns.NewMDNSService(host, mdnsServiceType, "local", "", port, nil, txtRecords)
	if err != nil {
		return nil, err
	}
	return mdns.NewServer(&mdns.Config{Zone: service})
}
