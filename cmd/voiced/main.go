// voiced - voice command daemon: wake word, ASR, agent query, speech.
// Bridges a desktop widget (ASR and rendering) to a conversational
// agent over a unix socket, with a local HTTP control surface.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/stillriver/voiced/internal/config"
	"github.com/stillriver/voiced/internal/log"
	"github.com/stillriver/voiced/pkg/agent"
	"github.com/stillriver/voiced/pkg/protocol"
	"github.com/stillriver/voiced/pkg/state"
	"github.com/stillriver/voiced/pkg/tts"
	"github.com/stillriver/voiced/pkg/voice"
	"github.com/stillriver/voiced/pkg/wake"
	"github.com/stillriver/voiced/pkg/web"
	"github.com/stillriver/voiced/pkg/widget"
)

type options struct {
	socketPath  string
	controlAddr string
	backend     string
	agentURL    string
	localURL    string
	localModel  string
	idleTimeout time.Duration
	wakeCommand string
	logLevel    string
	voiceCfg    voice.Config
}

func main() {
	opts := parseFlags()
	log.Init(opts.logLevel)

	store := state.New()
	speaker := tts.NewSay(tts.DefaultConfig())

	sess, idle := buildAgent(opts)
	managed := agent.NewManager(sess, idle)

	widgetSrv := widget.New(opts.socketPath)

	var detector wake.Service = wake.Noop{}
	var orch *voice.Orchestrator
	if opts.wakeCommand != "" {
		detector = wake.NewDetector(strings.Fields(opts.wakeCommand), func() {
			orch.OnWakeWord()
		})
	}

	orch = voice.New(opts.voiceCfg, widgetSrv, managed, store, detector, speaker)
	widgetSrv.OnMessage(orch.HandleWidgetMessage)
	widgetSrv.OnConnect(func() {
		// A freshly connected widget needs the current status.
		status, _ := store.Get(state.SectionStatus)["status"].(string)
		if status == "" {
			status = "idle"
		}
		widgetSrv.Send(protocol.MethodStatus, protocol.Status{Status: status})
	})

	if err := widgetSrv.Start(); err != nil {
		log.Error("widget server failed to start", "error", err)
		os.Exit(1)
	}
	defer widgetSrv.Stop()

	if err := detector.Start(); err != nil {
		log.Error("wake word detector failed to start", "error", err)
		os.Exit(1)
	}
	defer detector.Stop()

	control := web.NewServer(opts.controlAddr, orch, store, managed)
	control.StartAsync()
	defer control.Shutdown()

	log.Info("voiced running",
		"socket", opts.socketPath,
		"control", opts.controlAddr,
		"backend", opts.backend)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()

	log.Info("shutting down")
	shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
	defer done()
	if err := managed.Shutdown(shutdownCtx); err != nil {
		log.Warn("agent shutdown failed", "error", err)
	}
}

// buildAgent selects the agent backend. The local backend keeps its
// history in memory, so idle eviction is disabled to preserve it.
func buildAgent(opts options) (agent.Session, time.Duration) {
	switch opts.backend {
	case "local":
		return agent.NewLocalSession(opts.localURL, opts.localModel), 0
	default:
		return agent.NewSDKSession(opts.agentURL), opts.idleTimeout
	}
}

// parseFlags parses command line flags, with env vars as defaults.
func parseFlags() options {
	opts := options{voiceCfg: voice.DefaultConfig()}

	flag.StringVar(&opts.socketPath, "socket", config.SocketPath(), "Widget unix socket path")
	flag.StringVar(&opts.controlAddr, "control", config.ControlAddr(), "Control server listen address")
	flag.StringVar(&opts.backend, "backend", config.Env("VOICED_BACKEND", "sdk"), "Agent backend: sdk, local")
	flag.StringVar(&opts.agentURL, "agent-url", config.AgentURL(), "SDK agent websocket URL")
	flag.StringVar(&opts.localURL, "local-url", config.LocalModelURL(), "Local model base URL")
	flag.StringVar(&opts.localModel, "local-model", config.Env("VOICED_LOCAL_MODEL", ""), "Local model name (empty = server default)")
	flag.DurationVar(&opts.idleTimeout, "agent-idle", config.EnvDuration("VOICED_AGENT_IDLE", agent.DefaultIdleTimeout), "Agent idle eviction timeout (0 disables)")
	flag.StringVar(&opts.wakeCommand, "wake-command", config.Env("VOICED_WAKE_COMMAND", ""), "Wake word helper command (empty disables detection)")
	flag.StringVar(&opts.logLevel, "log-level", config.Env("VOICED_LOG_LEVEL", "info"), "Log level: debug, info, warn, error")

	flag.DurationVar(&opts.voiceCfg.ASRTimeout, "asr-timeout", config.EnvDuration("VOICED_ASR_TIMEOUT", opts.voiceCfg.ASRTimeout), "ASR overall timeout")
	flag.DurationVar(&opts.voiceCfg.QueryTimeout, "query-timeout", config.EnvDuration("VOICED_QUERY_TIMEOUT", opts.voiceCfg.QueryTimeout), "Agent query timeout")
	flag.StringVar(&opts.voiceCfg.Language, "language", config.Env("VOICED_LANGUAGE", opts.voiceCfg.Language), "ASR language code")

	flag.Parse()
	return opts
}
