// Command recette is the thin one-shot wiring around the engine.
//
// Usage:
//
//	recette -learn task.json              # learn a recipe from an agent dump
//	recette -replay name -params q=rod    # execute a stored recipe
//	recette -show name                    # print a stored definition
//	recette -list [-status verified]      # list stored definitions
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/recette/analyze"
	"github.com/hazyhaar/recette/compile"
	"github.com/hazyhaar/recette/config"
	"github.com/hazyhaar/recette/egress"
	"github.com/hazyhaar/recette/fingerprint"
	"github.com/hazyhaar/recette/minimize"
	"github.com/hazyhaar/recette/pipeline"
	"github.com/hazyhaar/recette/recipe"
	"github.com/hazyhaar/recette/recording"
	"github.com/hazyhaar/recette/runner"
	"github.com/hazyhaar/recette/session"
	"github.com/hazyhaar/recette/store"
	"github.com/hazyhaar/recette/transport"
	"github.com/hazyhaar/recette/verify"
	"golang.org/x/time/rate"
)

func main() {
	configPath := flag.String("config", "", "path to recette.yaml")
	learnPath := flag.String("learn", "", "learn a recipe from an agent dump file")
	replayName := flag.String("replay", "", "execute the named recipe")
	params := flag.String("params", "", "comma-separated k=v parameters for -replay")
	showName := flag.String("show", "", "print the named definition")
	list := flag.Bool("list", false, "list stored definitions")
	status := flag.String("status", "", "status filter for -list")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *learnPath, *replayName, *params, *showName, *list, *status); err != nil {
		logger.Error("recette: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, learnPath, replayName, params, showName string, list bool, status string) error {
	cfg, err := config.Parse(nil)
	if err != nil {
		return err
	}
	if configPath != "" {
		if cfg, err = config.LoadFile(configPath); err != nil {
			return err
		}
	}

	eng, err := newEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.close()

	switch {
	case learnPath != "":
		return eng.learn(ctx, learnPath)
	case replayName != "":
		return eng.replay(ctx, replayName, parseParams(params))
	case showName != "":
		return eng.show(ctx, showName)
	case list:
		return eng.list(ctx, recipe.Status(status))
	}

	fmt.Fprintln(os.Stderr, "usage: recette -learn <file> | -replay <name> [-params k=v,...] | -show <name> | -list")
	os.Exit(1)
	return nil
}

type engine struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	sessions *session.Manager
	adapter  *sessionAdapter
	runner   *runner.Runner
	fpCfg    fingerprint.Config
}

func newEngine(cfg *config.Config, logger *slog.Logger) (*engine, error) {
	ecfg, err := cfg.EgressPolicy()
	if err != nil {
		return nil, err
	}
	ecfg.Logger = logger
	policy := egress.NewPolicy(ecfg)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	scfg := cfg.Sessions()
	scfg.Logger = logger
	sessions := session.NewManager(scfg)
	adapter := &sessionAdapter{mgr: sessions}

	caps := transport.Caps{Timeout: cfg.Runner.Timeout}
	transports := map[recipe.TransportKind]transport.Transport{
		recipe.TransportDirect:  transport.NewDirect(caps, logger),
		recipe.TransportSession: transport.NewSessionBound(adapter, caps, logger),
		recipe.TransportInPage:  transport.NewInPage(adapter, transport.InPageConfig{Caps: caps, Logger: logger}),
	}

	fpCfg := cfg.Fingerprints()
	run := runner.New(policy, compile.New(compile.Config{Logger: logger}), transports, runner.Config{
		GlobalLimit:  cfg.Runner.GlobalLimit,
		PerHostLimit: cfg.Runner.PerHostLimit,
		Rate:         rate.Limit(cfg.Runner.Rate),
		Burst:        cfg.Runner.Burst,
		RetryMax:     cfg.Runner.RetryMax,
		Fingerprint:  fpCfg,
		Logger:       logger,
	})

	return &engine{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		sessions: sessions,
		adapter:  adapter,
		runner:   run,
		fpCfg:    fpCfg,
	}, nil
}

func (e *engine) close() {
	e.adapter.release()
	e.sessions.Close()
	e.store.Close()
}

// agentDump is the file format of a completed browser-agent run: the
// agent itself runs elsewhere and hands the engine its captured traffic.
type agentDump struct {
	Text      string                  `json:"text"`
	Answer    string                  `json:"answer"`
	FinalURL  string                  `json:"final_url"`
	StartedAt time.Time               `json:"started_at"`
	Exchanges []recording.RawExchange `json:"exchanges"`
	// ExtraParamSets carry second-example inputs for verification.
	ExtraParamSets []map[string]string `json:"extra_param_sets,omitempty"`
}

func (e *engine) learn(ctx context.Context, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var dump agentDump
	if err := json.Unmarshal(data, &dump); err != nil {
		return fmt.Errorf("agent dump: %w", err)
	}

	p := pipeline.New(
		&fileAgent{dump: &dump},
		analyze.New(nil, analyze.Config{
			MinScore:  e.cfg.Learn.MinScore,
			MinMargin: e.cfg.Learn.MinMargin,
			Logger:    e.logger,
		}),
		e.runner,
		minimize.New(e.runner, minimize.Config{
			MaxProbes: e.cfg.Learn.MaxProbes,
			Pace:      e.cfg.Learn.Pace,
			Logger:    e.logger,
		}),
		verify.New(e.runner, verify.Config{
			Replays: e.cfg.Learn.Replays,
			Pace:    e.cfg.Learn.Pace,
			Logger:  e.logger,
		}),
		e.store,
		pipeline.Config{
			ArtifactDir: e.cfg.ArtifactDir,
			Validate:    recipe.ValidateConfig{AllowMutating: e.cfg.Learn.AllowMutating},
			Fingerprint: e.fpCfg,
			Logger:      e.logger,
		})

	res, err := p.Learn(ctx, pipeline.Task{
		Text:           dump.Text,
		ExtraParamSets: dump.ExtraParamSets,
	})
	if err != nil {
		return err
	}
	return printJSON(res)
}

func (e *engine) replay(ctx context.Context, name string, params map[string]string) error {
	def, err := e.store.GetDefinition(ctx, name)
	if err != nil {
		return err
	}

	res := e.runner.Execute(ctx, def, params, runner.Options{})

	state, err := e.store.GetRunState(ctx, name)
	if err == nil {
		v := verify.New(e.runner, verify.Config{Logger: e.logger})
		if changed := v.Observe(def, state, res); changed {
			// A demotion rewrites the definition and the counters together.
			if perr := e.store.PutDefinitionWithState(ctx, def, state); perr != nil {
				return perr
			}
		} else if perr := e.store.PutRunState(ctx, state); perr != nil {
			return perr
		}
	}
	return printJSON(res)
}

func (e *engine) show(ctx context.Context, name string) error {
	def, err := e.store.GetDefinition(ctx, name)
	if err != nil {
		return err
	}
	return printJSON(def)
}

func (e *engine) list(ctx context.Context, status recipe.Status) error {
	defs, err := e.store.ListDefinitions(ctx, status)
	if err != nil {
		return err
	}
	for _, d := range defs {
		fmt.Printf("%s\t%s\t%s %s\n", d.Name, d.Status, d.Request.Method, d.Request.URLTemplate)
	}
	return nil
}

// fileAgent replays a completed agent run from its dump.
type fileAgent struct {
	dump *agentDump
}

func (a *fileAgent) Run(context.Context, string, []string) (*pipeline.AgentResult, error) {
	return &pipeline.AgentResult{
		Answer:    a.dump.Answer,
		FinalURL:  a.dump.FinalURL,
		StartedAt: a.dump.StartedAt,
		Exchanges: a.dump.Exchanges,
	}, nil
}

// sessionAdapter lazily acquires one browser session the first time a
// session-carrying transport needs it, so plain Direct replays never
// launch Chrome.
type sessionAdapter struct {
	mgr *session.Manager

	mu  sync.Mutex
	ses *session.Session
}

func (a *sessionAdapter) session(ctx context.Context) (*session.Session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ses == nil {
		ses, err := a.mgr.Acquire(ctx, "cli")
		if err != nil {
			return nil, err
		}
		a.ses = ses
	}
	return a.ses, nil
}

func (a *sessionAdapter) Cookies(ctx context.Context, u *url.URL) ([]*http.Cookie, error) {
	ses, err := a.session(ctx)
	if err != nil {
		return nil, err
	}
	return ses.Cookies(ctx, u)
}

func (a *sessionAdapter) Eval(ctx context.Context, js string, args ...any) (string, error) {
	ses, err := a.session(ctx)
	if err != nil {
		return "", err
	}
	return ses.Eval(ctx, js, args...)
}

func (a *sessionAdapter) release() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.ses != nil {
		a.ses.Release()
		a.ses = nil
	}
}

func parseParams(s string) map[string]string {
	out := make(map[string]string)
	for _, pair := range strings.Split(s, ",") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		out[k] = v
	}
	return out
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
