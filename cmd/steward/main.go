package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/keldan/steward/pkg/adapters/llm"
	_ "github.com/keldan/steward/pkg/adapters/llm/gemini"
	_ "github.com/keldan/steward/pkg/adapters/llm/openai"
	"github.com/keldan/steward/pkg/credential"
	stewardotel "github.com/keldan/steward/pkg/otel"
	"github.com/keldan/steward/pkg/steward"
	"github.com/keldan/steward/pkg/tool"
	"github.com/keldan/steward/pkg/tools"
	"github.com/keldan/steward/pkg/toolserver"
)

var (
	version = "dev"
	commit  = ""
	date    = ""
)

// devKey signs tokens when STEWARD_SIGNING_KEY is unset. Development only.
const devKey = "steward-dev-signing-key-32bytes!"

func main() {
	_ = godotenv.Load()

	var (
		showVersion bool
		query       string
		provider    string
		serveAddr   string
		traceStdout bool
	)
	flag.BoolVar(&showVersion, "version", false, "print version and exit")
	flag.StringVar(&query, "query", "", "answer one query and exit")
	flag.StringVar(&provider, "model", getEnv("STEWARD_MODEL", ""), "LLM provider (openai, gemini) or empty for none")
	flag.StringVar(&serveAddr, "serve", "", "run the demo tool server on this address instead")
	flag.BoolVar(&traceStdout, "trace", false, "export trace spans to stdout")
	flag.Parse()

	if showVersion {
		fmt.Printf("steward %s (commit=%s, date=%s)\n", version, commit, date)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown, err := stewardotel.Init(ctx, stewardotel.Config{
		ServiceName:    "steward",
		ServiceVersion: version,
		UseStdout:      traceStdout,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "otel init: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = shutdown(context.Background()) }()

	switch {
	case serveAddr != "":
		err = serveTools(ctx, serveAddr)
	case query != "":
		var answer string
		answer, err = runQuery(ctx, provider, query)
		if err == nil {
			fmt.Println(answer)
		}
	default:
		fmt.Fprintln(os.Stderr, "nothing to do: pass -query or -serve")
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "steward: %v\n", err)
		os.Exit(1)
	}
}

// runQuery answers one query against the in-process demo environment.
func runQuery(ctx context.Context, provider, query string) (string, error) {
	model, err := buildModel(ctx, provider)
	if err != nil {
		return "", err
	}
	env, err := steward.NewDemo(signingKey(), model)
	if err != nil {
		return "", err
	}
	defer env.Close()

	token, err := env.Token()
	if err != nil {
		return "", err
	}
	return env.Steward.Respond(ctx, query, token)
}

// serveTools exposes the sample tools over MCP streamable HTTP with bearer
// verification, for running the dispatch core against a remote registry.
func serveTools(ctx context.Context, addr string) error {
	records, err := tools.OpenRecordStore(":memory:", true)
	if err != nil {
		return err
	}
	defer records.Close()

	srv := toolserver.New("steward-tools", version)
	handles := append([]tool.Tool{tools.NewDocStore(tools.DefaultCorpus()...)}, records.Handles()...)
	if err := srv.ExportAll(handles...); err != nil {
		return err
	}

	parser := credential.NewParser(signingKey(), steward.DemoIssuer, "")
	fmt.Printf("steward tool server listening on %s\n", addr)
	return srv.Serve(ctx, addr, parser, []string{steward.DemoScope})
}

func buildModel(ctx context.Context, provider string) (llm.LLM, error) {
	if provider == "" {
		return nil, nil
	}
	factory, ok := llm.Resolve(provider)
	if !ok {
		return nil, fmt.Errorf("unknown model provider %q", provider)
	}
	return factory(ctx, map[string]any{})
}

func signingKey() []byte {
	if v := os.Getenv("STEWARD_SIGNING_KEY"); v != "" {
		return []byte(v)
	}
	return []byte(devKey)
}

func getEnv(key string, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
