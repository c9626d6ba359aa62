package main

import (
	"context"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/janteras/d-loop-sub001/pkg/api"
	"github.com/janteras/d-loop-sub001/pkg/assetpool"
	"github.com/janteras/d-loop-sub001/pkg/audit"
	"github.com/janteras/d-loop-sub001/pkg/auth"
	"github.com/janteras/d-loop-sub001/pkg/config"
	"github.com/janteras/d-loop-sub001/pkg/fees"
	"github.com/janteras/d-loop-sub001/pkg/governance"
	"github.com/janteras/d-loop-sub001/pkg/governance/executor"
	"github.com/janteras/d-loop-sub001/pkg/governance/store"
	"github.com/janteras/d-loop-sub001/pkg/governance/validator"
	"github.com/janteras/d-loop-sub001/pkg/registry"
	"github.com/janteras/d-loop-sub001/pkg/rewards"
	"github.com/janteras/d-loop-sub001/pkg/token"
	"github.com/janteras/d-loop-sub001/pkg/treasury"
)

var logger *zap.Logger

var rootCmd = &cobra.Command{
	Use:   "dloopd",
	Short: "dloopd - governance-weighted asset custody node",
	Long: `dloopd runs one protocol node: the asset pool, fee engine, treasury,
reward ledger, participant registry and governance engine behind an HTTP API.

Node settings come from DLOOP_* environment variables; protocol parameters
from the yaml file named by DLOOP_PARAMS_PATH.`,
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the node",
	RunE:  runServe,
}

func main() {
	rootCmd.AddCommand(serveCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func buildLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build()
}

// participationProxy breaks the construction cycle between the reward
// ledger and the governance service.
type participationProxy struct{ gov *governance.Service }

func (p *participationProxy) VotingWeights(from, to time.Time) map[string]*big.Int {
	return p.gov.VotingWeights(from, to)
}

// staticOracle prices every token at par. A production deployment replaces
// it with a market feed.
type staticOracle struct{}

func (staticOracle) GetPrice(string) (*big.Int, error) { return big.NewInt(1), nil }

func runServe(cmd *cobra.Command, args []string) error {
	node, err := config.ParseEnv()
	if err != nil {
		return err
	}
	logger, err = buildLogger(node.LogLevel)
	if err != nil {
		return err
	}

	feeCfg, rewardParams, votingCfg, err := config.LoadParams(node.ParamsPath)
	if err != nil {
		return err
	}
	if node.Operator == "" {
		return fmt.Errorf("DLOOP_OPERATOR is required")
	}
	if err := os.MkdirAll(node.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	recorder, closeAudit, err := buildRecorder(node)
	if err != nil {
		return err
	}
	defer closeAudit()

	govStore, closeStore, err := buildStore(node)
	if err != nil {
		return err
	}
	defer closeStore()

	caps := auth.NewTable(node.Operator)
	tokens := token.NewSystem()

	engine, err := fees.NewEngine(feeCfg, logger)
	if err != nil {
		return err
	}
	tre := treasury.New(tokens, caps, recorder, logger)
	reg := registry.NewManager(registry.NewSoulboundCredentials(), caps, logger)

	proxy := &participationProxy{}
	ledger, err := rewards.NewLedger(rewardParams, proxy, reg,
		staticOracle{}, tokens, tokens, recorder, logger)
	if err != nil {
		return err
	}

	exec := executor.New(node.Operator, engine, ledger, tre, reg)
	gov, err := governance.NewService(govStore, exec, validator.New(),
		reg, tokens, caps, recorder, votingCfg, logger)
	if err != nil {
		return err
	}
	proxy.gov = gov
	exec.BindPolicySetter(gov)

	pool := assetpool.New(node.Operator, engine, tokens, tre, ledger,
		staticOracle{}, recorder, logger)

	server := api.NewServer(node.ListenAddr, pool, gov, reg, tre, ledger,
		engine, recorder, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("node starting",
		zap.String("listen_addr", node.ListenAddr),
		zap.String("operator", node.Operator),
		zap.String("data_dir", node.DataDir))
	if err := server.Run(ctx); err != nil {
		return err
	}
	logger.Info("node stopped")
	return nil
}

func buildRecorder(node config.Node) (audit.Query, func(), error) {
	memory := audit.NewMemoryRecorder(4096)
	if node.AuditLogPath == "" {
		return memory, func() {}, nil
	}
	jsonl, err := audit.NewJSONLRecorder(node.AuditLogPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open audit log: %w", err)
	}
	return teeQuery{memory, audit.Tee{memory, jsonl}}, func() { _ = jsonl.Close() }, nil
}

// teeQuery serves queries from the memory recorder while duplicating
// writes to the JSONL file.
type teeQuery struct {
	*audit.MemoryRecorder
	tee audit.Tee
}

func (q teeQuery) Record(e audit.Event) error { return q.tee.Record(e) }

func buildStore(node config.Node) (governance.Store, func(), error) {
	path := node.DBPath
	if path == "" {
		path = filepath.Join(node.DataDir, "governance.db")
	}
	sqlite, err := store.OpenSQLite(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open governance store: %w", err)
	}
	return sqlite, func() { _ = sqlite.Close() }, nil
}
