// Command agent runs the post-earnings short-selling workflow: signal
// detection, AI validation, SMS-confirmed staged execution, risk monitoring,
// and the memory feedback loop.
//
// Usage:
//
//	agent --config config.yaml
//
// Required environment variables:
//
//	LLM_API_KEY for the reasoning collaborator.
//	TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_PHONE, USER_PHONE
//	for SMS confirmation delivery.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/yiyiliu551/stock-trading-agent/config"
	"github.com/yiyiliu551/stock-trading-agent/internal"
	"github.com/yiyiliu551/stock-trading-agent/internal/clients"
	"github.com/yiyiliu551/stock-trading-agent/internal/services/broker"
	"github.com/yiyiliu551/stock-trading-agent/internal/services/detector"
	"github.com/yiyiliu551/stock-trading-agent/internal/services/executor"
	"github.com/yiyiliu551/stock-trading-agent/internal/services/filter"
	"github.com/yiyiliu551/stock-trading-agent/internal/services/gate"
	"github.com/yiyiliu551/stock-trading-agent/internal/services/marketdata"
	"github.com/yiyiliu551/stock-trading-agent/internal/services/memory"
	"github.com/yiyiliu551/stock-trading-agent/internal/services/promptbuilder"
	"github.com/yiyiliu551/stock-trading-agent/internal/services/riskmonitor"
	"github.com/yiyiliu551/stock-trading-agent/internal/services/validator"
	"github.com/yiyiliu551/stock-trading-agent/internal/storage/episodes"
	"github.com/yiyiliu551/stock-trading-agent/internal/storage/longterm"
	"github.com/yiyiliu551/stock-trading-agent/internal/web"
	"github.com/yiyiliu551/stock-trading-agent/internal/workflow"
)

const brokerOrdersPerSecond = 5

func main() {
	cfg, err := config.Get()
	if err != nil {
		log.Fatal(err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatal(err)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	market := marketdata.NewReplay()
	if err := market.LoadFile(cfg.SessionFile); err != nil {
		logger.Fatal("load market session", zap.Error(err))
	}

	walStore, err := episodes.NewWALStore(cfg.WALDir)
	if err != nil {
		logger.Fatal("open episode WAL", zap.Error(err))
	}
	defer walStore.Close()

	longTerm, err := longterm.NewStore(cfg.MemoryDSN)
	if err != nil {
		logger.Fatal("open long-term store", zap.Error(err))
	}

	llm := clients.NewOpenAICompatibleClient(cfg.LLMAPIURL, cfg.LLMAPIKey, cfg.Model)
	prompts := promptbuilder.New(logger)
	mem := memory.New(walStore, longTerm, llm, prompts, logger)

	det := detector.New(detector.Config{
		SurgeThresholdPercent:  cfg.SurgeThresholdPercent,
		BaselineWindow:         cfg.BaselineWindow,
		SlowdownMaxMovePercent: cfg.SlowdownMaxMovePercent,
		VolumeDropRatio:        cfg.VolumeDropRatio,
		PullbackPercent:        cfg.PullbackPercent,
		MinRules:               cfg.MinSlowdownRules,
	}, logger)

	filt := filter.New(filter.Config{
		PairWindow:          cfg.PairWindow,
		PriceGuardMinGain:   cfg.PriceGuardMinGain,
		MaxIndexDropPercent: cfg.MaxIndexDropPercent,
		MaxShortNotional:    cfg.MaxShortNotional,
	}, logger)

	val := validator.New(llm, mem, prompts, cfg.VerifyIterations, cfg.ConfidenceThreshold, logger)

	notifier := clients.NewTwilioNotifier(cfg.TwilioAccountSID, cfg.TwilioAuthToken,
		cfg.TwilioFromPhone, cfg.UserPhone)
	approvalGate := gate.New(notifier, logger)

	monitor := riskmonitor.New(market, riskmonitor.Config{
		TakeProfitPercent: cfg.TakeProfitPercent,
		PollInterval:      cfg.RiskPollInterval,
		MaxHoldDuration:   cfg.MaxHoldDuration,
	}, logger)

	paperBroker := broker.NewPaper(market, brokerOrdersPerSecond, logger)
	exec := executor.New(paperBroker, market, monitor, executor.Config{
		BatchRatios:      cfg.BatchRatios,
		GuardBandPercent: cfg.GuardBandPercent,
		FillPollInterval: cfg.FillPollInterval,
	}, logger)
	monitor.BindInterrupter(exec)

	orch := workflow.New(market, det, filt, val, approvalGate, exec, monitor,
		mem, walStore, cfg.ApprovalWindow, logger)

	server := web.NewServer(cfg.ListenAddr, orch, logger)
	go func() {
		if err := server.Start(ctx); err != nil {
			logger.Error("approval server stopped", zap.Error(err))
			stop()
		}
	}()

	agent := internal.NewAgent(orch, filt, cfg.Symbols, cfg.PollInterval, logger)
	if err := agent.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Fatal("agent exited", zap.Error(err))
	}
}
