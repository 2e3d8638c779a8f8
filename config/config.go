package config

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the fully parsed agent configuration.
type Config struct {
	Symbols []string

	// Detection thresholds.
	SurgeThresholdPercent   decimal.Decimal
	BaselineWindow          int
	SlowdownMaxMovePercent  decimal.Decimal
	VolumeDropRatio         decimal.Decimal
	PullbackPercent         decimal.Decimal
	MinSlowdownRules        int
	PairWindow              time.Duration
	PriceGuardMinGain       decimal.Decimal
	MaxIndexDropPercent     decimal.Decimal
	MaxShortNotional        decimal.Decimal

	// Validation.
	LLMAPIURL           string
	LLMAPIKey           string
	Model               string
	VerifyIterations    int
	ConfidenceThreshold int

	// Human gate.
	ApprovalWindow time.Duration

	// Execution.
	BatchRatios      []decimal.Decimal
	GuardBandPercent decimal.Decimal
	FillPollInterval time.Duration

	// Risk monitoring.
	TakeProfitPercent decimal.Decimal
	RiskPollInterval  time.Duration
	MaxHoldDuration   time.Duration

	// Storage.
	WALDir    string
	MemoryDSN string

	// SessionFile is the recorded market session replayed through the agent.
	SessionFile string

	// Notifier (Twilio-compatible).
	TwilioAccountSID string
	TwilioAuthToken  string
	TwilioFromPhone  string
	UserPhone        string

	// Approval callback server.
	ListenAddr string

	PollInterval time.Duration
}

type configTmp struct {
	Symbols                []string      `yaml:"symbols"`
	SurgeThresholdPercent  string        `yaml:"surge_threshold_percent,omitempty"`
	BaselineWindow         int           `yaml:"baseline_window,omitempty"`
	SlowdownMaxMovePercent string        `yaml:"slowdown_max_move_percent,omitempty"`
	VolumeDropRatio        string        `yaml:"volume_drop_ratio,omitempty"`
	PullbackPercent        string        `yaml:"pullback_percent,omitempty"`
	MinSlowdownRules       int           `yaml:"min_slowdown_rules,omitempty"`
	PairWindow             time.Duration `yaml:"pair_window,omitempty"`
	PriceGuardMinGain      string        `yaml:"price_guard_min_gain,omitempty"`
	MaxIndexDropPercent    string        `yaml:"max_index_drop_percent,omitempty"`
	MaxShortNotional       string        `yaml:"max_short_notional,omitempty"`
	LLMAPIURL              string        `yaml:"llm_api_url"`
	Model                  string        `yaml:"model,omitempty"`
	VerifyIterations       int           `yaml:"verify_iterations,omitempty"`
	ConfidenceThreshold    int           `yaml:"confidence_threshold,omitempty"`
	ApprovalWindow         time.Duration `yaml:"approval_window,omitempty"`
	BatchRatios            []string      `yaml:"batch_ratios,omitempty"`
	GuardBandPercent       string        `yaml:"guard_band_percent,omitempty"`
	FillPollInterval       time.Duration `yaml:"fill_poll_interval,omitempty"`
	TakeProfitPercent      string        `yaml:"take_profit_percent,omitempty"`
	RiskPollInterval       time.Duration `yaml:"risk_poll_interval,omitempty"`
	MaxHoldDuration        time.Duration `yaml:"max_hold_duration,omitempty"`
	WALDir                 string        `yaml:"wal_dir,omitempty"`
	MemoryDSN              string        `yaml:"memory_dsn,omitempty"`
	SessionFile            string        `yaml:"session_file,omitempty"`
	ListenAddr             string        `yaml:"listen_addr,omitempty"`
	PollInterval           time.Duration `yaml:"poll_interval,omitempty"`
}

// Get loads configuration from the --config YAML file, with credentials taken
// from the environment.
func Get() (Config, error) {
	path := flag.String("config", "config.yaml", "path to yaml config")
	flag.Parse()
	return getYaml(*path)
}

func getYaml(path string) (Config, error) {
	var tmp configTmp

	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return Config{}, err
	}

	if len(tmp.Symbols) == 0 {
		return Config{}, fmt.Errorf("at least one symbol is required in 'symbols'")
	}
	if tmp.LLMAPIURL == "" {
		return Config{}, fmt.Errorf("'llm_api_url' is required")
	}

	c := Config{
		Symbols:             tmp.Symbols,
		BaselineWindow:      defaultInt(tmp.BaselineWindow, 20),
		MinSlowdownRules:    defaultInt(tmp.MinSlowdownRules, 2),
		PairWindow:          defaultDuration(tmp.PairWindow, 10*time.Minute),
		LLMAPIURL:           tmp.LLMAPIURL,
		LLMAPIKey:           os.Getenv("LLM_API_KEY"),
		Model:               defaultString(tmp.Model, "claude-sonnet-4-20250514"),
		VerifyIterations:    defaultInt(tmp.VerifyIterations, 2),
		ConfidenceThreshold: defaultInt(tmp.ConfidenceThreshold, 70),
		ApprovalWindow:      defaultDuration(tmp.ApprovalWindow, 5*time.Minute),
		FillPollInterval:    defaultDuration(tmp.FillPollInterval, 2*time.Second),
		RiskPollInterval:    defaultDuration(tmp.RiskPollInterval, 5*time.Minute),
		MaxHoldDuration:     defaultDuration(tmp.MaxHoldDuration, 7*24*time.Hour),
		WALDir:              defaultString(tmp.WALDir, "./wal/episodes"),
		MemoryDSN:           defaultString(tmp.MemoryDSN, "memory.db"),
		SessionFile:         defaultString(tmp.SessionFile, "session.json"),
		TwilioAccountSID:    os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:     os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioFromPhone:     os.Getenv("TWILIO_FROM_PHONE"),
		UserPhone:           os.Getenv("USER_PHONE"),
		ListenAddr:          defaultString(tmp.ListenAddr, ":8085"),
		PollInterval:        defaultDuration(tmp.PollInterval, 5*time.Minute),
	}

	decimals := []struct {
		name string
		raw  string
		def  string
		dst  *decimal.Decimal
	}{
		{"surge_threshold_percent", tmp.SurgeThresholdPercent, "8", &c.SurgeThresholdPercent},
		{"slowdown_max_move_percent", tmp.SlowdownMaxMovePercent, "0.3", &c.SlowdownMaxMovePercent},
		{"volume_drop_ratio", tmp.VolumeDropRatio, "0.4", &c.VolumeDropRatio},
		{"pullback_percent", tmp.PullbackPercent, "1.5", &c.PullbackPercent},
		{"price_guard_min_gain", tmp.PriceGuardMinGain, "40", &c.PriceGuardMinGain},
		{"max_index_drop_percent", tmp.MaxIndexDropPercent, "2", &c.MaxIndexDropPercent},
		{"max_short_notional", tmp.MaxShortNotional, "10000", &c.MaxShortNotional},
		{"guard_band_percent", tmp.GuardBandPercent, "2", &c.GuardBandPercent},
		{"take_profit_percent", tmp.TakeProfitPercent, "3", &c.TakeProfitPercent},
	}
	for _, d := range decimals {
		raw := d.raw
		if raw == "" {
			raw = d.def
		}
		v, err := decimal.NewFromString(raw)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect '%s' param in yaml config: %w", d.name, err)
		}
		*d.dst = v
	}

	ratios := tmp.BatchRatios
	if len(ratios) == 0 {
		ratios = []string{"0.30", "0.30", "0.40"}
	}
	sum := decimal.Zero
	for i, r := range ratios {
		v, err := decimal.NewFromString(r)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'batch_ratios[%d]' param in yaml config: %w", i, err)
		}
		if v.LessThanOrEqual(decimal.Zero) {
			return Config{}, fmt.Errorf("'batch_ratios[%d]' must be positive", i)
		}
		c.BatchRatios = append(c.BatchRatios, v)
		sum = sum.Add(v)
	}
	if !sum.Equal(decimal.NewFromInt(1)) {
		return Config{}, fmt.Errorf("'batch_ratios' must sum to 1, got %s", sum.String())
	}

	return c, nil
}

func defaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func defaultDuration(v, def time.Duration) time.Duration {
	if v == 0 {
		return def
	}
	return v
}
