package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Addr string `yaml:"addr"`
	} `yaml:"server"`
	DB struct {
		DSN string `yaml:"dsn"`
	} `yaml:"db"`
	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`
	Chain struct {
		RPCEndpoints         []string `yaml:"rpc_endpoints"`
		WSEndpoints          []string `yaml:"ws_endpoints"`
		Commitment           string   `yaml:"commitment"`
		RPCFailoverThreshold int      `yaml:"rpc_failover_threshold"`
		ConfirmTimeoutSec    int      `yaml:"confirm_timeout_seconds"`
	} `yaml:"chain"`
	Assets []Asset `yaml:"assets"`
	Swap   struct {
		Destination       string `yaml:"destination"`
		PrimaryProduct    string `yaml:"primary_product"`
		SecondaryProduct  string `yaml:"secondary_product"`
		SettleDelayMillis int64  `yaml:"settle_delay_millis"`
		PendingTimeoutSec int64  `yaml:"pending_timeout_seconds"`
	} `yaml:"swap"`
	Stake struct {
		ProgramID string `yaml:"program_id"`
		Asset     string `yaml:"asset"`
	} `yaml:"stake"`
	Referral struct {
		StandardRate    string `yaml:"standard_rate"`
		ElevatedRate    string `yaml:"elevated_rate"`
		SecondaryRate   string `yaml:"secondary_rate"`
		PayoutThreshold string `yaml:"payout_threshold"`
		ChainAsset      string `yaml:"chain_asset"`
	} `yaml:"referral"`
	Custody struct {
		AuthorityKey     string `yaml:"authority_key"`
		AuthorityKeyFile string `yaml:"authority_key_file"`
		FundingKey       string `yaml:"funding_key"`
		FundingKeyFile   string `yaml:"funding_key_file"`
		MasterKey        string `yaml:"master_key"`
	} `yaml:"custody"`
	Oracle struct {
		URL            string `yaml:"url"`
		RefreshSeconds int    `yaml:"refresh_seconds"`
		TimeoutSeconds int    `yaml:"timeout_seconds"`
	} `yaml:"oracle"`
	Worker struct {
		ReaperIntervalSec int64  `yaml:"reaper_interval_seconds"`
		OutboxIntervalSec int64  `yaml:"outbox_interval_seconds"`
		OutboxBatchSize   int    `yaml:"outbox_batch_size"`
		ReconcilerMode    string `yaml:"reconciler_mode"`
		PollIntervalSec   int64  `yaml:"poll_interval_seconds"`
		MetricsAddr       string `yaml:"metrics_addr"`
	} `yaml:"worker"`
}

// Asset is one entry of the asset registry. Kind is native, stable or product.
type Asset struct {
	Symbol       string `yaml:"symbol"`
	Kind         string `yaml:"kind"`
	Mint         string `yaml:"mint"`
	Decimals     int    `yaml:"decimals"`
	UnitPriceUSD string `yaml:"unit_price_usd"`
}

func Load(path string) (*Config, error) {
	// .env is optional; a missing file is not an error.
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = "configs/config.yaml"
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if cfg.Server.Addr == "" {
		return nil, errors.New("server.addr is required")
	}
	if cfg.DB.DSN == "" {
		return nil, errors.New("db.dsn is required")
	}
	if len(cfg.Chain.RPCEndpoints) == 0 {
		return nil, errors.New("chain.rpc_endpoints is required")
	}
	if len(cfg.Assets) == 0 {
		return nil, errors.New("assets are required")
	}
	if cfg.Swap.Destination == "" || cfg.Swap.PrimaryProduct == "" {
		return nil, errors.New("swap config is incomplete")
	}
	return &cfg, nil
}

func (c *Config) SettleDelay() time.Duration {
	return time.Duration(c.Swap.SettleDelayMillis) * time.Millisecond
}

func (c *Config) PendingTimeout() time.Duration {
	return time.Duration(c.Swap.PendingTimeoutSec) * time.Second
}

// InFlightWindow is how long after its last submission stamp an order may
// still settle: one submit and confirm, the follow-up status lookup, and the
// delay before the next submission, on top of the pending timeout.
func (c *Config) InFlightWindow() time.Duration {
	return c.PendingTimeout() + 2*c.ConfirmTimeout() + c.SettleDelay()
}

func (c *Config) ConfirmTimeout() time.Duration {
	return time.Duration(c.Chain.ConfirmTimeoutSec) * time.Second
}

func applyDefaults(cfg *Config) {
	if cfg.Chain.Commitment == "" {
		cfg.Chain.Commitment = "confirmed"
	}
	if cfg.Chain.ConfirmTimeoutSec <= 0 {
		cfg.Chain.ConfirmTimeoutSec = 90
	}
	if cfg.Swap.PendingTimeoutSec <= 0 {
		cfg.Swap.PendingTimeoutSec = 180
	}
	if cfg.Swap.SettleDelayMillis < 0 {
		cfg.Swap.SettleDelayMillis = 0
	}
	if cfg.Referral.StandardRate == "" {
		cfg.Referral.StandardRate = "0.10"
	}
	if cfg.Referral.ElevatedRate == "" {
		cfg.Referral.ElevatedRate = "0.15"
	}
	if cfg.Referral.SecondaryRate == "" {
		cfg.Referral.SecondaryRate = "0.05"
	}
	if cfg.Referral.PayoutThreshold == "" {
		cfg.Referral.PayoutThreshold = "10000"
	}
	if cfg.Referral.ChainAsset == "" {
		cfg.Referral.ChainAsset = "SOL"
	}
	if cfg.Oracle.RefreshSeconds <= 0 {
		cfg.Oracle.RefreshSeconds = 15
	}
	if cfg.Oracle.TimeoutSeconds <= 0 {
		cfg.Oracle.TimeoutSeconds = 10
	}
	if cfg.Worker.ReaperIntervalSec <= 0 {
		cfg.Worker.ReaperIntervalSec = 30
	}
	if cfg.Worker.OutboxIntervalSec <= 0 {
		cfg.Worker.OutboxIntervalSec = 2
	}
	if cfg.Worker.OutboxBatchSize <= 0 {
		cfg.Worker.OutboxBatchSize = 20
	}
	if cfg.Worker.ReconcilerMode == "" {
		cfg.Worker.ReconcilerMode = "ws"
	}
	if cfg.Worker.PollIntervalSec <= 0 {
		cfg.Worker.PollIntervalSec = 20
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("RPC_ENDPOINTS"); v != "" {
		cfg.Chain.RPCEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("WS_ENDPOINTS"); v != "" {
		cfg.Chain.WSEndpoints = splitCommaList(v)
	}
	if v := os.Getenv("RPC_FAILOVER_THRESHOLD"); v != "" {
		cfg.Chain.RPCFailoverThreshold = atoiOr(cfg.Chain.RPCFailoverThreshold, v)
	}
	if v := os.Getenv("SWAP_DESTINATION"); v != "" {
		cfg.Swap.Destination = v
	}
	if v := os.Getenv("SWAP_SETTLE_DELAY_MILLIS"); v != "" {
		cfg.Swap.SettleDelayMillis = atoi64Or(cfg.Swap.SettleDelayMillis, v)
	}
	if v := os.Getenv("SWAP_PENDING_TIMEOUT_SECONDS"); v != "" {
		cfg.Swap.PendingTimeoutSec = atoi64Or(cfg.Swap.PendingTimeoutSec, v)
	}
	if v := os.Getenv("STAKE_PROGRAM_ID"); v != "" {
		cfg.Stake.ProgramID = v
	}
	if v := os.Getenv("REFERRAL_PAYOUT_THRESHOLD"); v != "" {
		cfg.Referral.PayoutThreshold = v
	}
	if v := os.Getenv("AUTHORITY_KEY"); v != "" {
		cfg.Custody.AuthorityKey = v
	}
	if v := os.Getenv("AUTHORITY_KEY_FILE"); v != "" {
		cfg.Custody.AuthorityKeyFile = v
	}
	if v := os.Getenv("FUNDING_KEY"); v != "" {
		cfg.Custody.FundingKey = v
	}
	if v := os.Getenv("FUNDING_KEY_FILE"); v != "" {
		cfg.Custody.FundingKeyFile = v
	}
	if v := os.Getenv("CUSTODY_MASTER_KEY"); v != "" {
		cfg.Custody.MasterKey = v
	}
	if v := os.Getenv("ORACLE_URL"); v != "" {
		cfg.Oracle.URL = v
	}
	if v := os.Getenv("WORKER_RECONCILER_MODE"); v != "" {
		cfg.Worker.ReconcilerMode = v
	}
	if v := os.Getenv("WORKER_POLL_INTERVAL_SECONDS"); v != "" {
		cfg.Worker.PollIntervalSec = atoi64Or(cfg.Worker.PollIntervalSec, v)
	}
	if v := os.Getenv("WORKER_METRICS_ADDR"); v != "" {
		cfg.Worker.MetricsAddr = v
	}
}

func splitCommaList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

func atoiOr(fallback int, v string) int {
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func atoi64Or(fallback int64, v string) int64 {
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}
