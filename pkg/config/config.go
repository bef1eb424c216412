package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/betbot/crashbet/internal/domain"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// SessionConfig 会话级止盈/止损/时长 + 早退规则
type SessionConfig struct {
	ProfitTarget   float64       `yaml:"profit_target" json:"profit_target"`       // 累计盈利达到即停止（默认200）
	MaxLoss        float64       `yaml:"max_loss" json:"max_loss"`                 // 累计亏损达到即停止（默认200）
	DurationLimit  time.Duration `yaml:"duration_limit" json:"duration_limit"`     // 会话最长时长（默认30m）
	EarlyAbortSpan time.Duration `yaml:"early_abort_span" json:"early_abort_span"` // 早退规则只在此时长内生效（默认15m）
	EarlyAbortLoss float64       `yaml:"early_abort_loss" json:"early_abort_loss"` // 早退亏损阈值（默认120）

	AggressiveFailureLimit int     `yaml:"aggressive_failure_limit" json:"aggressive_failure_limit"` // 连续 AGGRESSIVE 失败次数（默认2）
	ClusterMultiplier      float64 `yaml:"cluster_multiplier" json:"cluster_multiplier"`             // 高倍数定义（默认10x）
	ClusterLookback        int     `yaml:"cluster_lookback" json:"cluster_lookback"`                 // 高倍数聚集回看轮数（默认5）
	ClusterCount           int     `yaml:"cluster_count" json:"cluster_count"`                       // 回看窗口内高倍数次数阈值（默认2）
}

// StakeConfig 下注金额复利参数
type StakeConfig struct {
	BaseStake    float64 `yaml:"base_stake" json:"base_stake"`       // 基础下注（默认15）
	MaxStake     float64 `yaml:"max_stake" json:"max_stake"`         // 下注上限（默认60）
	Multiplier   float64 `yaml:"multiplier" json:"multiplier"`       // 赢乘/输除系数（默认1.4）
	MaxSteps     int     `yaml:"max_steps" json:"max_steps"`         // 复利级数上限（默认3）
	ResetCeiling float64 `yaml:"reset_ceiling" json:"reset_ceiling"` // 出现该倍数及以上强制回到基础下注（默认10x）
}

// RegimeConfig 市场状态分类阈值（经验值，按策略参数处理）
type RegimeConfig struct {
	Window          int           `yaml:"window" json:"window"`                       // 统计窗口轮数（默认40）
	TTL             time.Duration `yaml:"ttl" json:"ttl"`                             // 缓存有效期（默认3m）
	LowMultiplier   float64       `yaml:"low_multiplier" json:"low_multiplier"`       // 低倍数线（默认1.5x）
	HighMultiplier  float64       `yaml:"high_multiplier" json:"high_multiplier"`     // 高尾线（默认10x）
	VolatileMedian  float64       `yaml:"volatile_median" json:"volatile_median"`     // 默认3.0
	VolatileTailPct float64       `yaml:"volatile_tail_pct" json:"volatile_tail_pct"` // 默认0.15
	TightMedian     float64       `yaml:"tight_median" json:"tight_median"`           // 默认2.0
	TightLowPct     float64       `yaml:"tight_low_pct" json:"tight_low_pct"`         // 默认0.40
	LooseMedian     float64       `yaml:"loose_median" json:"loose_median"`           // 默认2.5
}

// EntryConfig 入场过滤
type EntryConfig struct {
	CeilingHigh         float64 `yaml:"ceiling_high" json:"ceiling_high"`                     // 上一轮 >= 该值禁止入场（默认10x）
	CeilingExtreme      float64 `yaml:"ceiling_extreme" json:"ceiling_extreme"`               // 最近 N 轮任一 >= 该值禁止入场（默认20x）
	ExtremeLookback     int     `yaml:"extreme_lookback" json:"extreme_lookback"`             // 默认3
	MaxCompoundForEntry int     `yaml:"max_compound_for_entry" json:"max_compound_for_entry"` // 默认3
	AllowVolatile       bool    `yaml:"allow_volatile" json:"allow_volatile"`                 // VOLATILE 下是否仍允许入场
	BandLow             float64 `yaml:"band_low" json:"band_low"`                             // 上一轮允许区间下限（默认1.4）
	BandHigh            float64 `yaml:"band_high" json:"band_high"`                           // 上一轮允许区间上限（默认6.0）
}

// CooldownConfig 冷却触发规则
type CooldownConfig struct {
	HighMultiplier      float64 `yaml:"high_multiplier" json:"high_multiplier"`             // 默认10x
	HighMultiplierSkips int     `yaml:"high_multiplier_skips" json:"high_multiplier_skips"` // 默认2
	ConsecutiveLosses   int     `yaml:"consecutive_losses" json:"consecutive_losses"`       // 默认2
	LossStakeFloor      float64 `yaml:"loss_stake_floor" json:"loss_stake_floor"`           // 连亏冷却只在 stake >= floor 时触发（默认15）
	LossSkips           int     `yaml:"loss_skips" json:"loss_skips"`                       // 默认2
	MaxCompoundSkips    int     `yaml:"max_compound_skips" json:"max_compound_skips"`       // 默认1
}

// ExitConfig 出场目标
type ExitConfig struct {
	DefaultTarget    float64       `yaml:"default_target" json:"default_target"`       // 默认1.85x
	DefensiveTarget  float64       `yaml:"defensive_target" json:"defensive_target"`   // 默认1.5x
	AggressiveTarget float64       `yaml:"aggressive_target" json:"aggressive_target"` // 默认2.5x
	LossTrigger      float64       `yaml:"loss_trigger" json:"loss_trigger"`           // 累计亏损 >= 触发 DEFENSIVE（默认80）
	ProfitTrigger    float64       `yaml:"profit_trigger" json:"profit_trigger"`       // 累计盈利 >= 才允许 AGGRESSIVE（默认100）
	AggressiveWindow time.Duration `yaml:"aggressive_window" json:"aggressive_window"` // AGGRESSIVE 限频窗口（默认15m）
	AggressiveRegime string        `yaml:"aggressive_regime" json:"aggressive_regime"` // 允许 AGGRESSIVE 的 regime（默认LOOSE）
}

// ExecutorConfig 单轮执行状态机参数
type ExecutorConfig struct {
	EntryRetries     int           `yaml:"entry_retries" json:"entry_retries"`         // 默认3
	EntryBackoff     time.Duration `yaml:"entry_backoff" json:"entry_backoff"`         // 默认200ms
	ConfirmTimeout   time.Duration `yaml:"confirm_timeout" json:"confirm_timeout"`     // 每次确认读回的等待（默认2s）
	PollInterval     time.Duration `yaml:"poll_interval" json:"poll_interval"`         // 默认100ms
	MaxWait          time.Duration `yaml:"max_wait" json:"max_wait"`                   // 默认60s
	MaxReadFailures  int           `yaml:"max_read_failures" json:"max_read_failures"` // 连续读失败上限（默认20）
	ExitVerifyWait   time.Duration `yaml:"exit_verify_wait" json:"exit_verify_wait"`   // 每种出场方式的校验等待（默认1s）
	ExitStrategies   []string      `yaml:"exit_strategies" json:"exit_strategies"`     // 出场方式顺序
	BalanceTolerance float64       `yaml:"balance_tolerance" json:"balance_tolerance"` // 余额校验容差（默认0.01）
}

// LedgerConfig 持久化
type LedgerConfig struct {
	Driver string `yaml:"driver" json:"driver"` // sqlite | badger | none
	Path   string `yaml:"path" json:"path"`
	Buffer int    `yaml:"buffer" json:"buffer"` // 异步写入队列长度（默认256）
}

// TableConfig 牌桌接口
type TableConfig struct {
	Mode       string        `yaml:"mode" json:"mode"` // paper | http
	URL        string        `yaml:"url" json:"url"`
	Token      string        `yaml:"token" json:"token"`
	Timeout    time.Duration `yaml:"timeout" json:"timeout"`           // 单次请求超时（默认2s）
	RatePerSec float64       `yaml:"rate_per_sec" json:"rate_per_sec"` // 请求限速（默认50）

	PaperSeed    int64   `yaml:"paper_seed" json:"paper_seed"`
	PaperBalance float64 `yaml:"paper_balance" json:"paper_balance"`
	PaperEdge    float64 `yaml:"paper_edge" json:"paper_edge"` // 模拟庄家优势（默认0.03）
}

// SignalsConfig 信号源
type SignalsConfig struct {
	Mode string `yaml:"mode" json:"mode"` // ws | paper
	URL  string `yaml:"url" json:"url"`
}

// LogConfig 日志
type LogConfig struct {
	Level      string `yaml:"level" json:"level"`
	File       string `yaml:"file" json:"file"`
	MaxSize    int    `yaml:"max_size" json:"max_size"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAge     int    `yaml:"max_age" json:"max_age"`
	Compress   bool   `yaml:"compress" json:"compress"`
}

// Config 应用配置（不可变快照：加载后不再修改，热更新时整体替换）
type Config struct {
	Session  SessionConfig  `yaml:"session" json:"session"`
	Stake    StakeConfig    `yaml:"stake" json:"stake"`
	Regime   RegimeConfig   `yaml:"regime" json:"regime"`
	Entry    EntryConfig    `yaml:"entry" json:"entry"`
	Cooldown CooldownConfig `yaml:"cooldown" json:"cooldown"`
	Exit     ExitConfig     `yaml:"exit" json:"exit"`
	Executor ExecutorConfig `yaml:"executor" json:"executor"`
	Ledger   LedgerConfig   `yaml:"ledger" json:"ledger"`
	Table    TableConfig    `yaml:"table" json:"table"`
	Signals  SignalsConfig  `yaml:"signals" json:"signals"`
	Log      LogConfig      `yaml:"log" json:"log"`

	MetricsListen      string `yaml:"metrics_listen" json:"metrics_listen"`
	ControlPlaneListen string `yaml:"controlplane_listen" json:"controlplane_listen"`
	Dashboard          bool   `yaml:"dashboard" json:"dashboard"`
	DryRun             bool   `yaml:"dry_run" json:"dry_run"` // 纸交易模式：强制使用 paper table
}

// Default 返回全部默认值
func Default() *Config {
	return &Config{
		Session: SessionConfig{
			ProfitTarget:           200,
			MaxLoss:                200,
			DurationLimit:          30 * time.Minute,
			EarlyAbortSpan:         15 * time.Minute,
			EarlyAbortLoss:         120,
			AggressiveFailureLimit: 2,
			ClusterMultiplier:      10,
			ClusterLookback:        5,
			ClusterCount:           2,
		},
		Stake: StakeConfig{
			BaseStake:    15,
			MaxStake:     60,
			Multiplier:   1.4,
			MaxSteps:     3,
			ResetCeiling: 10,
		},
		Regime: RegimeConfig{
			Window:          40,
			TTL:             3 * time.Minute,
			LowMultiplier:   1.5,
			HighMultiplier:  10,
			VolatileMedian:  3.0,
			VolatileTailPct: 0.15,
			TightMedian:     2.0,
			TightLowPct:     0.40,
			LooseMedian:     2.5,
		},
		Entry: EntryConfig{
			CeilingHigh:         10,
			CeilingExtreme:      20,
			ExtremeLookback:     3,
			MaxCompoundForEntry: 3,
			BandLow:             1.4,
			BandHigh:            6.0,
		},
		Cooldown: CooldownConfig{
			HighMultiplier:      10,
			HighMultiplierSkips: 2,
			ConsecutiveLosses:   2,
			LossStakeFloor:      15,
			LossSkips:           2,
			MaxCompoundSkips:    1,
		},
		Exit: ExitConfig{
			DefaultTarget:    1.85,
			DefensiveTarget:  1.5,
			AggressiveTarget: 2.5,
			LossTrigger:      80,
			ProfitTrigger:    100,
			AggressiveWindow: 15 * time.Minute,
			AggressiveRegime: "LOOSE",
		},
		Executor: ExecutorConfig{
			EntryRetries:     3,
			EntryBackoff:     200 * time.Millisecond,
			ConfirmTimeout:   2 * time.Second,
			PollInterval:     100 * time.Millisecond,
			MaxWait:          60 * time.Second,
			MaxReadFailures:  20,
			ExitVerifyWait:   time.Second,
			ExitStrategies:   []string{"primary", "forced_dispatch", "direct_event", "keyboard"},
			BalanceTolerance: 0.01,
		},
		Ledger: LedgerConfig{
			Driver: "sqlite",
			Path:   "data/ledger.db",
			Buffer: 256,
		},
		Table: TableConfig{
			Mode:         "paper",
			Timeout:      2 * time.Second,
			RatePerSec:   50,
			PaperSeed:    1,
			PaperBalance: 1000,
			PaperEdge:    0.03,
		},
		Signals: SignalsConfig{
			Mode: "paper",
		},
		Log: LogConfig{
			Level:      "info",
			File:       "logs/crashbet.log",
			MaxSize:    100,
			MaxBackups: 3,
			MaxAge:     7,
			Compress:   true,
		},
		MetricsListen:      "127.0.0.1:9108",
		ControlPlaneListen: "127.0.0.1:8088",
	}
}

// LoadFromFile 加载配置：默认值 <- 配置文件 <- .env/环境变量。
// filePath 为空时只使用默认值和环境变量。
func LoadFromFile(filePath string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(filePath) != "" {
		if err := decodeFile(filePath, cfg); err != nil {
			return nil, err
		}
	}

	// .env 不存在是正常情况
	_ = godotenv.Load()
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeFile 解析配置文件（支持 YAML 和 JSON），覆盖到 cfg 上
func decodeFile(filePath string, cfg *Config) error {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return errors.Wrapf(err, "读取配置文件失败 %s", filePath)
	}

	switch ext := strings.ToLower(filepath.Ext(filePath)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return errors.Wrapf(err, "解析 YAML 配置文件失败 %s", filePath)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return errors.Wrapf(err, "解析 JSON 配置文件失败 %s", filePath)
		}
	default:
		return fmt.Errorf("不支持的配置文件格式: %s (支持 .yaml, .yml, .json)", ext)
	}
	return nil
}

// applyEnv 环境变量覆盖（优先级最高），主要用于地址/凭证类配置
func applyEnv(cfg *Config) {
	cfg.Table.URL = getEnv("CRASHBET_TABLE_URL", cfg.Table.URL)
	cfg.Table.Token = getEnv("CRASHBET_TABLE_TOKEN", cfg.Table.Token)
	cfg.Table.Mode = getEnv("CRASHBET_TABLE_MODE", cfg.Table.Mode)
	cfg.Signals.URL = getEnv("CRASHBET_SIGNAL_URL", cfg.Signals.URL)
	cfg.Signals.Mode = getEnv("CRASHBET_SIGNAL_MODE", cfg.Signals.Mode)
	cfg.Ledger.Path = getEnv("CRASHBET_LEDGER_PATH", cfg.Ledger.Path)
	cfg.Log.Level = getEnv("CRASHBET_LOG_LEVEL", cfg.Log.Level)
	cfg.DryRun = parseBoolEnv("CRASHBET_DRY_RUN", cfg.DryRun)
}

// Validate 校验阈值范围；任何越界都返回包装了 ErrConfigInvalid 的错误
func (c *Config) Validate() error {
	if c == nil {
		return errors.Wrap(domain.ErrConfigInvalid, "config 不能为空")
	}
	invalid := func(format string, args ...interface{}) error {
		return errors.Wrapf(domain.ErrConfigInvalid, format, args...)
	}

	s := c.Session
	if s.ProfitTarget <= 0 || s.MaxLoss <= 0 {
		return invalid("session.profit_target/max_loss 必须大于0: %.2f/%.2f", s.ProfitTarget, s.MaxLoss)
	}
	if s.DurationLimit <= 0 {
		return invalid("session.duration_limit 必须大于0")
	}
	if s.EarlyAbortSpan < 0 || s.EarlyAbortSpan > s.DurationLimit {
		return invalid("session.early_abort_span 必须在 [0, duration_limit] 内: %v", s.EarlyAbortSpan)
	}
	if s.EarlyAbortLoss < 0 || s.ClusterLookback < 0 || s.ClusterCount < 0 || s.AggressiveFailureLimit < 0 {
		return invalid("session 早退参数不能为负数")
	}

	st := c.Stake
	if st.BaseStake <= 0 {
		return invalid("stake.base_stake 必须大于0: %.2f", st.BaseStake)
	}
	if st.MaxStake < st.BaseStake {
		return invalid("stake.max_stake(%.2f) 不能小于 base_stake(%.2f)", st.MaxStake, st.BaseStake)
	}
	if st.Multiplier <= 1 {
		return invalid("stake.multiplier 必须大于1: %.4f", st.Multiplier)
	}
	if st.MaxSteps < 0 {
		return invalid("stake.max_steps 不能为负数: %d", st.MaxSteps)
	}
	if st.ResetCeiling <= 1 {
		return invalid("stake.reset_ceiling 必须大于1: %.2f", st.ResetCeiling)
	}

	r := c.Regime
	if r.Window <= 0 || r.Window > 1000 {
		return invalid("regime.window 必须在 (0,1000] 内: %d", r.Window)
	}
	if r.TTL <= 0 {
		return invalid("regime.ttl 必须大于0")
	}
	if r.VolatileTailPct < 0 || r.VolatileTailPct > 1 || r.TightLowPct < 0 || r.TightLowPct > 1 {
		return invalid("regime 百分比阈值必须在 [0,1] 内")
	}
	if r.LowMultiplier <= 1 || r.HighMultiplier <= r.LowMultiplier {
		return invalid("regime.low_multiplier/high_multiplier 非法: %.2f/%.2f", r.LowMultiplier, r.HighMultiplier)
	}

	e := c.Entry
	if e.CeilingHigh <= 1 || e.CeilingExtreme < e.CeilingHigh {
		return invalid("entry.ceiling_high/ceiling_extreme 非法: %.2f/%.2f", e.CeilingHigh, e.CeilingExtreme)
	}
	if e.BandLow < 1 || e.BandHigh <= e.BandLow {
		return invalid("entry 区间非法: [%.2f, %.2f]", e.BandLow, e.BandHigh)
	}
	if e.ExtremeLookback < 0 || e.MaxCompoundForEntry < 0 {
		return invalid("entry.extreme_lookback/max_compound_for_entry 不能为负数")
	}

	cd := c.Cooldown
	if cd.HighMultiplierSkips < 0 || cd.LossSkips < 0 || cd.MaxCompoundSkips < 0 || cd.ConsecutiveLosses < 0 {
		return invalid("cooldown 参数不能为负数")
	}

	x := c.Exit
	for name, v := range map[string]float64{
		"default_target":    x.DefaultTarget,
		"defensive_target":  x.DefensiveTarget,
		"aggressive_target": x.AggressiveTarget,
	} {
		if v <= 1 {
			return invalid("exit.%s 必须大于1: %.4f", name, v)
		}
	}
	if x.LossTrigger < 0 || x.ProfitTrigger < 0 || x.AggressiveWindow < 0 {
		return invalid("exit 触发阈值不能为负数")
	}
	if _, ok := domain.ParseRegime(x.AggressiveRegime); !ok {
		return invalid("exit.aggressive_regime 未知: %q", x.AggressiveRegime)
	}

	ex := c.Executor
	if ex.EntryRetries <= 0 || ex.EntryRetries > 10 {
		return invalid("executor.entry_retries 必须在 [1,10] 内: %d", ex.EntryRetries)
	}
	if ex.PollInterval <= 0 || ex.MaxWait <= 0 || ex.PollInterval > ex.MaxWait {
		return invalid("executor.poll_interval/max_wait 非法: %v/%v", ex.PollInterval, ex.MaxWait)
	}
	if ex.MaxReadFailures <= 0 {
		return invalid("executor.max_read_failures 必须大于0")
	}
	if len(ex.ExitStrategies) == 0 {
		return invalid("executor.exit_strategies 不能为空")
	}
	for _, name := range ex.ExitStrategies {
		switch domain.ExitMethod(name) {
		case domain.ExitMethodPrimary, domain.ExitMethodForcedDispatch, domain.ExitMethodDirectEvent, domain.ExitMethodKeyboard:
		default:
			return invalid("executor.exit_strategies 包含未知方式: %s", name)
		}
	}

	switch c.Ledger.Driver {
	case "sqlite", "badger", "none", "":
	default:
		return invalid("ledger.driver 未知: %s", c.Ledger.Driver)
	}
	switch c.Table.Mode {
	case "paper", "http":
	default:
		return invalid("table.mode 未知: %s", c.Table.Mode)
	}
	if c.Table.Mode == "http" && !c.DryRun && strings.TrimSpace(c.Table.URL) == "" {
		return invalid("table.mode=http 时 table.url 不能为空")
	}
	switch c.Signals.Mode {
	case "paper", "ws":
	default:
		return invalid("signals.mode 未知: %s", c.Signals.Mode)
	}
	if c.Signals.Mode == "ws" && strings.TrimSpace(c.Signals.URL) == "" {
		return invalid("signals.mode=ws 时 signals.url 不能为空")
	}
	return nil
}

// ExitMethods 出场方式顺序（已通过 Validate 校验）
func (c *Config) ExitMethods() []domain.ExitMethod {
	out := make([]domain.ExitMethod, 0, len(c.Executor.ExitStrategies))
	for _, name := range c.Executor.ExitStrategies {
		out = append(out, domain.ExitMethod(name))
	}
	return out
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parseBoolEnv 解析布尔环境变量
func parseBoolEnv(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue
	}
	return parsed
}
