// Package config handles loading and validating skewhunter configuration from YAML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"skewhunter/internal/model"
	"skewhunter/internal/persist"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// Mode names shipped with the default configuration.
const (
	ModeStrict   = "STRICT"
	ModeBalanced = "BALANCED"
	ModeRelaxed  = "RELAXED"
)

// Position styles.
const (
	StyleLongPremium = "long_premium"
	StyleDirectional = "directional"
)

// Config is the root configuration structure.
type Config struct {
	App        AppConfig             `yaml:"app"`
	Engine     EngineConfig          `yaml:"engine"`
	ActiveMode string                `yaml:"activeMode" default:"BALANCED" validate:"required"`
	Modes      map[string]ModeConfig `yaml:"modes" validate:"required,min=1,dive"`
	Risk       RiskConfig            `yaml:"risk"`
	Exit       ExitConfig            `yaml:"exit"`
	Filters    FilterConfig          `yaml:"filters"`
	Timing     TimingConfig          `yaml:"timing"`
	Confluence ConfluenceConfig      `yaml:"confluence"`
	Feed       FeedConfig            `yaml:"feed"`
	Cache      CacheConfig           `yaml:"cache"`
	Session    SessionConfig         `yaml:"session"`
	Execution  ExecutionConfig       `yaml:"execution"`
	API        APIConfig             `yaml:"api"`
	Notify     NotifyConfig          `yaml:"notify"`
}

// AppConfig holds general application settings.
type AppConfig struct {
	Env        string `yaml:"env" default:"dev" validate:"oneof=dev staging prod"`
	LogLevel   string `yaml:"logLevel" default:"info" validate:"oneof=debug info warn error"`
	LogFile    string `yaml:"logFile" default:"logs/skewhunter.log" validate:"required"`
	Underlying string `yaml:"underlying" default:"NIFTY" validate:"required"`
	StrikeStep int    `yaml:"strikeStep" default:"50" validate:"gt=0"`
}

// EngineConfig holds loop settings.
type EngineConfig struct {
	RefreshInterval time.Duration `yaml:"refreshInterval" default:"3s" validate:"gt=0"`
	Capital         float64       `yaml:"capital" default:"100000" validate:"gt=0"`
	ExitOnStop      bool          `yaml:"exitOnStop" default:"true"`
	HistoryLimit    int           `yaml:"historyLimit" default:"500" validate:"gt=0"`
}

// ModeConfig is one named threshold profile.
type ModeConfig struct {
	Alpha1Call           float64 `yaml:"alpha1Call" json:"alpha1Call" validate:"gte=0,lte=1"`
	Alpha1Put            float64 `yaml:"alpha1Put" json:"alpha1Put" validate:"gte=0,lte=1"`
	Alpha2Call           float64 `yaml:"alpha2Call" json:"alpha2Call" validate:"gte=0,lte=1"`
	Alpha2Put            float64 `yaml:"alpha2Put" json:"alpha2Put" validate:"gte=0,lte=1"`
	MinQualityScore      float64 `yaml:"minQualityScore" json:"minQualityScore" validate:"gte=0,lte=100"`
	MinConfluence        int     `yaml:"minConfluence" json:"minConfluence" validate:"gte=0,lte=7"`
	VolumeRatioThreshold float64 `yaml:"volumeRatioThreshold" json:"volumeRatioThreshold" validate:"gt=0"`
	OIVelocityThreshold  float64 `yaml:"oiVelocityThreshold" json:"oiVelocityThreshold" validate:"gte=0"`
	OIPersistenceBars    int     `yaml:"oiPersistenceBars" json:"oiPersistenceBars" validate:"gte=1,lte=10"`
}

// RiskConfig holds sizing and daily limits.
type RiskConfig struct {
	PositionSizeLots   int           `yaml:"positionSizeLots" default:"1" validate:"gte=1"`
	LotSize            int           `yaml:"lotSize" default:"65" validate:"gt=0"`
	MaxRiskPerTradePct float64       `yaml:"maxRiskPerTradePct" default:"2" validate:"gt=0,lte=100"`
	DailyLossLimitPct  float64       `yaml:"dailyLossLimitPct" default:"5" validate:"gt=0,lte=100"`
	MaxTradesPerDay    int           `yaml:"maxTradesPerDay" default:"5" validate:"gte=1"`
	LossCooldown       time.Duration `yaml:"lossCooldown" default:"5m" validate:"gte=0"`
}

// ExitConfig holds exit thresholds and the volatility bands.
type ExitConfig struct {
	ProfitTargetPct   float64       `yaml:"profitTargetPct" default:"20" validate:"gt=0"`
	TimeExit          string        `yaml:"timeExit" default:"15:15" validate:"hhmm"`
	MTMMaxLoss        float64       `yaml:"mtmMaxLoss" default:"5000" validate:"gt=0"`
	MTMProtectTrigger float64       `yaml:"mtmProtectTrigger" default:"5000" validate:"gt=0"`
	MTMProtectPct     float64       `yaml:"mtmProtectPct" default:"0.5" validate:"gt=0,lt=1"`
	MinHold           time.Duration `yaml:"minHold" default:"30s" validate:"gte=0"`
	PositionStyle     string        `yaml:"positionStyle" default:"long_premium" validate:"oneof=long_premium directional"`
	VolRegimes        []VolRegime   `yaml:"volRegimes" validate:"required,min=1,dive"`
}

// VolRegime is one volatility band. Bands are matched in order by MaxVIX.
type VolRegime struct {
	Name               string  `yaml:"name" validate:"required"`
	MaxVIX             float64 `yaml:"maxVix" validate:"gt=0"`
	InitialStopPct     float64 `yaml:"initialStopPct" validate:"gt=0,lt=1"`
	TrailActivationPct float64 `yaml:"trailActivationPct" validate:"gte=0"`
	TrailDistancePct   float64 `yaml:"trailDistancePct" validate:"gt=0,lt=1"`
}

// FilterConfig holds instrument admission bounds. Zero disables MinTrendStrength and MaxVIX.
type FilterConfig struct {
	MinOptionPrice     float64 `yaml:"minOptionPrice" default:"20" validate:"gte=0"`
	MaxOptionPrice     float64 `yaml:"maxOptionPrice" default:"150" validate:"gtfield=MinOptionPrice"`
	MinVolume          float64 `yaml:"minVolume" default:"25000" validate:"gte=0"`
	MaxSpreadPct       float64 `yaml:"maxSpreadPct" default:"2.5" validate:"gt=0"`
	MinTrendStrength   float64 `yaml:"minTrendStrength" validate:"gte=0,lte=1"`
	MinVIX             float64 `yaml:"minVix" default:"10" validate:"gte=0"`
	MaxVIX             float64 `yaml:"maxVix" validate:"gte=0"`
	MinOIChangeWriting float64 `yaml:"minOiChangeWriting" default:"400000" validate:"gte=0"`
}

// TimingConfig holds the trading session clock, all HH:MM in Location.
type TimingConfig struct {
	MarketOpen      string `yaml:"marketOpen" default:"09:15" validate:"hhmm"`
	TradingStart    string `yaml:"tradingStart" default:"09:45" validate:"hhmm"`
	LunchAvoidStart string `yaml:"lunchAvoidStart" default:"12:00" validate:"hhmm"`
	LunchAvoidEnd   string `yaml:"lunchAvoidEnd" default:"12:45" validate:"hhmm"`
	EODSquareOff    string `yaml:"eodSquareOff" default:"15:15" validate:"hhmm"`
	MarketClose     string `yaml:"marketClose" default:"15:30" validate:"hhmm"`
	Location        string `yaml:"location" default:"Asia/Kolkata" validate:"required"`
}

// ConfluenceConfig selects the counted factors and the displayed denominator.
type ConfluenceConfig struct {
	Factors            []string `yaml:"factors" validate:"required,min=1,dive,oneof=Alpha1 Alpha2 PCR Volume Trend OI_Vel OI_Flow"`
	DisplayDenominator int      `yaml:"displayDenominator" default:"6" validate:"gte=1"`
	PCRLookback        int      `yaml:"pcrLookback" default:"5" validate:"gte=1"`
}

// FeedConfig configures the market-data provider.
type FeedConfig struct {
	Provider          string        `yaml:"provider" default:"simulated" validate:"oneof=simulated http"`
	BaseURL           string        `yaml:"baseUrl" validate:"required_if=Provider http"`
	RequestsPerSecond float64       `yaml:"requestsPerSecond" default:"2" validate:"gt=0"`
	Burst             int           `yaml:"burst" default:"2" validate:"gte=1"`
	Timeout           time.Duration `yaml:"timeout" default:"5s" validate:"gt=0"`
	Seed              int64         `yaml:"seed"`
}

// CacheConfig configures where the data cache is persisted.
type CacheConfig struct {
	Backend   string `yaml:"backend" default:"file" validate:"oneof=file redis"`
	Path      string `yaml:"path" default:"data/cache.json"`
	RedisAddr string `yaml:"redisAddr" default:"localhost:6379"`
	RedisDB   int    `yaml:"redisDb"`
	RedisKey  string `yaml:"redisKey" default:"skewhunter:cache"`
}

// SessionConfig configures session persistence.
type SessionConfig struct {
	Path        string `yaml:"path" default:"data/session.json" validate:"required"`
	HistoryPath string `yaml:"historyPath" default:"data/trades.jsonl" validate:"required"`
}

// ExecutionConfig configures order placement.
type ExecutionConfig struct {
	Mode            string        `yaml:"mode" default:"simulated" validate:"oneof=inactive simulated real"`
	Broker          string        `yaml:"broker" default:"upstox" validate:"oneof=upstox dhan paper"`
	CallTimeout     time.Duration `yaml:"callTimeout" default:"10s" validate:"gt=0"`
	FillTimeout     time.Duration `yaml:"fillTimeout" default:"30s" validate:"gt=0"`
	PollInterval    time.Duration `yaml:"pollInterval" default:"1s" validate:"gt=0"`
	MaxAttempts     int           `yaml:"maxAttempts" default:"3" validate:"gte=1,lte=10"`
	BackoffBase     time.Duration `yaml:"backoffBase" default:"500ms" validate:"gt=0"`
	BreakerFailures uint32        `yaml:"breakerFailures" default:"5" validate:"gte=1"`
	BreakerCooldown time.Duration `yaml:"breakerCooldown" default:"30s" validate:"gt=0"`
	ProductType     string        `yaml:"productType" default:"I"`
	UpstoxURL       string        `yaml:"upstoxUrl" default:"https://api.upstox.com/v2" validate:"url"`
	DhanURL         string        `yaml:"dhanUrl" default:"https://api.dhan.co/v2" validate:"url"`
}

// APIConfig holds REST API server settings.
type APIConfig struct {
	ListenAddress  string        `yaml:"listenAddress" default:":8080" validate:"required"`
	Heartbeat      time.Duration `yaml:"heartbeat" default:"15s" validate:"gte=0"`
	RequestTimeout time.Duration `yaml:"requestTimeout" default:"30s" validate:"gt=0"`
}

// NotifyConfig configures Telegram trade alerts. The bot token is read from
// the environment only.
type NotifyConfig struct {
	Enabled   bool          `yaml:"enabled"`
	ChatIDs   []string      `yaml:"chatIds"`
	BaseURL   string        `yaml:"baseUrl" default:"https://api.telegram.org" validate:"url"`
	Timeout   time.Duration `yaml:"timeout" default:"5s" validate:"gt=0"`
	QueueSize int           `yaml:"queueSize" default:"32" validate:"gte=1"`
	PerSecond float64       `yaml:"perSecond" default:"1" validate:"gt=0"`
}

// Default returns a fully defaulted configuration.
func Default() *Config {
	cfg := &Config{}
	if err := cfg.setDefaults(); err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

// Load reads and parses a YAML configuration file. Unknown keys are rejected.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := defaults.Set(cfg); err != nil {
		return nil, fmt.Errorf("setting config defaults: %w", err)
	}
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
	}
	cfg.fillCollections()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := persist.WriteFile(path, data); err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	return nil
}

// Mode returns the named mode profile.
func (c *Config) Mode(name string) (ModeConfig, bool) {
	m, ok := c.Modes[name]
	return m, ok
}

// ActiveModeConfig returns the currently selected profile.
func (c *Config) ActiveModeConfig() ModeConfig {
	return c.Modes[c.ActiveMode]
}

// Alpha1For returns the alpha1 threshold for side.
func (m ModeConfig) Alpha1For(side model.Side) float64 {
	if side == model.SidePut {
		return m.Alpha1Put
	}
	return m.Alpha1Call
}

// Alpha2For returns the alpha2 threshold for side.
func (m ModeConfig) Alpha2For(side model.Side) float64 {
	if side == model.SidePut {
		return m.Alpha2Put
	}
	return m.Alpha2Call
}

// setDefaults applies struct-tag defaults plus the defaults that tags cannot express.
func (c *Config) setDefaults() error {
	if err := defaults.Set(c); err != nil {
		return err
	}
	c.fillCollections()
	return nil
}

// fillCollections defaults maps and slices left empty by the document.
func (c *Config) fillCollections() {
	if len(c.Modes) == 0 {
		c.Modes = DefaultModes()
	}
	if len(c.Exit.VolRegimes) == 0 {
		c.Exit.VolRegimes = DefaultVolRegimes()
	}
	if len(c.Confluence.Factors) == 0 {
		c.Confluence.Factors = DefaultFactors()
	}
}

// DefaultModes returns the stock Strict/Balanced/Relaxed profiles.
func DefaultModes() map[string]ModeConfig {
	return map[string]ModeConfig{
		ModeStrict: {
			Alpha1Call: 0.85, Alpha1Put: 0.85, Alpha2Call: 0.85, Alpha2Put: 0.85,
			MinQualityScore: 85, MinConfluence: 5, VolumeRatioThreshold: 2.5,
			OIVelocityThreshold: 12, OIPersistenceBars: 3,
		},
		ModeBalanced: {
			Alpha1Call: 0.80, Alpha1Put: 0.80, Alpha2Call: 0.82, Alpha2Put: 0.82,
			MinQualityScore: 80, MinConfluence: 4, VolumeRatioThreshold: 2.3,
			OIVelocityThreshold: 10, OIPersistenceBars: 2,
		},
		ModeRelaxed: {
			Alpha1Call: 0.65, Alpha1Put: 0.65, Alpha2Call: 0.68, Alpha2Put: 0.68,
			MinQualityScore: 65, MinConfluence: 2, VolumeRatioThreshold: 1.5,
			OIVelocityThreshold: 5, OIPersistenceBars: 1,
		},
	}
}

// DefaultVolRegimes returns the low..extreme bands.
func DefaultVolRegimes() []VolRegime {
	return []VolRegime{
		{Name: "low", MaxVIX: 12, InitialStopPct: 0.25, TrailActivationPct: 0.20, TrailDistancePct: 0.25},
		{Name: "normal", MaxVIX: 15, InitialStopPct: 0.25, TrailActivationPct: 0.22, TrailDistancePct: 0.28},
		{Name: "elevated", MaxVIX: 20, InitialStopPct: 0.25, TrailActivationPct: 0.25, TrailDistancePct: 0.32},
		{Name: "high", MaxVIX: 25, InitialStopPct: 0.25, TrailActivationPct: 0.28, TrailDistancePct: 0.38},
		{Name: "extreme", MaxVIX: 100, InitialStopPct: 0.25, TrailActivationPct: 0.32, TrailDistancePct: 0.42},
	}
}

// DefaultFactors returns the full confluence catalogue.
func DefaultFactors() []string {
	return []string{"Alpha1", "Alpha2", "PCR", "Volume", "Trend", "OI_Vel", "OI_Flow"}
}
