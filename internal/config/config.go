// Package config loads the keeper configuration from file and
// environment via viper.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/lyonnee/gmx-synthetics/internal/gasfee"
	"github.com/lyonnee/gmx-synthetics/internal/lifecycle"
)

// Config is the full keeper configuration tree. Decimal-valued factors
// travel as strings and are parsed when the typed configs are built.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Store   StoreConfig   `mapstructure:"store"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Engine  EngineConfig  `mapstructure:"engine"`
	Gas     GasConfig     `mapstructure:"gas"`
}

// LoggingConfig controls the zap logger.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// StoreConfig selects and locates the request store backend.
type StoreConfig struct {
	// Backend is "memory" or "badger".
	Backend string `mapstructure:"backend"`
	// Path is the badger data directory.
	Path string `mapstructure:"path"`
}

// KafkaConfig controls the event stream sink and the keeper command
// intake.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	// CommandsTopic carries keeper commands driving the engine.
	CommandsTopic string `mapstructure:"commands_topic"`
	// Group is the consumer group the command intake joins.
	Group string `mapstructure:"group"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

// EngineConfig carries the lifecycle engine parameters tunable per
// deployment.
type EngineConfig struct {
	NativeToken  string `mapstructure:"native_token"`
	FeeReceiver  string `mapstructure:"fee_receiver"`
	VaultAddress string `mapstructure:"vault_address"`

	MinRequestAge            time.Duration `mapstructure:"min_request_age"`
	MaxSwapPathLength        int           `mapstructure:"max_swap_path_length"`
	MaxTotalCallbackGasLimit uint64        `mapstructure:"max_total_callback_gas_limit"`
	CapExecutionFee          bool          `mapstructure:"cap_execution_fee"`

	DepositFeeFactor  string `mapstructure:"deposit_fee_factor"`
	SwapFeeFactor     string `mapstructure:"swap_fee_factor"`
	PositionFeeFactor string `mapstructure:"position_fee_factor"`

	PositiveImpactFactor string `mapstructure:"positive_impact_factor"`
	NegativeImpactFactor string `mapstructure:"negative_impact_factor"`
	ImpactExponentFactor string `mapstructure:"impact_exponent_factor"`
}

// GasConfig mirrors gasfee.Config with string decimals.
type GasConfig struct {
	GasPrice string `mapstructure:"gas_price"`

	BaseGasLimitOrder      uint64 `mapstructure:"base_gas_limit_order"`
	BaseGasLimitDeposit    uint64 `mapstructure:"base_gas_limit_deposit"`
	BaseGasLimitGlvDeposit uint64 `mapstructure:"base_gas_limit_glv_deposit"`
	PerSwapGasLimit        uint64 `mapstructure:"per_swap_gas_limit"`
	PerOraclePriceGasLimit uint64 `mapstructure:"per_oracle_price_gas_limit"`

	MinExecutionFeeMultiplier string `mapstructure:"min_execution_fee_multiplier"`
	MaxExecutionFeeMultiplier string `mapstructure:"max_execution_fee_multiplier"`

	MinHandleErrorGas uint64 `mapstructure:"min_handle_error_gas"`
}

// Load reads the configuration from path (optional) and the GMX_
// environment, applying defaults for everything unset.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GMX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("config file %s: %w", path, err)
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	} else {
		v.SetConfigName("keeper")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/gmx")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("reading config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the keeper cannot start with.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "badger":
		if c.Store.Path == "" {
			return fmt.Errorf("store.path is required for the badger backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers is required when kafka is enabled")
	}
	if c.Engine.MaxSwapPathLength <= 0 {
		return fmt.Errorf("engine.max_swap_path_length must be positive")
	}
	if _, err := c.EngineConfig(); err != nil {
		return err
	}
	if _, err := c.GasConfig(); err != nil {
		return err
	}
	return nil
}

// EngineConfig builds the typed lifecycle configuration.
func (c *Config) EngineConfig() (lifecycle.Config, error) {
	out := lifecycle.Config{
		NativeToken:              common.HexToAddress(c.Engine.NativeToken),
		FeeReceiver:              common.HexToAddress(c.Engine.FeeReceiver),
		MinRequestAge:            c.Engine.MinRequestAge,
		MaxSwapPathLength:        c.Engine.MaxSwapPathLength,
		MaxTotalCallbackGasLimit: c.Engine.MaxTotalCallbackGasLimit,
		CapExecutionFee:          c.Engine.CapExecutionFee,
	}
	fields := []struct {
		name string
		raw  string
		dst  *decimal.Decimal
	}{
		{"engine.deposit_fee_factor", c.Engine.DepositFeeFactor, &out.DepositFeeFactor},
		{"engine.swap_fee_factor", c.Engine.SwapFeeFactor, &out.SwapFeeFactor},
		{"engine.position_fee_factor", c.Engine.PositionFeeFactor, &out.PositionFeeFactor},
		{"engine.positive_impact_factor", c.Engine.PositiveImpactFactor, &out.Impact.PositiveFactor},
		{"engine.negative_impact_factor", c.Engine.NegativeImpactFactor, &out.Impact.NegativeFactor},
		{"engine.impact_exponent_factor", c.Engine.ImpactExponentFactor, &out.Impact.ExponentFactor},
	}
	for _, f := range fields {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return lifecycle.Config{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = d
	}
	return out, nil
}

// GasConfig builds the typed gas accounting configuration.
func (c *Config) GasConfig() (gasfee.Config, error) {
	gasPrice, err := decimal.NewFromString(c.Gas.GasPrice)
	if err != nil {
		return gasfee.Config{}, fmt.Errorf("gas.gas_price: %w", err)
	}
	minMult, err := decimal.NewFromString(c.Gas.MinExecutionFeeMultiplier)
	if err != nil {
		return gasfee.Config{}, fmt.Errorf("gas.min_execution_fee_multiplier: %w", err)
	}
	maxMult, err := decimal.NewFromString(c.Gas.MaxExecutionFeeMultiplier)
	if err != nil {
		return gasfee.Config{}, fmt.Errorf("gas.max_execution_fee_multiplier: %w", err)
	}
	return gasfee.Config{
		GasPrice:                  gasPrice,
		BaseGasLimitOrder:         c.Gas.BaseGasLimitOrder,
		BaseGasLimitDeposit:       c.Gas.BaseGasLimitDeposit,
		BaseGasLimitGlvDeposit:    c.Gas.BaseGasLimitGlvDeposit,
		PerSwapGasLimit:           c.Gas.PerSwapGasLimit,
		PerOraclePriceGasLimit:    c.Gas.PerOraclePriceGasLimit,
		MinExecutionFeeMultiplier: minMult,
		MaxExecutionFeeMultiplier: maxMult,
		MinHandleErrorGas:         c.Gas.MinHandleErrorGas,
	}, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")

	v.SetDefault("store.backend", "memory")
	v.SetDefault("store.path", "")

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "gmx.lifecycle.events")
	v.SetDefault("kafka.commands_topic", "gmx.lifecycle.commands")
	v.SetDefault("kafka.group", "gmx-keeper")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9100")

	v.SetDefault("engine.min_request_age", "5m")
	v.SetDefault("engine.max_swap_path_length", 5)
	v.SetDefault("engine.max_total_callback_gas_limit", 2_000_000)
	v.SetDefault("engine.cap_execution_fee", true)
	v.SetDefault("engine.deposit_fee_factor", "0.0005")
	v.SetDefault("engine.swap_fee_factor", "0.0005")
	v.SetDefault("engine.position_fee_factor", "0.0005")
	v.SetDefault("engine.positive_impact_factor", "0.00000002")
	v.SetDefault("engine.negative_impact_factor", "0.00000004")
	v.SetDefault("engine.impact_exponent_factor", "2")

	gas := gasfee.DefaultConfig()
	v.SetDefault("gas.gas_price", gas.GasPrice.String())
	v.SetDefault("gas.base_gas_limit_order", gas.BaseGasLimitOrder)
	v.SetDefault("gas.base_gas_limit_deposit", gas.BaseGasLimitDeposit)
	v.SetDefault("gas.base_gas_limit_glv_deposit", gas.BaseGasLimitGlvDeposit)
	v.SetDefault("gas.per_swap_gas_limit", gas.PerSwapGasLimit)
	v.SetDefault("gas.per_oracle_price_gas_limit", gas.PerOraclePriceGasLimit)
	v.SetDefault("gas.min_execution_fee_multiplier", gas.MinExecutionFeeMultiplier.String())
	v.SetDefault("gas.max_execution_fee_multiplier", gas.MaxExecutionFeeMultiplier.String())
	v.SetDefault("gas.min_handle_error_gas", gas.MinHandleErrorGas)
}
