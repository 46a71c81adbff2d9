// Package config loads the bonder's network file: chains, tokens, routes and bonder policy.
package config

import (
	"errors"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/hop-exchange/bonder-node/internal/finality"
	"github.com/hop-exchange/bonder-node/internal/secrets"
)

var ErrInvalidConfig = errors.New("config: invalid config")

// Duration is a time.Duration written as a Go duration string ("30s", "2h").
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("config: duration %q: %w", string(b), err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.Duration.String()), nil }

type Config struct {
	Bonder Bonder           `toml:"bonder"`
	Tx     Tx               `toml:"tx"`
	Chains map[string]Chain `toml:"chains"`
	Tokens map[string]Token `toml:"tokens"`
	Routes []Route          `toml:"routes"`
}

type Chain struct {
	ChainID      uint64 `toml:"chain_id"`
	RPCURL       string `toml:"rpc_url"`
	RollupRPCURL string `toml:"rollup_rpc_url"`
	Hub          bool   `toml:"hub"`
	// Finality overrides the bonder-wide strategy family for this chain.
	Finality       string   `toml:"finality"`
	PollInterval   Duration `toml:"poll_interval"`
	SyncStartBlock uint64   `toml:"sync_start_block"`
	MaxLogRange    uint64   `toml:"max_log_range"`
	ReorgLookback  uint64   `toml:"reorg_lookback"`
	// ExitWindow is how long a root committed on this chain waits before its message can be
	// relayed to the hub.
	ExitWindow Duration `toml:"exit_window"`
	// Messenger receives confirmTransferRoot relays. Empty means the hub bridge.
	Messenger string            `toml:"messenger"`
	Bridges   map[string]string `toml:"bridges"`
}

type Token struct {
	Decimals int32    `toml:"decimals"`
	Chains   []string `toml:"chains"`
}

type Route struct {
	Source      string `toml:"source"`
	Destination string `toml:"destination"`
}

type Bonder struct {
	KeySource string `toml:"key_source"`
	KeyName   string `toml:"key_name"`
	Family    string `toml:"family"`

	GasPriceMultiplier float64 `toml:"gas_price_multiplier"`
	// MinBonderFee is the absolute floor per source chain, in token units.
	MinBonderFee    map[string]decimal.Decimal `toml:"min_bonder_fee"`
	MinBonderFeeBps int64                      `toml:"min_bonder_fee_bps"`
	// CommitThreshold per token, in token units.
	CommitThreshold  map[string]decimal.Decimal `toml:"commit_threshold"`
	CommitInterval   Duration                   `toml:"commit_interval"`
	MinBondDelay     Duration                   `toml:"min_bond_delay"`
	SettleMinPercent float64                    `toml:"settle_min_percent"`
	ChallengeGrace   Duration                   `toml:"challenge_grace"`
	Governance       bool                       `toml:"governance"`
	ResendAfter      Duration                   `toml:"resend_after"`

	LeaseName string   `toml:"lease_name"`
	LeaseTTL  Duration `toml:"lease_ttl"`
}

type Tx struct {
	AttemptTimeout      Duration `toml:"attempt_timeout"`
	MaxRetries          int      `toml:"max_retries"`
	RetryBackoff        Duration `toml:"retry_backoff"`
	PostSubmitDelay     Duration `toml:"post_submit_delay"`
	ReceiptPollInterval Duration `toml:"receipt_poll_interval"`
	ReplaceAfter        Duration `toml:"replace_after"`
	MaxReplacements     int      `toml:"max_replacements"`
	BumpPercent         int      `toml:"bump_percent"`
	MinTipGwei          float64  `toml:"min_tip_gwei"`
	GasLimitMultiplier  float64  `toml:"gas_limit_multiplier"`
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(string(b))
}

func Parse(data string) (*Config, error) {
	var c Config
	md, err := toml.Decode(data, &c)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return nil, fmt.Errorf("%w: unknown keys %s", ErrInvalidConfig, strings.Join(keys, ", "))
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) applyDefaults() {
	b := &c.Bonder
	if b.KeySource == "" {
		b.KeySource = secrets.SourceEnv
	}
	if b.KeyName == "" {
		b.KeyName = "BONDER_PRIVATE_KEY"
	}
	if b.GasPriceMultiplier == 0 {
		b.GasPriceMultiplier = 1.5
	}
	if b.CommitInterval.Duration == 0 {
		b.CommitInterval.Duration = 6 * time.Hour
	}
	if b.MinBondDelay.Duration == 0 {
		b.MinBondDelay.Duration = 15 * time.Minute
	}
	if b.SettleMinPercent == 0 {
		b.SettleMinPercent = 0.1
	}
	if b.ChallengeGrace.Duration == 0 {
		b.ChallengeGrace.Duration = time.Hour
	}
	if b.ResendAfter.Duration == 0 {
		b.ResendAfter.Duration = 10 * time.Minute
	}
	if b.LeaseName == "" {
		b.LeaseName = "bonder"
	}
	if b.LeaseTTL.Duration == 0 {
		b.LeaseTTL.Duration = 30 * time.Second
	}

	t := &c.Tx
	if t.AttemptTimeout.Duration == 0 {
		t.AttemptTimeout.Duration = 5 * time.Minute
	}
	if t.MaxRetries == 0 {
		t.MaxRetries = 5
	}
	if t.RetryBackoff.Duration == 0 {
		t.RetryBackoff.Duration = 5 * time.Second
	}
	if t.PostSubmitDelay.Duration == 0 {
		t.PostSubmitDelay.Duration = 2 * time.Second
	}
	if t.ReceiptPollInterval.Duration == 0 {
		t.ReceiptPollInterval.Duration = 2 * time.Second
	}
	if t.ReplaceAfter.Duration == 0 {
		t.ReplaceAfter.Duration = 3 * time.Minute
	}
	if t.MaxReplacements == 0 {
		t.MaxReplacements = 5
	}
	if t.BumpPercent == 0 {
		t.BumpPercent = 20
	}
	if t.GasLimitMultiplier == 0 {
		t.GasLimitMultiplier = 1.2
	}

	for slug, ch := range c.Chains {
		if ch.PollInterval.Duration == 0 {
			ch.PollInterval.Duration = 10 * time.Second
		}
		if ch.MaxLogRange == 0 {
			ch.MaxLogRange = 2000
		}
		if ch.ReorgLookback == 0 {
			ch.ReorgLookback = 64
		}
		c.Chains[slug] = ch
	}
}

// Validate reports the first problem found, naming the offending field.
func (c *Config) Validate() error {
	if len(c.Chains) == 0 {
		return fmt.Errorf("%w: chains: at least one chain is required", ErrInvalidConfig)
	}
	if len(c.Tokens) == 0 {
		return fmt.Errorf("%w: tokens: at least one token is required", ErrInvalidConfig)
	}
	family, err := finality.ParseFamily(c.Bonder.Family)
	if err != nil {
		return fmt.Errorf("%w: bonder.family: %v", ErrInvalidConfig, err)
	}

	hubs := 0
	ids := make(map[uint64]string, len(c.Chains))
	for _, slug := range c.ChainSlugs() {
		ch := c.Chains[slug]
		field := "chains." + slug
		if ch.ChainID == 0 {
			return fmt.Errorf("%w: %s.chain_id is required", ErrInvalidConfig, field)
		}
		if other, dup := ids[ch.ChainID]; dup {
			return fmt.Errorf("%w: %s.chain_id %d duplicates chains.%s", ErrInvalidConfig, field, ch.ChainID, other)
		}
		ids[ch.ChainID] = slug
		if strings.TrimSpace(ch.RPCURL) == "" {
			return fmt.Errorf("%w: %s.rpc_url is required", ErrInvalidConfig, field)
		}
		if ch.Hub {
			hubs++
		}
		f := family
		if ch.Finality != "" {
			if f, err = finality.ParseFamily(ch.Finality); err != nil {
				return fmt.Errorf("%w: %s.finality: %v", ErrInvalidConfig, field, err)
			}
		}
		if _, err := finality.Lookup(slug, f); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, field, err)
		}
		if ch.Messenger != "" && !common.IsHexAddress(ch.Messenger) {
			return fmt.Errorf("%w: %s.messenger %q is not an address", ErrInvalidConfig, field, ch.Messenger)
		}
		if ch.ExitWindow.Duration < 0 {
			return fmt.Errorf("%w: %s.exit_window must be >= 0", ErrInvalidConfig, field)
		}
		for token, addr := range ch.Bridges {
			if _, ok := c.Tokens[token]; !ok {
				return fmt.Errorf("%w: %s.bridges.%s: unknown token", ErrInvalidConfig, field, token)
			}
			if !common.IsHexAddress(addr) || common.HexToAddress(addr) == (common.Address{}) {
				return fmt.Errorf("%w: %s.bridges.%s %q is not an address", ErrInvalidConfig, field, token, addr)
			}
		}
	}
	if hubs != 1 {
		return fmt.Errorf("%w: chains: exactly one hub chain is required, got %d", ErrInvalidConfig, hubs)
	}

	for symbol, tok := range c.Tokens {
		field := "tokens." + symbol
		if tok.Decimals < 0 || tok.Decimals > 36 {
			return fmt.Errorf("%w: %s.decimals %d out of range", ErrInvalidConfig, field, tok.Decimals)
		}
		if len(tok.Chains) == 0 {
			return fmt.Errorf("%w: %s.chains is required", ErrInvalidConfig, field)
		}
		for _, slug := range tok.Chains {
			ch, ok := c.Chains[slug]
			if !ok {
				return fmt.Errorf("%w: %s.chains: unknown chain %q", ErrInvalidConfig, field, slug)
			}
			if _, ok := ch.Bridges[symbol]; !ok {
				return fmt.Errorf("%w: %s.chains: chains.%s has no %s bridge", ErrInvalidConfig, field, slug, symbol)
			}
		}
	}

	for i, r := range c.Routes {
		field := fmt.Sprintf("routes[%d]", i)
		if _, ok := c.Chains[r.Source]; !ok {
			return fmt.Errorf("%w: %s.source: unknown chain %q", ErrInvalidConfig, field, r.Source)
		}
		if _, ok := c.Chains[r.Destination]; !ok {
			return fmt.Errorf("%w: %s.destination: unknown chain %q", ErrInvalidConfig, field, r.Destination)
		}
		if r.Source == r.Destination {
			return fmt.Errorf("%w: %s: source equals destination", ErrInvalidConfig, field)
		}
	}

	b := c.Bonder
	switch b.KeySource {
	case secrets.SourceEnv, secrets.SourceFile, secrets.SourceAWS:
	default:
		return fmt.Errorf("%w: bonder.key_source %q (want env|file|aws)", ErrInvalidConfig, b.KeySource)
	}
	if b.GasPriceMultiplier < 1 {
		return fmt.Errorf("%w: bonder.gas_price_multiplier must be >= 1", ErrInvalidConfig)
	}
	if b.MinBonderFeeBps < 0 || b.MinBonderFeeBps > 10_000 {
		return fmt.Errorf("%w: bonder.min_bonder_fee_bps must be in [0, 10000]", ErrInvalidConfig)
	}
	for slug, fee := range b.MinBonderFee {
		if _, ok := c.Chains[slug]; !ok {
			return fmt.Errorf("%w: bonder.min_bonder_fee.%s: unknown chain", ErrInvalidConfig, slug)
		}
		if fee.IsNegative() {
			return fmt.Errorf("%w: bonder.min_bonder_fee.%s must be >= 0", ErrInvalidConfig, slug)
		}
	}
	for symbol, v := range b.CommitThreshold {
		if _, ok := c.Tokens[symbol]; !ok {
			return fmt.Errorf("%w: bonder.commit_threshold.%s: unknown token", ErrInvalidConfig, symbol)
		}
		if v.IsNegative() {
			return fmt.Errorf("%w: bonder.commit_threshold.%s must be >= 0", ErrInvalidConfig, symbol)
		}
	}
	if b.SettleMinPercent < 0 || b.SettleMinPercent > 1 {
		return fmt.Errorf("%w: bonder.settle_min_percent must be in [0, 1]", ErrInvalidConfig)
	}
	if b.LeaseTTL.Duration <= 0 {
		return fmt.Errorf("%w: bonder.lease_ttl must be > 0", ErrInvalidConfig)
	}

	t := c.Tx
	if t.AttemptTimeout.Duration <= 0 || t.RetryBackoff.Duration < 0 || t.PostSubmitDelay.Duration < 0 {
		return fmt.Errorf("%w: tx: attempt_timeout must be > 0 and delays >= 0", ErrInvalidConfig)
	}
	if t.MaxRetries < 0 || t.MaxReplacements < 0 {
		return fmt.Errorf("%w: tx: max_retries and max_replacements must be >= 0", ErrInvalidConfig)
	}
	if t.BumpPercent < 10 {
		return fmt.Errorf("%w: tx.bump_percent must be >= 10", ErrInvalidConfig)
	}
	if t.GasLimitMultiplier < 1 {
		return fmt.Errorf("%w: tx.gas_limit_multiplier must be >= 1", ErrInvalidConfig)
	}
	if t.MinTipGwei < 0 {
		return fmt.Errorf("%w: tx.min_tip_gwei must be >= 0", ErrInvalidConfig)
	}
	return nil
}

// ChainSlugs returns configured chain slugs in sorted order.
func (c *Config) ChainSlugs() []string {
	out := make([]string, 0, len(c.Chains))
	for slug := range c.Chains {
		out = append(out, slug)
	}
	sort.Strings(out)
	return out
}

// TokenSymbols returns configured token symbols in sorted order.
func (c *Config) TokenSymbols() []string {
	out := make([]string, 0, len(c.Tokens))
	for s := range c.Tokens {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Hub returns the hub chain's slug.
func (c *Config) Hub() string {
	for _, slug := range c.ChainSlugs() {
		if c.Chains[slug].Hub {
			return slug
		}
	}
	return ""
}

// SlugByID maps a chain id back to its slug.
func (c *Config) SlugByID(id uint64) (string, bool) {
	for slug, ch := range c.Chains {
		if ch.ChainID == id {
			return slug, true
		}
	}
	return "", false
}

// Family returns the finality family for chain, honoring its override.
func (c *Config) Family(chain string) finality.Family {
	if ch, ok := c.Chains[chain]; ok && ch.Finality != "" {
		if f, err := finality.ParseFamily(ch.Finality); err == nil {
			return f
		}
	}
	f, err := finality.ParseFamily(c.Bonder.Family)
	if err != nil {
		return finality.FamilyDefault
	}
	return f
}

// RouteEnabled reports whether transfers from source to destination are bonded. An empty
// routes list enables every pair.
func (c *Config) RouteEnabled(source, destination string) bool {
	if source == destination {
		return false
	}
	if len(c.Routes) == 0 {
		return true
	}
	for _, r := range c.Routes {
		if r.Source == source && r.Destination == destination {
			return true
		}
	}
	return false
}

// Bridge returns the token's bridge address on chain.
func (c *Config) Bridge(chain, token string) (common.Address, bool) {
	addr, ok := c.Chains[chain].Bridges[token]
	if !ok {
		return common.Address{}, false
	}
	return common.HexToAddress(addr), true
}

// MinBonderFeeWei returns the absolute bonder fee floor for transfers from chain.
func (c *Config) MinBonderFeeWei(chain, token string) *big.Int {
	fee, ok := c.Bonder.MinBonderFee[chain]
	if !ok {
		return new(big.Int)
	}
	return ToWei(fee, c.Tokens[token].Decimals)
}

// CommitThresholdWei returns the pending amount that triggers a commit for token.
func (c *Config) CommitThresholdWei(token string) *big.Int {
	v, ok := c.Bonder.CommitThreshold[token]
	if !ok {
		return new(big.Int)
	}
	return ToWei(v, c.Tokens[token].Decimals)
}

// ToWei converts an amount in token units to base units, truncating extra precision.
func ToWei(v decimal.Decimal, decimals int32) *big.Int {
	return v.Shift(decimals).Truncate(0).BigInt()
}

// GweiToWei converts a gwei amount to wei.
func GweiToWei(gwei float64) *big.Int {
	return ToWei(decimal.NewFromFloat(gwei), 9)
}
