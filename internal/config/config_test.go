package config

import (
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/hop-exchange/bonder-node/internal/finality"
)

const sample = `
[bonder]
key_source = "aws"
key_name = "bonder/prod"
family = "bonder"
min_bonder_fee_bps = 18
commit_interval = "2h"

[bonder.min_bonder_fee]
polygon = "0.25"

[bonder.commit_threshold]
USDC = "10000"

[tx]
attempt_timeout = "90s"
max_retries = 3

[tokens.USDC]
decimals = 6
chains = ["ethereum", "polygon"]

[chains.ethereum]
chain_id = 1
rpc_url = "http://l1:8545"
hub = true

[chains.ethereum.bridges]
USDC = "0x3666f603Cc164936C1b87e207F36BEBa4AC5f18a"

[chains.polygon]
chain_id = 137
rpc_url = "http://polygon:8545"
finality = "default"
exit_window = "30m"
poll_interval = "5s"

[chains.polygon.bridges]
USDC = "0x25D8039bB044dC227f741a9e381CA4cEAE2E6aE8"

[[routes]]
source = "polygon"
destination = "ethereum"

[[routes]]
source = "ethereum"
destination = "polygon"
`

func TestParse_Sample(t *testing.T) {
	t.Parallel()

	c, err := Parse(sample)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if got := c.Hub(); got != "ethereum" {
		t.Fatalf("Hub: got %q", got)
	}
	if c.Tx.AttemptTimeout.Duration != 90*time.Second || c.Tx.MaxRetries != 3 {
		t.Fatalf("tx: %+v", c.Tx)
	}
	if c.Tx.BumpPercent != 20 || c.Bonder.GasPriceMultiplier != 1.5 {
		t.Fatalf("defaults not applied: bump=%d mult=%v", c.Tx.BumpPercent, c.Bonder.GasPriceMultiplier)
	}
	if c.Bonder.CommitInterval.Duration != 2*time.Hour {
		t.Fatalf("commit interval: %v", c.Bonder.CommitInterval)
	}
	poly := c.Chains["polygon"]
	if poly.ExitWindow.Duration != 30*time.Minute || poly.PollInterval.Duration != 5*time.Second || poly.MaxLogRange != 2000 {
		t.Fatalf("polygon: %+v", poly)
	}
	if got := c.Family("polygon"); got != finality.FamilyDefault {
		t.Fatalf("Family(polygon): %q", got)
	}
	if got := c.Family("ethereum"); got != finality.FamilyBonder {
		t.Fatalf("Family(ethereum): %q", got)
	}
	if got := c.MinBonderFeeWei("polygon", "USDC"); got.Cmp(big.NewInt(250_000)) != 0 {
		t.Fatalf("MinBonderFeeWei: %s", got)
	}
	if got := c.MinBonderFeeWei("ethereum", "USDC"); got.Sign() != 0 {
		t.Fatalf("MinBonderFeeWei(ethereum): %s", got)
	}
	if got := c.CommitThresholdWei("USDC"); got.Cmp(big.NewInt(10_000_000_000)) != 0 {
		t.Fatalf("CommitThresholdWei: %s", got)
	}
	addr, ok := c.Bridge("polygon", "USDC")
	if !ok || addr != common.HexToAddress("0x25D8039bB044dC227f741a9e381CA4cEAE2E6aE8") {
		t.Fatalf("Bridge: %s %v", addr, ok)
	}
	if slug, ok := c.SlugByID(137); !ok || slug != "polygon" {
		t.Fatalf("SlugByID: %q %v", slug, ok)
	}
	if !c.RouteEnabled("polygon", "ethereum") || c.RouteEnabled("polygon", "polygon") {
		t.Fatalf("RouteEnabled mismatch")
	}
}

func TestParse_Invalid(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name  string
		edit  func(string) string
		field string
	}{
		{"no hub", func(s string) string { return strings.Replace(s, "hub = true", "hub = false", 1) }, "exactly one hub"},
		{"unknown chain", func(s string) string { return strings.ReplaceAll(s, "polygon", "moonbeam") }, "chains.moonbeam"},
		{"bad family", func(s string) string { return strings.Replace(s, `family = "bonder"`, `family = "yolo"`, 1) }, "bonder.family"},
		{"bad bridge", func(s string) string {
			return strings.Replace(s, "0x25D8039bB044dC227f741a9e381CA4cEAE2E6aE8", "0x1234", 1)
		}, "chains.polygon.bridges.USDC"},
		{"route to unknown", func(s string) string {
			return strings.Replace(s, `destination = "ethereum"`, `destination = "gnosis"`, 1)
		}, "routes[0].destination"},
		{"unknown key", func(s string) string { return s + "\n[extra]\nfoo = 1\n" }, "unknown keys"},
		{"bad duration", func(s string) string { return strings.Replace(s, `"90s"`, `"soon"`, 1) }, "soon"},
		{"bad key source", func(s string) string { return strings.Replace(s, `key_source = "aws"`, `key_source = "vault"`, 1) }, "bonder.key_source"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tc.edit(sample))
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}
			if !strings.Contains(err.Error(), tc.field) {
				t.Fatalf("error %q does not name %q", err, tc.field)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "bonder.toml")
	if err := os.WriteFile(path, []byte(sample), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(c.ChainSlugs()) != 2 || c.TokenSymbols()[0] != "USDC" {
		t.Fatalf("unexpected config: %v %v", c.ChainSlugs(), c.TokenSymbols())
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error for missing file")
	}
}

func TestToWei(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in       string
		decimals int32
		want     string
	}{
		{"1", 18, "1000000000000000000"},
		{"0.25", 6, "250000"},
		{"1.0000001", 6, "1000000"},
		{"0", 6, "0"},
	}
	for _, tc := range cases {
		got := ToWei(decimal.RequireFromString(tc.in), tc.decimals)
		if got.String() != tc.want {
			t.Fatalf("ToWei(%s, %d): got %s want %s", tc.in, tc.decimals, got, tc.want)
		}
	}
	if got := GweiToWei(1.5); got.Cmp(big.NewInt(1_500_000_000)) != 0 {
		t.Fatalf("GweiToWei: %s", got)
	}
}
