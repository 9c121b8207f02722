package asset

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
)

func TestBaseUnitConversion(t *testing.T) {
	usdc := Asset{Symbol: "USDC", Decimals: 6, Contract: "0x1c7d4b196cb0c7b01d743fbc6116a902379c7238"}

	amount := decimal.RequireFromString("1.5")
	units := usdc.ToBaseUnits(amount)
	if units.Cmp(big.NewInt(1_500_000)) != 0 {
		t.Fatalf("unexpected base units: %s", units)
	}
	if !usdc.FromBaseUnits(units).Equal(amount) {
		t.Fatalf("round trip mismatch: %s", usdc.FromBaseUnits(units))
	}
	if usdc.Representable(decimal.RequireFromString("0.0000001")) {
		t.Fatalf("7 decimal places must not be representable for USDC")
	}
	if !usdc.Representable(decimal.RequireFromString("0.000001")) {
		t.Fatalf("6 decimal places must be representable for USDC")
	}
	if usdc.Native() {
		t.Fatalf("token asset reported as native")
	}
}

func TestRegistryLoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "assets.yaml")
	content := `assets:
  - symbol: avax
    chain: fuji
    decimals: 18
  - symbol: USDC
    chain: fuji
    contract: "0x5425890298aed601595a70AB815c96711a31Bc65"
    decimals: 6
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write assets file: %v", err)
	}
	reg, err := Load(path)
	if err != nil {
		t.Fatalf("load registry: %v", err)
	}
	avax, ok := reg.Lookup("Avax")
	if !ok || !avax.Native() || avax.Chain != "fuji" {
		t.Fatalf("unexpected AVAX entry: %+v ok=%v", avax, ok)
	}
	if got := reg.Symbols(); len(got) != 2 || got[0] != "AVAX" || got[1] != "USDC" {
		t.Fatalf("unexpected symbols: %v", got)
	}
}

func TestRegistryRejectsBadContract(t *testing.T) {
	if _, err := NewRegistry(Asset{Symbol: "BAD", Contract: "not-an-address", Decimals: 6}); err == nil {
		t.Fatalf("expected invalid contract to be rejected")
	}
	if _, err := NewRegistry(Asset{Symbol: "X", Decimals: 2}, Asset{Symbol: "x", Decimals: 2}); err == nil {
		t.Fatalf("expected duplicate symbol to be rejected")
	}
}
