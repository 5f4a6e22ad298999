package config

import (
	"testing"
	"time"
)

func TestParseAppliesDefaultsAndRequiredFlags(t *testing.T) {
	cfg, err := Parse([]string{
		"--replica=10.0.0.1:4401;10.0.0.2:4401;10.0.0.3:4401",
		"--local=10.0.0.2:4401",
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.OperationTimeout != 5 {
		t.Fatalf("expected default operation_timeout of 5s, got %v", cfg.OperationTimeout)
	}
	if cfg.Enable {
		t.Fatal("expected enable to default false")
	}

	clusterCfg, err := cfg.ClusterConfig()
	if err != nil {
		t.Fatal(err)
	}
	if clusterCfg.LocalID != 1 {
		t.Fatalf("expected local id 1 (second entry), got %d", clusterCfg.LocalID)
	}
}

func TestParseRejectsMissingRequiredFlags(t *testing.T) {
	if _, err := Parse([]string{"--local=x"}); err == nil {
		t.Fatal("expected an error when --replica is omitted")
	}
}

func TestTimeoutsConvertSecondsToDurations(t *testing.T) {
	cfg, err := Parse([]string{
		"--replica=a;b",
		"--local=a",
		"--read-timeout=1.5",
	})
	if err != nil {
		t.Fatal(err)
	}
	to := cfg.Timeouts()
	if to.Read != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s read timeout, got %v", to.Read)
	}
}
