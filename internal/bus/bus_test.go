package bus

import (
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func newTestBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = initial
	b.MaxInterval = max
	b.Multiplier = 2.0
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func TestNextReconnectWait_DoublesFromInitialToMax(t *testing.T) {
	b := newTestBackoff(defaultInitialBackoff, defaultMaxBackoff)

	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second, 60 * time.Second}
	for i, w := range want {
		got := nextReconnectWait(b, i+1, defaultMaxBackoff)
		if got != w {
			t.Errorf("attempt %d: want %s, got %s", i+1, w, got)
		}
	}
}

func TestNextReconnectWait_ClampsAtMaxAttemptsPerOutage(t *testing.T) {
	b := newTestBackoff(defaultInitialBackoff, defaultMaxBackoff)

	// Drive the schedule well past the cap; once attempts exceeds
	// MaxAttemptsPerOutage, every subsequent wait must clamp to maxBackoff
	// rather than whatever the underlying exponential schedule would return.
	var got time.Duration
	for attempt := 1; attempt <= MaxAttemptsPerOutage+5; attempt++ {
		got = nextReconnectWait(b, attempt, defaultMaxBackoff)
		if attempt > MaxAttemptsPerOutage && got != defaultMaxBackoff {
			t.Errorf("attempt %d (past cap of %d): want capped wait %s, got %s", attempt, MaxAttemptsPerOutage, defaultMaxBackoff, got)
		}
	}
}

func TestNextReconnectWait_HonorsCustomMaxBackoff(t *testing.T) {
	b := newTestBackoff(1*time.Second, 8*time.Second)

	got := nextReconnectWait(b, MaxAttemptsPerOutage+1, 8*time.Second)
	if got != 8*time.Second {
		t.Errorf("want clamp to custom maxBackoff=8s, got %s", got)
	}
}

func TestConfig_ApplyDefaults(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()

	if cfg.InitialBackoff != 5*time.Second {
		t.Errorf("want default InitialBackoff=5s per §4.C, got %s", cfg.InitialBackoff)
	}
	if cfg.MaxBackoff != 60*time.Second {
		t.Errorf("want default MaxBackoff=60s per §4.C, got %s", cfg.MaxBackoff)
	}
	if cfg.ConnectTimeout != 30*time.Second {
		t.Errorf("want default ConnectTimeout=30s, got %s", cfg.ConnectTimeout)
	}
}

func TestConfig_ApplyDefaults_PreservesExplicitValues(t *testing.T) {
	cfg := Config{InitialBackoff: 2 * time.Second, MaxBackoff: 30 * time.Second, ConnectTimeout: 5 * time.Second}
	cfg.applyDefaults()

	if cfg.InitialBackoff != 2*time.Second || cfg.MaxBackoff != 30*time.Second || cfg.ConnectTimeout != 5*time.Second {
		t.Errorf("applyDefaults overwrote explicit config: %+v", cfg)
	}
}
