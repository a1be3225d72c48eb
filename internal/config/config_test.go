package config

import (
	"LinkGuard/internal/model"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimal = `
detector:
  initial_mode: screener
screener:
  path: models/screener.json
source:
  type: replay
  pcap_file: capture.pcap
`

func TestParseFillsDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimal))
	require.NoError(t, err)

	assert.Equal(t, 600*time.Millisecond, cfg.Detector.Window())
	assert.Equal(t, 900, cfg.Detector.BufferCapacity)
	assert.Equal(t, 5*time.Second, cfg.Detector.Shutdown())
	assert.Equal(t, model.ModeScreenerOnly, cfg.Detector.Mode())
	assert.Equal(t, 10, cfg.Confirmer.Every)
	assert.Equal(t, 2*time.Second, cfg.Confirmer.JobTimeout())
	assert.Equal(t, 200*time.Millisecond, cfg.Alerter.Backoff())
	require.Len(t, cfg.Alerter.Sinks, 1)
	assert.Equal(t, "log", cfg.Alerter.Sinks[0].Type)
	assert.Equal(t, "console", cfg.Logging.Format)
}

func TestLoadConfigFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimal), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "replay", cfg.Source.Type)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateRejectsInvalidSettings(t *testing.T) {
	cases := map[string]string{
		"negative window": `
detector: {window_size: "-1s", initial_mode: screener}
screener: {path: s.json}
source: {type: replay, pcap_file: x.pcap}`,
		"unknown mode": `
detector: {initial_mode: turbo}
source: {type: replay, pcap_file: x.pcap}`,
		"missing confirmer artifact": `
detector: {initial_mode: hybrid}
screener: {path: s.json}
source: {type: replay, pcap_file: x.pcap}`,
		"unknown source": `
detector: {initial_mode: screener}
screener: {path: s.json}
source: {type: carrier-pigeon}`,
		"live without interface": `
detector: {initial_mode: screener}
screener: {path: s.json}
source: {type: live}`,
		"bad retry backoff": `
detector: {initial_mode: screener}
screener: {path: s.json}
source: {type: replay, pcap_file: x.pcap}
alerter: {retry_backoff: soon}`,
		"sink without type": `
detector: {initial_mode: screener}
screener: {path: s.json}
source: {type: replay, pcap_file: x.pcap}
alerter: {sinks: [{size: 3}]}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestControlDefaultsOnlyWhenEnabled(t *testing.T) {
	cfg, err := Parse([]byte(minimal + `
command:
  nats: {enabled: true}
  grpc: {enabled: true}
api:
  enabled: true
`))
	require.NoError(t, err)
	assert.Equal(t, "linkguard.control", cfg.Command.NATS.Subject)
	assert.Equal(t, ":50061", cfg.Command.GRPC.ListenAddr)
	assert.Equal(t, ":8080", cfg.API.ListenAddr)
	assert.Equal(t, 2.0, cfg.Command.RateLimit)
}

func TestShippedConfig(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join("..", "..", "configs", "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, model.ModeCascadingHybrid, cfg.Detector.Mode())
	assert.Equal(t, 600*time.Millisecond, cfg.Detector.Window())
	assert.Equal(t, uint16(14550), cfg.Source.Port)
	assert.Len(t, cfg.Alerter.Sinks, 2)
	assert.Equal(t, []string{"127.0.0.1", "::1"}, cfg.Command.AllowedPeers)
}
