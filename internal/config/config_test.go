package config

import (
	"strings"
	"testing"
	"time"
)

func lookupFromMap(env map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(lookupFromMap(nil), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != DefaultListenAddr {
		t.Errorf("ListenAddr=%q, want %q", cfg.ListenAddr, DefaultListenAddr)
	}
	if cfg.Mode != ModeDev {
		t.Errorf("Mode=%q, want dev", cfg.Mode)
	}
	if cfg.LogFormat != LogFormatText {
		t.Errorf("LogFormat=%q, want text (dev default)", cfg.LogFormat)
	}
	if cfg.InferenceWorkers != DefaultInferenceWorkers {
		t.Errorf("InferenceWorkers=%d, want %d", cfg.InferenceWorkers, DefaultInferenceWorkers)
	}
	if cfg.InferenceQueueDepth != DefaultInferenceQueueDepth {
		t.Errorf("InferenceQueueDepth=%d, want %d", cfg.InferenceQueueDepth, DefaultInferenceQueueDepth)
	}
	if cfg.ConfThreshold != DefaultConfThreshold {
		t.Errorf("ConfThreshold=%v, want %v", cfg.ConfThreshold, DefaultConfThreshold)
	}
	if len(cfg.ICEServers) != 1 || len(cfg.ICEServers[0].URLs) != 1 {
		t.Fatalf("expected default STUN server, got %+v", cfg.ICEServers)
	}
}

func TestLoad_ProdModeSwitchesLogDefaults(t *testing.T) {
	cfg, err := load(lookupFromMap(map[string]string{
		envVarMode: "prod",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogFormat != LogFormatJSON {
		t.Errorf("LogFormat=%q, want json (prod default)", cfg.LogFormat)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	cfg, err := load(lookupFromMap(map[string]string{
		envVarListenAddr:          "0.0.0.0:9000",
		envVarInferenceWorkers:    "4",
		envVarInferenceQueueDepth: "16",
		envVarInferenceDeadline:   "3s",
		envVarConfThreshold:       "0.25",
	}), nil)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	if cfg.ListenAddr != "0.0.0.0:9000" {
		t.Errorf("ListenAddr=%q", cfg.ListenAddr)
	}
	if cfg.InferenceWorkers != 4 || cfg.InferenceQueueDepth != 16 {
		t.Errorf("pool config = %d/%d, want 4/16", cfg.InferenceWorkers, cfg.InferenceQueueDepth)
	}
	if cfg.InferenceDeadline != 3*time.Second {
		t.Errorf("InferenceDeadline=%v, want 3s", cfg.InferenceDeadline)
	}
	if cfg.ConfThreshold != 0.25 {
		t.Errorf("ConfThreshold=%v, want 0.25", cfg.ConfThreshold)
	}
}

func TestLoad_FlagsTakePrecedence(t *testing.T) {
	cfg, err := load(lookupFromMap(map[string]string{
		envVarListenAddr: "127.0.0.1:1111",
	}), []string{"-listen", "127.0.0.1:2222", "-model", "custom.onnx"})
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:2222" {
		t.Errorf("ListenAddr=%q, want flag value", cfg.ListenAddr)
	}
	if cfg.ModelPath != "custom.onnx" {
		t.Errorf("ModelPath=%q, want custom.onnx", cfg.ModelPath)
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad mode", map[string]string{envVarMode: "staging"}},
		{"bad workers", map[string]string{envVarInferenceWorkers: "0"}},
		{"bad queue depth", map[string]string{envVarInferenceQueueDepth: "-1"}},
		{"bad threshold", map[string]string{envVarConfThreshold: "1.5"}},
		{"bad duration", map[string]string{envVarInferenceDeadline: "soon"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := load(lookupFromMap(tt.env), nil); err == nil {
				t.Fatalf("expected error for %v", tt.env)
			}
		})
	}
}

func TestParseICEServersJSON(t *testing.T) {
	servers, err := ParseICEServersJSON(`[{"urls":"stun:stun.example.com"},{"urls":["turn:turn.example.com"],"username":"u","credential":"c"}]`)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("got %d servers, want 2", len(servers))
	}
	if servers[0].URLs[0] != "stun:stun.example.com" {
		t.Errorf("urls[0]=%q", servers[0].URLs[0])
	}
	if servers[1].Username != "u" {
		t.Errorf("username=%q", servers[1].Username)
	}
}

func TestParseICEServersJSON_TurnRequiresCredentials(t *testing.T) {
	_, err := ParseICEServersJSON(`[{"urls":"turn:turn.example.com"}]`)
	if err == nil || !strings.Contains(err.Error(), "username") {
		t.Fatalf("expected turn credential error, got %v", err)
	}
}

func TestParseICEServersJSON_RejectsUnknownScheme(t *testing.T) {
	_, err := ParseICEServersJSON(`[{"urls":"http://example.com"}]`)
	if err == nil {
		t.Fatalf("expected scheme error")
	}
}
