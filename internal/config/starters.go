package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// StarterProviders returns the echo providers registered in dev mode when no
// providers are configured, one per default capability.
func StarterProviders() []ProviderConfig {
	return []ProviderConfig{
		{ID: "echo-chat", Kind: ProviderKindEcho, Capabilities: []string{"chat", "analysis"}},
		{ID: "echo-code", Kind: ProviderKindEcho, Capabilities: []string{"code"}},
		{ID: "echo-audio", Kind: ProviderKindEcho, Capabilities: []string{"audio", "stream"}},
	}
}

// starterFile is the subset of Config written by WriteStarter.
type starterFile struct {
	LogLevel   string           `yaml:"log_level"`
	PolicyMode string           `yaml:"policy_mode"`
	AuthMode   string           `yaml:"auth_mode"`
	AuthTokens []string         `yaml:"auth_tokens"`
	Spawner    starterSpawn     `yaml:"spawner"`
	Bind       BindConfig       `yaml:"bind"`
	Providers  []ProviderConfig `yaml:"providers"`
}

type starterSpawn struct {
	Launcher       string `yaml:"launcher"`
	CallbackSecret string `yaml:"callback_secret"`
}

// WriteStarter writes a first-run config.yaml into homeDir with a freshly
// generated auth token and callback secret. It refuses to overwrite an
// existing file and returns the generated token.
func WriteStarter(homeDir string) (string, error) {
	path := ConfigPath(homeDir)
	if _, err := os.Stat(path); err == nil {
		return "", fmt.Errorf("%s already exists", path)
	}
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return "", fmt.Errorf("create vx11 home: %w", err)
	}
	token, err := randomHex(24)
	if err != nil {
		return "", err
	}
	secret, err := randomHex(32)
	if err != nil {
		return "", err
	}
	def := defaultConfig()
	out, err := yaml.Marshal(starterFile{
		LogLevel:   def.LogLevel,
		PolicyMode: def.PolicyMode,
		AuthMode:   def.AuthMode,
		AuthTokens: []string{token},
		Spawner:    starterSpawn{Launcher: LauncherNoop, CallbackSecret: secret},
		Bind:       def.Bind,
		Providers:  StarterProviders(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal config.yaml: %w", err)
	}
	if err := os.WriteFile(path, out, 0o600); err != nil {
		return "", fmt.Errorf("write config.yaml: %w", err)
	}
	return token, nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
