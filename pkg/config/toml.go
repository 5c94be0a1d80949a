package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the structure of the bot config file
type TOMLConfig struct {
	Bot      BotSection                `toml:"bot"`
	Networks map[string]NetworkSection `toml:"networks"`
	Clones   map[string]CloneSection   `toml:"clones"`
	Vars     map[string]string         `toml:"vars"`
}

type BotSection struct {
	Modules             []string `toml:"modules"`
	StatusChannel       string   `toml:"status_channel"`
	Workers             int      `toml:"workers"`
	CloneStaggerSeconds int      `toml:"clone_stagger_seconds"`
	StateDB             string   `toml:"state_db"`
	Ident               string   `toml:"ident"`
	Realname            string   `toml:"realname"`
}

type NetworkSection struct {
	Servers     []string                     `toml:"servers"`
	Vars        map[string]string            `toml:"vars"`
	ChannelVars map[string]map[string]string `toml:"channel_vars"`
}

type CloneSection struct {
	Network   string   `toml:"network"`
	Nicknames []string `toml:"nicknames"`
	Channels  []string `toml:"channels"` // "#chan" or "#chan key"
	Bind      string   `toml:"bind"`
	Ident     string   `toml:"ident"`
	Realname  string   `toml:"realname"`
}

// ConfigError represents a structured configuration error
type ConfigError struct {
	Path       string
	Message    string
	LineNumber int // 0 if not a parse error
}

func (e *ConfigError) Error() string {
	if e.LineNumber > 0 {
		return fmt.Sprintf("%s: %s (line %d)", e.Path, e.Message, e.LineNumber)
	}
	return fmt.Sprintf("%s: %s", e.Path, e.Message)
}

// DefaultTOMLConfig returns the default TOML configuration
func DefaultTOMLConfig() TOMLConfig {
	return TOMLConfig{
		Bot: BotSection{
			Modules:             []string{"keepalive", "channels", "admin"},
			StatusChannel:       DefaultStatusChannel,
			Workers:             DefaultWorkers,
			CloneStaggerSeconds: int(DefaultCloneStagger.Seconds()),
			StateDB:             "~/.superbot/state.db",
			Ident:               DefaultIdent,
			Realname:            DefaultRealname,
		},
		Networks: map[string]NetworkSection{
			"quakenet": {
				Servers: []string{"irc.quakenet.org:6667"},
			},
		},
		Clones: map[string]CloneSection{
			"bot1": {
				Network:   "quakenet",
				Nicknames: []string{DefaultNickname},
				Channels:  []string{"#superbot"},
			},
		},
		Vars: map[string]string{
			"admins": "",
		},
	}
}

// ExpandPath expands a leading ~/ to the user's home directory
func ExpandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}
	return path, nil
}

// LoadFile loads configuration from a TOML file, creates default if not found
func LoadFile(path string) (TOMLConfig, error) {
	path, err := ExpandPath(path)
	if err != nil {
		return TOMLConfig{}, err
	}

	// Check if file exists
	if _, err := os.Stat(path); os.IsNotExist(err) {
		config := DefaultTOMLConfig()
		if err := writeDefaultConfig(path, config); err != nil {
			// If we can't write, just return defaults without error
			return config, nil
		}
		return config, nil
	}

	var config TOMLConfig
	if _, err := toml.DecodeFile(path, &config); err != nil {
		return TOMLConfig{}, &ConfigError{
			Path:       path,
			Message:    cleanErrorMessage(err.Error()),
			LineNumber: extractLineNumber(err.Error()),
		}
	}

	if err := validateConfig(&config); err != nil {
		return TOMLConfig{}, &ConfigError{
			Path:    path,
			Message: err.Error(),
		}
	}

	return config, nil
}

// extractLineNumber tries to extract a line number from a TOML parse error
func extractLineNumber(errMsg string) int {
	re := regexp.MustCompile(`line (\d+)`)
	matches := re.FindStringSubmatch(errMsg)
	if len(matches) > 1 {
		if num, err := strconv.Atoi(matches[1]); err == nil {
			return num
		}
	}
	return 0
}

func cleanErrorMessage(errMsg string) string {
	return strings.TrimPrefix(errMsg, "toml: ")
}

// validateConfig validates configuration values
func validateConfig(config *TOMLConfig) error {
	var problems []string

	if config.Bot.Workers < 0 {
		problems = append(problems, fmt.Sprintf("Invalid worker count: %d", config.Bot.Workers))
	}
	if config.Bot.CloneStaggerSeconds < 0 {
		problems = append(problems, "Clone stagger cannot be negative")
	}

	networks := make(map[string]bool, len(config.Networks))
	for name := range config.Networks {
		networks[strings.ToLower(name)] = true
	}

	names := make([]string, 0, len(config.Clones))
	for name := range config.Clones {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		clone := config.Clones[name]
		if strings.ContainsAny(name, ", ") {
			problems = append(problems, fmt.Sprintf("Clone name %q cannot contain commas or spaces", name))
		}
		if clone.Network == "" {
			problems = append(problems, fmt.Sprintf("Clone %q has no network", name))
			continue
		}
		if !networks[strings.ToLower(clone.Network)] {
			problems = append(problems, fmt.Sprintf("Clone %q uses undefined network %q", name, clone.Network))
		}
	}

	if len(problems) > 0 {
		return fmt.Errorf("Configuration validation failed:\n  • %s", strings.Join(problems, "\n  • "))
	}
	return nil
}

// writeDefaultConfig writes the default config to a file
func writeDefaultConfig(path string, config TOMLConfig) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create config file: %w", err)
	}
	defer f.Close()

	header := `# Superbot Configuration
# This file was auto-generated with default values
# Changes are picked up while the bot is running

`
	if _, err := f.WriteString(header); err != nil {
		return err
	}

	encoder := toml.NewEncoder(f)
	if err := encoder.Encode(config); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// Flatten converts the file structure into comma-separated keys
func (c *TOMLConfig) Flatten() map[string]string {
	flat := make(map[string]string)
	put := func(key, value string) {
		if value != "" {
			flat[key] = value
		}
	}

	put(KeyModules, strings.Join(c.Bot.Modules, ","))
	put(KeyStatusChannel, c.Bot.StatusChannel)
	if c.Bot.Workers > 0 {
		put(KeyWorkers, strconv.Itoa(c.Bot.Workers))
	}
	if c.Bot.CloneStaggerSeconds > 0 {
		put(KeyCloneStagger, strconv.Itoa(c.Bot.CloneStaggerSeconds))
	}
	put(KeyStateDB, c.Bot.StateDB)
	put("ident", c.Bot.Ident)
	put("whois", c.Bot.Realname)

	for network, section := range c.Networks {
		network = strings.ToLower(network)
		put("servers,"+network, strings.Join(section.Servers, ","))
		for name, value := range section.Vars {
			put(varKey(name, network, ""), value)
		}
		for channel, vars := range section.ChannelVars {
			for name, value := range vars {
				put(varKey(name, network, strings.ToLower(channel)), value)
			}
		}
	}

	for name, clone := range c.Clones {
		put(name+",network", strings.ToLower(clone.Network))
		put(name+",nickname", strings.Join(clone.Nicknames, ","))
		put(name+",channels", strings.Join(clone.Channels, ","))
		put(name+",bindto", clone.Bind)
		put(name+",ident", clone.Ident)
		put(name+",whois", clone.Realname)
	}

	for name, value := range c.Vars {
		put(varKey(name, "", ""), value)
	}

	return flat
}
