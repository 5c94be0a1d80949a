package config

import (
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Well-known keys
const (
	KeyModules       = "modules"
	KeyStatusChannel = "status_channel"
	KeyWorkers       = "workers"
	KeyCloneStagger  = "clone_stagger"
	KeyStateDB       = "state_db"
)

// Defaults used when the configuration leaves a value out
const (
	DefaultStatusChannel = "#superbot.control"
	DefaultWorkers       = 4
	DefaultCloneStagger  = 20 * time.Second
	DefaultNickname      = "superbot"
	DefaultIdent         = "b0t"
	DefaultRealname      = "Superboten"
)

var (
	ErrNoSuchNetwork = errors.New("no such network")
	ErrNoServers     = errors.New("network has no servers")
	ErrNoSuchClone   = errors.New("no such clone")
)

// Override is a runtime change layered over the file configuration
type Override struct {
	Key     string
	Value   string
	Removed bool
}

// Persister stores runtime overrides so they survive restarts
type Persister interface {
	LoadOverrides() ([]Override, error)
	SaveOverride(o Override)
}

// Config is a flat key/value view of the bot configuration. Lookups check
// runtime overrides, then the file, then registered defaults.
type Config struct {
	mu        sync.RWMutex
	path      string
	file      map[string]string
	overrides map[string]Override
	defaults  map[string]string
	persister Persister
}

// New creates a Config over an already flattened file layer
func New(file map[string]string) *Config {
	if file == nil {
		file = make(map[string]string)
	}
	return &Config{
		file:      file,
		overrides: make(map[string]Override),
		defaults:  make(map[string]string),
	}
}

// Load reads the TOML file at path (writing a default one if missing)
func Load(path string) (*Config, error) {
	expanded, err := ExpandPath(path)
	if err != nil {
		return nil, err
	}
	tc, err := LoadFile(expanded)
	if err != nil {
		return nil, err
	}
	c := New(tc.Flatten())
	c.path = expanded
	return c, nil
}

// Path returns the file the configuration was loaded from
func (c *Config) Path() string {
	return c.path
}

// Reload re-reads the file layer. Runtime overrides are kept.
func (c *Config) Reload() error {
	if c.path == "" {
		return fmt.Errorf("config was not loaded from a file")
	}
	tc, err := LoadFile(c.path)
	if err != nil {
		return err
	}
	flat := tc.Flatten()

	c.mu.Lock()
	c.file = flat
	c.mu.Unlock()
	return nil
}

// SetPersister loads saved overrides from p and routes future changes to it
func (c *Config) SetPersister(p Persister) error {
	saved, err := p.LoadOverrides()
	if err != nil {
		return fmt.Errorf("failed to load config overrides: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, o := range saved {
		c.overrides[o.Key] = o
	}
	c.persister = p
	if len(saved) > 0 {
		log.Printf("Restored %d config overrides", len(saved))
	}
	return nil
}

// Get returns the value for key
func (c *Config) Get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.getLocked(key)
}

func (c *Config) getLocked(key string) (string, bool) {
	if o, ok := c.overrides[key]; ok {
		if o.Removed {
			return "", false
		}
		return o.Value, true
	}
	if v, ok := c.file[key]; ok {
		return v, true
	}
	v, ok := c.defaults[key]
	return v, ok
}

// GetString returns the value for key, or def when absent
func (c *Config) GetString(key, def string) string {
	if v, ok := c.Get(key); ok {
		return v
	}
	return def
}

// Put sets key at runtime
func (c *Config) Put(key, value string) {
	c.setOverride(Override{Key: key, Value: value})
}

// Remove deletes key at runtime, hiding any file value
func (c *Config) Remove(key string) {
	c.setOverride(Override{Key: key, Removed: true})
}

func (c *Config) setOverride(o Override) {
	c.mu.Lock()
	c.overrides[o.Key] = o
	p := c.persister
	c.mu.Unlock()

	if p != nil {
		p.SaveOverride(o)
	}
}

// SetDefault registers a fallback used when key is set nowhere else
func (c *Config) SetDefault(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.defaults[key] = value
}

// Keys returns every visible key in sorted order
func (c *Config) Keys() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, layer := range []map[string]string{c.defaults, c.file} {
		for k := range layer {
			seen[k] = struct{}{}
		}
	}
	for k, o := range c.overrides {
		if o.Removed {
			delete(seen, k)
		} else {
			seen[k] = struct{}{}
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// SplitList splits a comma or space separated value
func SplitList(value string) []string {
	return strings.FieldsFunc(value, func(r rune) bool {
		return r == ',' || r == ' '
	})
}

// Modules returns the configured handler names
func (c *Config) Modules() []string {
	return SplitList(c.GetString(KeyModules, ""))
}

// SetModules replaces the configured handler names
func (c *Config) SetModules(names []string) {
	c.Put(KeyModules, strings.Join(names, ","))
}

// StatusChannel returns the channel that receives status reports
func (c *Config) StatusChannel() string {
	return c.GetString(KeyStatusChannel, DefaultStatusChannel)
}

// Workers returns the inbound worker pool size
func (c *Config) Workers() int {
	n, err := strconv.Atoi(c.GetString(KeyWorkers, ""))
	if err != nil || n <= 0 {
		return DefaultWorkers
	}
	return n
}

// CloneStagger returns the delay between starting configured clones
func (c *Config) CloneStagger() time.Duration {
	n, err := strconv.Atoi(c.GetString(KeyCloneStagger, ""))
	if err != nil || n < 0 {
		return DefaultCloneStagger
	}
	return time.Duration(n) * time.Second
}

// StateDB returns the override database path, or "" if persistence is off
func (c *Config) StateDB() string {
	return c.GetString(KeyStateDB, "")
}

// Clones returns the names of every configured clone
func (c *Config) Clones() []string {
	var names []string
	for _, key := range c.Keys() {
		name, ok := strings.CutSuffix(key, ",network")
		if !ok || name == "" || strings.Contains(name, ",") || name == "vars" || name == "servers" {
			continue
		}
		names = append(names, name)
	}
	return names
}

// CloneSettings is the connection identity of one clone
type CloneSettings struct {
	Name      string
	Network   string
	Nicknames []string
	Channels  []string
	Bind      string
	Ident     string
	Realname  string
}

// Clone returns the settings for the named clone
func (c *Config) Clone(name string) (CloneSettings, error) {
	network, ok := c.Get(name + ",network")
	if !ok || network == "" {
		return CloneSettings{}, fmt.Errorf("%w: %s", ErrNoSuchClone, name)
	}
	return CloneSettings{
		Name:      name,
		Network:   network,
		Nicknames: SplitList(c.CloneVar(name, "nickname", DefaultNickname)),
		Channels:  c.CloneChannels(name),
		Bind:      c.GetString(name+",bindto", ""),
		Ident:     c.CloneVar(name, "ident", DefaultIdent),
		Realname:  c.CloneVar(name, "whois", DefaultRealname),
	}, nil
}

// CloneVar looks up "<clone>,<name>", then "<name>", then falls back to def
func (c *Config) CloneVar(clone, name, def string) string {
	if v, ok := c.Get(clone + "," + name); ok {
		return v
	}
	return c.GetString(name, def)
}

// CloneChannels returns the clone's channel entries ("#chan" or "#chan key")
func (c *Config) CloneChannels(clone string) []string {
	var channels []string
	for _, entry := range strings.Split(c.GetString(clone+",channels", ""), ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			channels = append(channels, entry)
		}
	}
	return channels
}

// SetCloneChannels replaces the clone's channel entries
func (c *Config) SetCloneChannels(clone string, channels []string) {
	c.Put(clone+",channels", strings.Join(channels, ","))
}

// RemoveClone forgets a clone's identity
func (c *Config) RemoveClone(clone string) {
	for _, suffix := range []string{",network", ",channels", ",nickname"} {
		c.Remove(clone + suffix)
	}
}

// Servers returns every server configured for network
func (c *Config) Servers(network string) ([]string, error) {
	value, ok := c.Get("servers," + network)
	if !ok {
		return nil, fmt.Errorf("%w: servers,%s needs to be defined", ErrNoSuchNetwork, network)
	}
	servers := SplitList(value)
	if len(servers) == 0 {
		return nil, fmt.Errorf("%w: servers,%s is empty", ErrNoServers, network)
	}
	return servers, nil
}

// RandomServer picks one of the network's servers at random
func (c *Config) RandomServer(network string) (string, error) {
	servers, err := c.Servers(network)
	if err != nil {
		return "", err
	}
	return servers[rand.IntN(len(servers))], nil
}

func varKey(name, network, channel string) string {
	switch {
	case network == "":
		return "vars," + name
	case channel == "":
		return "vars," + network + "," + name
	default:
		return "vars," + network + "," + channel + "," + name
	}
}

// Var resolves a scoped variable: channel first, then network, then global.
// Empty network or channel skips that scope.
func (c *Config) Var(name, network, channel string) (string, bool) {
	if network != "" && channel != "" {
		if v, ok := c.Get(varKey(name, network, channel)); ok {
			return v, true
		}
	}
	if network != "" {
		if v, ok := c.Get(varKey(name, network, "")); ok {
			return v, true
		}
	}
	return c.Get(varKey(name, "", ""))
}

// Vars collects a variable from every scope that defines it, global first
func (c *Config) Vars(name, network, channel string) []string {
	var values []string
	if v, ok := c.Get(varKey(name, "", "")); ok {
		values = append(values, v)
	}
	if network != "" {
		if v, ok := c.Get(varKey(name, network, "")); ok {
			values = append(values, v)
		}
		if channel != "" {
			if v, ok := c.Get(varKey(name, network, channel)); ok {
				values = append(values, v)
			}
		}
	}
	return values
}

// SetVarDefault registers a global default for a variable
func (c *Config) SetVarDefault(name, value string) {
	c.SetDefault(varKey(name, "", ""), value)
}

// ChannelVar returns a channel-scoped variable without falling back
func (c *Config) ChannelVar(name, network, channel, def string) string {
	if network == "" || channel == "" {
		return def
	}
	return c.GetString(varKey(name, network, channel), def)
}

// SetChannelVar sets a channel-scoped variable
func (c *Config) SetChannelVar(name, value, network, channel string) {
	if network == "" || channel == "" {
		log.Printf("SetChannelVar(%s) called with network=%q channel=%q", name, network, channel)
		return
	}
	c.Put(varKey(name, network, channel), value)
}

// RemoveChannelVar removes a channel-scoped variable
func (c *Config) RemoveChannelVar(name, network, channel string) {
	if network == "" || channel == "" {
		return
	}
	c.Remove(varKey(name, network, channel))
}
