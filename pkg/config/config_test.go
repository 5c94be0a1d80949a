package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
[bot]
modules = ["keepalive", "channels"]
status_channel = "#ops"
workers = 2
clone_stagger_seconds = 3
ident = "bot"

[networks.QuakeNet]
servers = ["irc.one.example:6667", "irc.two.example"]

[networks.QuakeNet.vars]
admins = "net-admin"

[networks.QuakeNet.channel_vars."#Pickup"]
admins = "chan-admin"

[clones.bot1]
network = "quakenet"
nicknames = ["alpha", "beta"]
channels = ["#pickup", "#secret key"]
bind = "10.0.0.1"

[vars]
admins = "global-admin"
greeting = "hello"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadAndFlatten(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, []string{"keepalive", "channels"}, cfg.Modules())
	assert.Equal(t, "#ops", cfg.StatusChannel())
	assert.Equal(t, 2, cfg.Workers())
	assert.Equal(t, 3*time.Second, cfg.CloneStagger())
	assert.Equal(t, []string{"bot1"}, cfg.Clones())

	clone, err := cfg.Clone("bot1")
	require.NoError(t, err)
	assert.Equal(t, CloneSettings{
		Name:      "bot1",
		Network:   "quakenet",
		Nicknames: []string{"alpha", "beta"},
		Channels:  []string{"#pickup", "#secret key"},
		Bind:      "10.0.0.1",
		Ident:     "bot",
		Realname:  DefaultRealname,
	}, clone)

	servers, err := cfg.Servers("quakenet")
	require.NoError(t, err)
	assert.Equal(t, []string{"irc.one.example:6667", "irc.two.example"}, servers)
}

func TestLoadWritesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.FileExists(t, path)
	assert.Equal(t, []string{"bot1"}, cfg.Clones())
	assert.Equal(t, DefaultStatusChannel, cfg.StatusChannel())

	again, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, cfg.Keys(), again.Keys())
}

func TestLoadParseError(t *testing.T) {
	_, err := Load(writeConfig(t, "[bot\nmodules = 1\n"))
	require.Error(t, err)

	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Greater(t, cfgErr.LineNumber, 0)
}

func TestLoadValidation(t *testing.T) {
	_, err := Load(writeConfig(t, `
[clones.bot1]
network = "nowhere"
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "undefined network")
}

func TestVarFallback(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	tests := []struct {
		name, network, channel string
		want                   string
		ok                     bool
	}{
		{"admins", "quakenet", "#pickup", "chan-admin", true},
		{"admins", "quakenet", "#other", "net-admin", true},
		{"admins", "othernet", "#pickup", "global-admin", true},
		{"admins", "", "", "global-admin", true},
		{"greeting", "quakenet", "#pickup", "hello", true},
		{"missing", "quakenet", "#pickup", "", false},
	}
	for _, tt := range tests {
		got, ok := cfg.Var(tt.name, tt.network, tt.channel)
		assert.Equal(t, tt.ok, ok, "%s/%s/%s", tt.name, tt.network, tt.channel)
		assert.Equal(t, tt.want, got, "%s/%s/%s", tt.name, tt.network, tt.channel)
	}

	assert.Equal(t, []string{"global-admin", "net-admin", "chan-admin"}, cfg.Vars("admins", "quakenet", "#pickup"))
}

func TestChannelVar(t *testing.T) {
	cfg := New(nil)
	assert.Equal(t, "def", cfg.ChannelVar("limit", "net", "#c", "def"))

	cfg.SetChannelVar("limit", "5", "net", "#c")
	assert.Equal(t, "5", cfg.ChannelVar("limit", "net", "#c", "def"))

	got, ok := cfg.Var("limit", "net", "#c")
	assert.True(t, ok)
	assert.Equal(t, "5", got)

	cfg.RemoveChannelVar("limit", "net", "#c")
	assert.Equal(t, "def", cfg.ChannelVar("limit", "net", "#c", "def"))

	cfg.SetChannelVar("limit", "9", "", "#c")
	_, ok = cfg.Get("vars,,#c,limit")
	assert.False(t, ok)
}

func TestOverridesAndDefaults(t *testing.T) {
	cfg := New(map[string]string{"modules": "a,b", "x": "file"})

	cfg.SetDefault("y", "default")
	v, ok := cfg.Get("y")
	assert.True(t, ok)
	assert.Equal(t, "default", v)

	cfg.Put("y", "override")
	assert.Equal(t, "override", cfg.GetString("y", ""))

	cfg.Remove("x")
	_, ok = cfg.Get("x")
	assert.False(t, ok)
	assert.NotContains(t, cfg.Keys(), "x")

	cfg.SetModules([]string{"a", "b", "c"})
	assert.Equal(t, []string{"a", "b", "c"}, cfg.Modules())
}

type memPersister struct {
	saved []Override
}

func (m *memPersister) LoadOverrides() ([]Override, error) { return m.saved, nil }
func (m *memPersister) SaveOverride(o Override)            { m.saved = append(m.saved, o) }

func TestPersisterRestoresOverrides(t *testing.T) {
	p := &memPersister{}

	first := New(map[string]string{"a": "file"})
	require.NoError(t, first.SetPersister(p))
	first.Put("a", "runtime")
	first.Remove("b")
	require.Len(t, p.saved, 2)

	second := New(map[string]string{"a": "file", "b": "file"})
	require.NoError(t, second.SetPersister(p))
	assert.Equal(t, "runtime", second.GetString("a", ""))
	_, ok := second.Get("b")
	assert.False(t, ok)
}

func TestReloadKeepsOverrides(t *testing.T) {
	path := writeConfig(t, sampleConfig)
	cfg, err := Load(path)
	require.NoError(t, err)

	cfg.Put("vars,greeting", "runtime")
	require.NoError(t, os.WriteFile(path, []byte(`
[bot]
status_channel = "#elsewhere"

[vars]
greeting = "changed"
`), 0644))
	require.NoError(t, cfg.Reload())

	assert.Equal(t, "#elsewhere", cfg.StatusChannel())
	assert.Equal(t, "runtime", cfg.GetString("vars,greeting", ""))
	assert.Empty(t, cfg.Clones())
}

func TestServerErrors(t *testing.T) {
	cfg := New(map[string]string{"servers,empty": " , "})

	_, err := cfg.RandomServer("missing")
	assert.ErrorIs(t, err, ErrNoSuchNetwork)

	_, err = cfg.RandomServer("empty")
	assert.ErrorIs(t, err, ErrNoServers)

	_, err = cfg.Clone("nobody")
	assert.ErrorIs(t, err, ErrNoSuchClone)
}

func TestRandomServerPicksConfigured(t *testing.T) {
	cfg := New(map[string]string{"servers,net": "a.example, b.example"})
	for i := 0; i < 20; i++ {
		s, err := cfg.RandomServer("net")
		require.NoError(t, err)
		assert.Contains(t, []string{"a.example", "b.example"}, s)
	}
}

func TestRemoveClone(t *testing.T) {
	cfg := New(map[string]string{"bot2,network": "net", "bot2,nickname": "x", "bot2,channels": "#c"})
	assert.Equal(t, []string{"bot2"}, cfg.Clones())

	cfg.RemoveClone("bot2")
	assert.Empty(t, cfg.Clones())
}
