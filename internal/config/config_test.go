package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	var c Config
	c.LoadDefaults()

	assert.Equal(t, "127.0.0.1:50551", c.ControlAddr)
	assert.Equal(t, "info", c.LogLevel)
	assert.True(t, c.Sync.AutoSync)
	assert.Equal(t, 5*time.Minute, c.Sync.Interval.D())
	assert.Equal(t, 2, c.Sync.BackoffAfter)
	assert.Equal(t, 60*time.Second, c.Auth.MinTokenLifetime.D())
	assert.Equal(t, "@every 5m0s", c.Schedule())
}

func TestLoad_FirstRunWritesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.toml")

	cfg, err := Load(Flags{ConfigPath: path, DataDir: dir})
	require.NoError(t, err)
	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, path, cfg.Path())

	fi, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), fi.Mode().Perm())

	again, err := Load(Flags{ConfigPath: path, DataDir: dir})
	require.NoError(t, err)
	assert.Equal(t, cfg, again)
}

const tomlConfig = `
data_dir = "/var/lib/lm"
log_level = "debug"

[sync]
auto_sync = true
interval = 300
backoff_base = "10s"

[[providers]]
name = "work"
kind = "google"
client_id = "cid"
client_secret = "secret"
calendar_ids = ["primary", "team@example.com"]

[[providers]]
kind = "caldav"
url = "https://dav.example.com/cal/"
username = "alice"
password = "pw"
`

func TestLoad_TOML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlConfig), 0o600))

	cfg, err := Load(Flags{ConfigPath: path, LogLevel: "warn"})
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/lm", cfg.DataDir)
	assert.Equal(t, "warn", cfg.LogLevel, "flags win over the file")
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval.D())
	assert.Equal(t, 10*time.Second, cfg.Sync.BackoffBase.D())
	assert.Equal(t, 15*time.Minute, cfg.Sync.BackoffCap.D(), "missing values are normalized")
	assert.Equal(t, filepath.Join("/var/lib/lm", "lifemanager.db"), cfg.DatabasePath())

	require.Len(t, cfg.Providers, 2)
	work, ok := cfg.Provider("work")
	require.True(t, ok)
	assert.True(t, work.UsesOAuth())
	assert.Equal(t, []string{"primary", "team@example.com", DefaultTaskList}, work.Collections())

	dav, ok := cfg.Provider("caldav")
	require.True(t, ok, "name defaults to kind")
	assert.False(t, dav.UsesOAuth())
	assert.Equal(t, []string{"primary", "@default"}, dav.Collections())
}

func TestLoad_PassphraseFromEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(tomlConfig), 0o600))
	t.Setenv(PassphraseEnv, "correct horse")

	cfg, err := Load(Flags{ConfigPath: path})
	require.NoError(t, err)
	assert.Equal(t, "correct horse", cfg.Passphrase)
}

const yamlConfig = `
control_addr: 127.0.0.1:6000
sync:
  auto_sync: false
  call_timeout: 45s
providers:
  - name: archive
    kind: bucket
    bucket: lm
    endpoint: http://127.0.0.1:9000
    path_style: true
`

func TestLoad_YAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yml")
	require.NoError(t, os.WriteFile(path, []byte(yamlConfig), 0o600))

	cfg, err := Load(Flags{ConfigPath: path})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:6000", cfg.ControlAddr)
	assert.Equal(t, 45*time.Second, cfg.Sync.CallTimeout.D())
	assert.Empty(t, cfg.Schedule(), "auto sync off disables the timer")

	p, ok := cfg.Provider("archive")
	require.True(t, ok)
	assert.Equal(t, "us-east-1", p.Region)
	assert.True(t, p.PathStyle)
}

func TestSave_RoundTrip(t *testing.T) {
	for _, name := range []string{"config.toml", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			cfg := Default()
			cfg.DataDir = "/data"
			cfg.Sync.Schedule = "*/10 * * * *"
			cfg.Providers = []Provider{{Name: "g", Kind: KindGoogle, ClientID: "id"}}
			cfg.Normalize()
			require.NoError(t, Save(path, cfg))

			got, err := Load(Flags{ConfigPath: path})
			require.NoError(t, err)
			assert.Equal(t, cfg.Sync, got.Sync)
			assert.Equal(t, cfg.Providers, got.Providers)
			assert.Equal(t, "*/10 * * * *", got.Schedule())
		})
	}
}

func TestLoad_Errors(t *testing.T) {
	dir := t.TempDir()

	_, err := Load(Flags{ConfigPath: filepath.Join(dir, "config.json")})
	require.ErrorIs(t, err, ErrUnsupportedFormat)

	bad := filepath.Join(dir, "bad.toml")
	require.NoError(t, os.WriteFile(bad, []byte("this is = = not toml"), 0o600))
	_, err = Load(Flags{ConfigPath: bad})
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		providers []Provider
		want      error
	}{
		{"empty", nil, nil},
		{"duplicate", []Provider{{Name: "a", Kind: KindBucket, Bucket: "b"}, {Name: "a", Kind: KindBucket, Bucket: "b"}}, ErrDuplicateProvider},
		{"unknown kind", []Provider{{Name: "x", Kind: "exchange"}}, ErrUnknownKind},
		{"google without client", []Provider{{Name: "g", Kind: KindGoogle}}, ErrMissingField},
		{"caldav without user", []Provider{{Name: "d", Kind: KindCalDAV, URL: "https://x"}}, ErrMissingField},
		{"caldav oauth", []Provider{{Name: "d", Kind: KindCalDAV, URL: "https://x", AuthURL: "https://a", TokenURL: "https://t", ClientID: "c"}}, nil},
		{"bucket without name", []Provider{{Name: "b", Kind: KindBucket}}, ErrMissingField},
		{"calendar reused as task list", []Provider{{Name: "g", Kind: KindGoogle, ClientID: "c",
			CalendarIDs: []string{"primary", "x"}, TaskListIDs: []string{"x"}}}, ErrSharedCollection},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Providers: tt.providers}
			err := cfg.Validate()
			if tt.want == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFlags_Register(t *testing.T) {
	var f Flags
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	f.RegisterFlags(fs)

	require.NoError(t, fs.Parse([]string{"-c", "/etc/lm.toml", "--data-dir", "/d", "--control-addr", "127.0.0.1:1"}))
	assert.Equal(t, Flags{ConfigPath: "/etc/lm.toml", DataDir: "/d", ControlAddr: "127.0.0.1:1"}, f)

	cfg := Default()
	f.apply(cfg)
	assert.Equal(t, "/d", cfg.DataDir)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestDuration_Text(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("1m30s")))
	assert.Equal(t, 90*time.Second, d.D())
	require.Error(t, d.UnmarshalText([]byte("soon")))

	b, err := Duration(2 * time.Second).MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "2s", string(b))
}
