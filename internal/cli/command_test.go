package cli

import (
	"bytes"
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func TestCreateRootCommand(t *testing.T) {
	cmd := CreateRootCommand(NewFlags())

	if cmd.Use != "hanzirecall" {
		t.Errorf("Use = %q, want hanzirecall", cmd.Use)
	}
	for _, name := range []string{"config", "log-level", "log-format"} {
		if cmd.PersistentFlags().Lookup(name) == nil {
			t.Errorf("persistent flag %s missing", name)
		}
	}

	subcommands := []struct {
		name  string
		flags []string
	}{
		{"serve", []string{"addr"}},
		{"create", []string{"owner"}},
		{"import", []string{"batch", "wait", "timeout", "requester"}},
		{"enrich", []string{"force", "wait"}},
		{"enrich-card", []string{"collection", "force", "override", "wait"}},
		{"stop", nil},
		{"retry-failed", []string{"wait"}},
		{"status", nil},
		{"check", nil},
		{"choose", []string{"collection", "accept-default"}},
		{"delete-card", nil},
		{"reclaim", []string{"grace"}},
		{"cleanup", nil},
		{"export", []string{"output", "no-archive"}},
		{"models", nil},
	}
	for _, sc := range subcommands {
		t.Run(sc.name, func(t *testing.T) {
			sub, _, err := cmd.Find([]string{sc.name})
			if err != nil || sub.Name() != sc.name {
				t.Fatalf("subcommand %s not found: %v", sc.name, err)
			}
			for _, f := range sc.flags {
				if sub.Flags().Lookup(f) == nil {
					t.Errorf("flag --%s missing", f)
				}
			}
		})
	}
}

func TestInitConfig(t *testing.T) {
	t.Run("explicit file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("server:\n  addr: 0.0.0.0:9999\n"), 0644); err != nil {
			t.Fatal(err)
		}
		v := viper.New()
		if err := InitConfig(v, path); err != nil {
			t.Fatalf("InitConfig: %v", err)
		}
		if got := v.GetString("server.addr"); got != "0.0.0.0:9999" {
			t.Errorf("server.addr = %q", got)
		}
	})

	t.Run("explicit file missing", func(t *testing.T) {
		if err := InitConfig(viper.New(), filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
			t.Error("InitConfig with a missing explicit file succeeded")
		}
	})

	t.Run("no default file", func(t *testing.T) {
		t.Setenv("HOME", t.TempDir())
		t.Chdir(t.TempDir())
		if err := InitConfig(viper.New(), ""); err != nil {
			t.Errorf("InitConfig without a config file: %v", err)
		}
	})

	t.Run("environment", func(t *testing.T) {
		t.Setenv("HANZIRECALL_LOG_LEVEL", "debug")
		path := filepath.Join(t.TempDir(), "config.yaml")
		if err := os.WriteFile(path, []byte("log:\n  format: json\n"), 0644); err != nil {
			t.Fatal(err)
		}
		v := viper.New()
		if err := InitConfig(v, path); err != nil {
			t.Fatalf("InitConfig: %v", err)
		}
		cfg, err := LoadConfig(v, pflag.NewFlagSet("test", pflag.ContinueOnError), NewFlags())
		if err != nil {
			t.Fatalf("LoadConfig: %v", err)
		}
		if cfg.Log.Level != "debug" || cfg.Log.Format != "json" {
			t.Errorf("log = %+v, want debug/json", cfg.Log)
		}
	})
}

func TestLoadConfigFlagsOverride(t *testing.T) {
	flags := NewFlags()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.StringVar(&flags.LogLevel, "log-level", "", "")
	fs.StringVar(&flags.LogFormat, "log-format", "", "")
	fs.StringVar(&flags.Addr, "addr", "", "")
	if err := fs.Parse([]string{"--log-level", "warn", "--addr", ":7070"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(viper.New(), fs, flags)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("log level = %q, want warn", cfg.Log.Level)
	}
	if cfg.Log.Format != "text" {
		t.Errorf("log format = %q, want the default text", cfg.Log.Format)
	}
	if cfg.Server.Addr != ":7070" {
		t.Errorf("addr = %q, want :7070", cfg.Server.Addr)
	}
}

// writeConfig creates a config for a pipeline without remote providers.
func writeConfig(t *testing.T) (cfgPath, dir string) {
	t.Helper()
	dir = t.TempDir()
	seed := filepath.Join(dir, "seed.json")
	if err := os.WriteFile(seed, []byte(`[
		{"symbol": "猫", "pronunciation": "māo", "meanings": ["cat"]},
		{"symbol": "行", "pronunciation": "xíng", "meanings": ["to walk"], "frequency": "very-common"},
		{"symbol": "行", "pronunciation": "háng", "meanings": ["row", "line"]}
	]`), 0644); err != nil {
		t.Fatal(err)
	}

	cfg := `database:
  path: ` + filepath.Join(dir, "test.db") + `
media:
  dir: ` + filepath.Join(dir, "media") + `
log:
  level: error
workers:
  poll_interval: 10ms
limits:
  batch_delay: 0s
dictionary:
  provider: store
  seed_file: ` + seed + `
image:
  provider: none
audio:
  provider: none
`
	cfgPath = filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	return cfgPath, dir
}

func run(t *testing.T, cfgPath string, args ...string) (string, error) {
	t.Helper()
	cmd := CreateRootCommand(NewFlags())
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append([]string{"--config", cfgPath}, args...))
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func mustRun(t *testing.T, cfgPath string, args ...string) string {
	t.Helper()
	out, err := run(t, cfgPath, args...)
	if err != nil {
		t.Fatalf("hanzirecall %s: %v\n%s", strings.Join(args, " "), err, out)
	}
	return out
}

func TestWorkflow(t *testing.T) {
	cfgPath, dir := writeConfig(t)

	colID := strings.TrimSpace(mustRun(t, cfgPath, "create", "HSK 1"))
	if colID == "" {
		t.Fatal("create printed no id")
	}

	out := mustRun(t, cfgPath, "check", "猫", "行")
	if !strings.Contains(out, "行:") || strings.Contains(out, "猫:") {
		t.Errorf("check output:\n%s", out)
	}

	out = mustRun(t, cfgPath, "import", colID, "猫", "行", "abc", "--wait", "--timeout", "20s")
	for _, want := range []string{"Accepted 2 symbols", `rejected #3 "abc"`, "awaiting_disambiguation", "1 awaiting a reading"} {
		if !strings.Contains(out, want) {
			t.Errorf("import output lacks %q:\n%s", want, out)
		}
	}

	out = mustRun(t, cfgPath, "choose", "行", "--accept-default", "--collection", colID)
	if !strings.Contains(out, "1 cards resumed") {
		t.Errorf("choose output:\n%s", out)
	}

	out = mustRun(t, cfgPath, "enrich", colID, "--wait", "--timeout", "20s")
	if !strings.Contains(out, ": ready") || !strings.Contains(out, "xíng: to walk") {
		t.Errorf("enrich output:\n%s", out)
	}

	out = mustRun(t, cfgPath, "status")
	if !strings.Contains(out, "card") {
		t.Errorf("status output:\n%s", out)
	}

	exportDir := filepath.Join(dir, "export")
	mustRun(t, cfgPath, "export", colID, "-o", exportDir)
	out = mustRun(t, cfgPath, "export", colID, "-o", exportDir)
	if !strings.Contains(out, "Previous export archived") || !strings.Contains(out, "Exported 2 cards") {
		t.Errorf("export output:\n%s", out)
	}
	f, err := os.Open(filepath.Join(exportDir, "import.csv"))
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer f.Close()
	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		t.Fatalf("read export: %v", err)
	}
	if len(records) != 3 || records[1][0] != "猫" || records[2][1] != "xíng" {
		t.Errorf("export records = %v", records)
	}
	if entries, _ := os.ReadDir(filepath.Join(dir, "archive")); len(entries) != 1 {
		t.Errorf("got %d archived exports, want 1", len(entries))
	}
}

func TestCommandErrors(t *testing.T) {
	cfgPath, _ := writeConfig(t)

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"import without symbols", []string{"import", "x"}, "no symbols given"},
		{"import into unknown collection", []string{"import", "missing", "猫"}, "not found"},
		{"status of unknown id", []string{"status", "missing"}, "no collection or job"},
		{"choose without reading", []string{"choose", "行"}, "--accept-default"},
		{"unknown reading", []string{"choose", "行", "hang4"}, "not a known reading"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := run(t, cfgPath, tt.args...)
			if err == nil {
				t.Fatalf("succeeded:\n%s", out)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}
