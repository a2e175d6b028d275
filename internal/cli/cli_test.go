package cli

import (
	"bytes"
	"strings"
	"testing"

	"market-signal-engine/internal/version"
)

func TestVersionCommandSkipsConfig(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("执行 version 失败: %v", err)
	}
	if !strings.Contains(out.String(), version.Version) {
		t.Fatalf("输出缺少版本号: %q", out.String())
	}
	if appHandle != nil {
		t.Fatalf("version 不应初始化应用")
	}
}

func TestCommandTree(t *testing.T) {
	want := []string{"run", "serve", "price", "snapshot", "signal", "scan", "alert", "export", "simulate-alert", "migrate", "version"}
	for _, name := range want {
		cmd, _, err := rootCmd.Find([]string{name})
		if err != nil || cmd == rootCmd {
			t.Fatalf("缺少子命令 %s", name)
		}
	}
	for _, sub := range []string{"add", "cancel", "list"} {
		cmd, _, err := rootCmd.Find([]string{"alert", sub})
		if err != nil || cmd.Name() != sub {
			t.Fatalf("缺少 alert %s", sub)
		}
	}
}
