package binbridge_test

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
)

// buildSharedLib compiles testdata/c/basic.c for x86-32 goos. Zig is used
// when present; a linux host can fall back to its own cc with -m32.
func buildSharedLib(t *testing.T, outDir string, goos string) string {
	t.Helper()

	var zigTarget, ext string
	switch goos {
	case "linux":
		zigTarget, ext = "x86-linux-gnu", "so"
	case "windows":
		zigTarget, ext = "x86-windows-gnu", "dll"
	default:
		t.Fatalf("unsupported target os %s", goos)
	}

	outputPath := filepath.Join(outDir, fmt.Sprintf("basic_%s-386.%s", goos, ext))
	sourcePath := filepath.Join("testdata", "c", "basic.c")

	flags := []string{"-O1", "-g0", "-shared"}
	if goos == "linux" {
		flags = append(flags, "-fPIC")
	}

	var cmd *exec.Cmd
	if _, err := exec.LookPath("zig"); err == nil {
		args := append([]string{"cc", "-target", zigTarget}, flags...)
		args = append(args, "-o", outputPath, sourcePath)
		cmd = exec.Command("zig", args...)
		cmd.Env = append(
			os.Environ(),
			"ZIG_GLOBAL_CACHE_DIR="+filepath.Join(os.TempDir(), "binbridge-zig-global-cache"),
			"ZIG_LOCAL_CACHE_DIR="+filepath.Join(os.TempDir(), "binbridge-zig-local-cache"),
		)
	} else if goos == "linux" && runtime.GOOS == "linux" {
		requireCommand(t, "cc")
		args := append([]string{"-m32"}, flags...)
		args = append(args, "-o", outputPath, sourcePath)
		cmd = exec.Command("cc", args...)
	} else {
		t.Skipf("no compiler for %s/386", goos)
	}

	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("build shared lib target=%s/386: %v\n%s", goos, err, output)
	}

	// Zig emits COFF sidecars for windows builds; keep test temp dirs tidy.
	if goos == "windows" {
		base := strings.TrimSuffix(outputPath, ".dll")
		_ = os.Remove(base + ".pdb")
		_ = os.Remove(base + ".lib")
		_ = os.Remove(filepath.Join(outDir, "basic.lib"))
	}
	return outputPath
}

func runCmd(t *testing.T, name string, args ...string) string {
	t.Helper()

	cmd := exec.Command(name, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("%s %s failed: %v\n%s", name, strings.Join(args, " "), err, output)
	}
	return string(output)
}

func requireCommand(t *testing.T, name string) {
	t.Helper()
	if _, err := exec.LookPath(name); err != nil {
		t.Skipf("%s not found in PATH", name)
	}
}
