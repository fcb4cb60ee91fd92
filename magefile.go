//go:build mage

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

const (
	binary  = "hanzirecall"
	mainPkg = "./cmd/hanzirecall"
)

var Default = Build

func ldflags() (string, error) {
	version, err := sh.Output("git", "describe", "--tags", "--always", "--dirty")
	if err != nil || version == "" {
		return "", nil
	}
	return fmt.Sprintf("-X codeberg.org/snonux/hanzirecall/internal.Version=%s", version), nil
}

// Build compiles the binary. SQLite needs cgo.
func Build() error {
	flags, err := ldflags()
	if err != nil {
		return err
	}
	env := map[string]string{"CGO_ENABLED": "1"}
	return sh.RunWith(env, "go", "build", "-ldflags", flags, "-o", binary, mainPkg)
}

// Install copies the binary to ~/go/bin.
func Install() error {
	mg.Deps(Build)
	home, err := os.UserHomeDir()
	if err != nil {
		return err
	}
	dst := filepath.Join(home, "go", "bin", binary)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return sh.Copy(dst, binary)
}

// Test runs the unit tests with the race detector.
func Test() error {
	return sh.RunV("go", "test", "-race", "./...")
}

// Vet runs go vet.
func Vet() error {
	return sh.RunV("go", "vet", "./...")
}

// Clean removes build output.
func Clean() error {
	return sh.Rm(binary)
}
