//go:build mage
// +build mage

package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/magefile/mage/mg"
	"github.com/magefile/mage/sh"
)

// Variables
const (
	binaryDir = "bin"
	relayPkg  = "./services/relay/cmd"
	goFlags   = "-v"
	ldFlags   = "-s -w"
)

// All lints, tests and builds.
func All() error {
	mg.SerialDeps(Vet, Test)
	return Build()
}

// ============================================================================
// Build targets
// ============================================================================

// Build builds the relay service.
func Build() error {
	fmt.Println("Building relay...")
	if err := os.MkdirAll(binaryDir, 0755); err != nil {
		return err
	}
	flags := ldFlags
	if v := os.Getenv("VERSION"); v != "" {
		flags += " -X main.buildVersion=" + v
	}
	return sh.Run("go", "build", goFlags, "-ldflags", flags, "-o", filepath.Join(binaryDir, "relay"), relayPkg)
}

// ============================================================================
// Development targets
// ============================================================================

// Run runs the relay locally (config from ./configs/relay.yaml or RELAY_CONFIG).
func Run() error {
	return sh.RunV("go", "run", relayPkg)
}

// ============================================================================
// Testing
// ============================================================================

// Test runs all tests.
func Test() error {
	return sh.RunV("go", "test", "-race", "-cover", "./...")
}

// TestUnit runs unit tests only.
func TestUnit() error {
	return sh.RunV("go", "test", "-race", "-cover", "-short", "./...")
}

// TestCoverage generates test coverage report.
func TestCoverage() error {
	if err := sh.Run("go", "test", "-race", "-coverprofile=coverage.out", "./..."); err != nil {
		return err
	}
	if err := sh.Run("go", "tool", "cover", "-html=coverage.out", "-o", "coverage.html"); err != nil {
		return err
	}
	fmt.Println("Coverage report generated: coverage.html")
	return nil
}

// ============================================================================
// Code quality
// ============================================================================

// Lint runs the linter.
func Lint() error {
	return sh.RunV("golangci-lint", "run", "./...")
}

// Fmt formats code.
func Fmt() error {
	if err := sh.Run("go", "fmt", "./..."); err != nil {
		return err
	}
	return sh.Run("gofumpt", "-l", "-w", "services", "magefile.go")
}

// Vet runs go vet.
func Vet() error {
	return sh.Run("go", "vet", "./...")
}

// Tidy tidies and verifies go modules.
func Tidy() error {
	if err := sh.Run("go", "mod", "tidy"); err != nil {
		return err
	}
	return sh.Run("go", "mod", "verify")
}

// SecurityScan runs security scanner.
func SecurityScan() error {
	return sh.RunV("gosec", "./...")
}

// ============================================================================
// Cleanup
// ============================================================================

// Clean cleans build artifacts.
func Clean() error {
	if err := os.RemoveAll(binaryDir); err != nil {
		return err
	}
	_ = os.Remove("coverage.out")
	_ = os.Remove("coverage.html")
	return nil
}

// ============================================================================
// Installation
// ============================================================================

// InstallTools installs development tools.
func InstallTools() error {
	fmt.Println("Installing development tools...")
	tools := []string{
		"github.com/golangci/golangci-lint/cmd/golangci-lint@latest",
		"mvdan.cc/gofumpt@latest",
		"github.com/securego/gosec/v2/cmd/gosec@latest",
	}

	for _, tool := range tools {
		if err := sh.Run("go", "install", tool); err != nil {
			return err
		}
	}
	return nil
}

// Deps downloads dependencies.
func Deps() error {
	return sh.Run("go", "mod", "download")
}
