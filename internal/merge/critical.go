package merge

import (
	"path/filepath"
	"strings"
)

// criticalFilePatterns are files that often cause merge conflicts when
// touched by multiple agents across languages/ecosystems.
var criticalFilePatterns = []string{
	"package.json",
	"package-lock.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	".npmrc",

	"go.mod",
	"go.sum",

	"Cargo.toml",
	"Cargo.lock",

	"pyproject.toml",
	"requirements.txt",
	"setup.py",
	"poetry.lock",
	"Pipfile",
	"Pipfile.lock",

	"Gemfile",
	"Gemfile.lock",

	"pom.xml",
	"build.gradle",
	"build.gradle.kts",

	"packages.config",

	"composer.json",
	"composer.lock",

	"tsconfig.json",
	"jsconfig.json",
	"Makefile",
	"Dockerfile",
	"docker-compose.yml",
	"docker-compose.yaml",
	".gitignore",
	".gitattributes",
}

// criticalWildcardPatterns are glob patterns for critical files.
var criticalWildcardPatterns = []string{
	".eslintrc*",
	".prettierrc*",
	"*.csproj",
	"*.sln",
	".env*",
}

// monorepoSubdirs are common subdirectory names in monorepo layouts. A
// package manager file found under one of these is treated as critical
// even though it isn't at the repo root.
var monorepoSubdirs = []string{
	"client",
	"server",
	"frontend",
	"backend",
	"web",
	"api",
	"app",
	"apps",
	"packages",
	"services",
	"libs",
	"shared",
}

// criticalPackageFiles are basenames of package manager files that are
// critical regardless of whether they're at root or in a monorepo subdir.
var criticalPackageFiles = []string{
	"package.json",
	"go.mod",
	"Cargo.toml",
	"pyproject.toml",
	"tsconfig.json",
}

// lockFiles maps a lock file's basename to the command that regenerates
// it, so a steward is told to regenerate a conflicted lock file instead of
// being handed a line diff to reconcile by hand.
var lockFiles = map[string]string{
	"package-lock.json": "npm install",
	"yarn.lock":         "yarn install",
	"pnpm-lock.yaml":    "pnpm install",
	"go.sum":            "go mod tidy",
	"Cargo.lock":        "cargo build",
	"poetry.lock":       "poetry lock",
	"Pipfile.lock":      "pipenv lock",
	"Gemfile.lock":      "bundle install",
	"composer.lock":     "composer install",
}

// IsCriticalFile reports whether a conflicted path is a package-manager or
// root config file worth a steward's extra scrutiny before auto-resolving.
func IsCriticalFile(path string) bool {
	path = strings.TrimPrefix(path, "./")
	path = strings.TrimPrefix(path, "/")

	base := filepath.Base(path)
	dir := filepath.Dir(path)

	isRoot := !strings.Contains(path, "/") || path == base

	if isRoot {
		for _, pattern := range criticalFilePatterns {
			if base == pattern {
				return true
			}
		}

		for _, pattern := range criticalWildcardPatterns {
			if matched, _ := filepath.Match(pattern, base); matched {
				return true
			}
		}
	}

	if isInMonorepoSubdir(dir) && isCriticalPackageFile(base) {
		return true
	}

	return false
}

func isInMonorepoSubdir(dir string) bool {
	parts := strings.Split(dir, "/")
	if len(parts) == 0 {
		return false
	}

	firstDir := parts[0]
	for _, subdir := range monorepoSubdirs {
		if strings.EqualFold(firstDir, subdir) {
			return true
		}
	}

	if len(parts) >= 2 {
		parentDir := parts[0]
		if strings.EqualFold(parentDir, "packages") ||
			strings.EqualFold(parentDir, "apps") ||
			strings.EqualFold(parentDir, "services") ||
			strings.EqualFold(parentDir, "libs") {
			return true
		}
	}

	return false
}

func isCriticalPackageFile(base string) bool {
	for _, pkg := range criticalPackageFiles {
		if base == pkg {
			return true
		}
	}
	return false
}

// IsLockFile reports whether a conflicted path is a lock file that should
// be regenerated rather than diffed.
func IsLockFile(path string) bool {
	base := filepath.Base(path)
	_, isLock := lockFiles[base]
	return isLock
}

// GetLockFileCommand returns the command that regenerates a conflicted
// lock file, or "" if path isn't one.
func GetLockFileCommand(path string) string {
	base := filepath.Base(path)
	return lockFiles[base]
}
