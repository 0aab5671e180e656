package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"github.com/manifoldco/promptui"
)

// DefaultPath is where the wizard writes its result.
const DefaultPath = ".bundlevault.yml"

// RunWizard runs an interactive configuration wizard and returns the
// resulting Config. It also saves the config to .bundlevault.yml.
func RunWizard() (*Config, error) {
	fmt.Println("Welcome to bundlevault! Let's configure your archive.")
	fmt.Println()

	cfg := DefaultConfig()

	// 1. Archive location.
	archivePrompt := promptui.Prompt{
		Label:    "Archive URL or path",
		Validate: validateLocation,
	}
	archive, err := archivePrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("archive location: %w", err)
	}
	cfg.ArchiveURL = strings.TrimSpace(archive)

	// 2. Storage directory.
	dataPrompt := promptui.Prompt{
		Label:   "Directory for extracted versions",
		Default: cfg.DataDir,
	}
	dataDir, err := dataPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	cfg.DataDir = dataDir

	// 3. Entry document type.
	entryPrompt := promptui.Select{
		Label: "Entry document extension",
		Items: []string{".html", ".htm", ".xhtml"},
	}
	_, ext, err := entryPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("entry extension: %w", err)
	}
	cfg.EntryExtension = ext

	// 4. Listen port.
	portPrompt := promptui.Prompt{
		Label:   "HTTP port for serving handles",
		Default: strconv.Itoa(cfg.Port),
		Validate: func(s string) error {
			n, err := strconv.Atoi(s)
			if err != nil || n <= 0 || n > 65535 {
				return fmt.Errorf("port must be between 1 and 65535")
			}
			return nil
		},
	}
	portStr, err := portPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("port: %w", err)
	}
	cfg.Port, _ = strconv.Atoi(portStr)

	// 5. Optional allowlist.
	versionsPrompt := promptui.Prompt{
		Label:   "Supported versions (comma-separated, blank for any)",
		Default: "",
	}
	versions, err := versionsPrompt.Run()
	if err != nil {
		return nil, fmt.Errorf("supported versions: %w", err)
	}
	cfg.SupportedVersions = splitAndTrim(versions)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if err := cfg.Save(DefaultPath); err != nil {
		return nil, fmt.Errorf("saving config: %w", err)
	}

	fmt.Printf("\nConfiguration saved to %s\n", DefaultPath)
	return cfg, nil
}

// validateLocation accepts http(s) and file URLs as well as paths to
// existing files.
func validateLocation(s string) error {
	s = strings.TrimSpace(s)
	if s == "" {
		return fmt.Errorf("archive location is required")
	}
	if u, err := url.Parse(s); err == nil && (u.Scheme == "http" || u.Scheme == "https" || u.Scheme == "file") {
		return nil
	}
	if _, err := os.Stat(s); err != nil {
		return fmt.Errorf("no such file: %s", s)
	}
	return nil
}

// splitAndTrim splits a comma-separated string and trims whitespace.
func splitAndTrim(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		if token := strings.TrimSpace(part); token != "" {
			result = append(result, token)
		}
	}
	return result
}
