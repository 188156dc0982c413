package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
)

// detectMode picks the mode used to select .env files before the full
// config is resolved.
func detectMode() string {
	if buildMode != "" {
		return buildMode
	}
	if m := os.Getenv("NAVIYA_BUILD_MODE"); m != "" {
		return m
	}
	return ModeDevelopment
}

// envFiles lists candidate .env files, most specific first. godotenv.Load
// never overwrites a variable that is already set, so the first file that
// defines a key wins and the real environment wins over all files.
func envFiles(dir, mode string) []string {
	return []string{
		filepath.Join(dir, ".env."+mode+".local"),
		filepath.Join(dir, ".env."+mode),
		filepath.Join(dir, ".env.local"),
		filepath.Join(dir, ".env"),
	}
}

func loadDotEnv(dir, mode string) error {
	for _, path := range envFiles(dir, mode) {
		if _, err := os.Stat(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("checking %s: %w", path, err)
		}
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("loading %s: %w", path, err)
		}
	}
	return nil
}
