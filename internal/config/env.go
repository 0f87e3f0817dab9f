package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// APIKeyEnv lists where the generation credential may come from, in lookup order.
var APIKeyEnv = []string{"PRESSLINE_API_KEY", "GOOGLE_API_KEY", "OPENAI_API_KEY"}

// DotEnvPath returns the .env file consulted for secrets.
func DotEnvPath(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, ".env")
}

// Secrets resolves values from the process environment, then the workspace .env file.
type Secrets struct {
	v *viper.Viper
}

func LoadSecrets(workspace string) (Secrets, error) {
	v := viper.New()
	v.AutomaticEnv()
	path := DotEnvPath(workspace)
	if _, err := os.Stat(path); err == nil {
		v.SetConfigFile(path)
		v.SetConfigType("env")
		if err := v.ReadInConfig(); err != nil {
			return Secrets{}, fmt.Errorf("read %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Secrets{}, err
	}
	return Secrets{v: v}, nil
}

func (s Secrets) Get(key string) string {
	if s.v == nil {
		return os.Getenv(key)
	}
	return strings.TrimSpace(s.v.GetString(key))
}

// APIKey returns the first non-empty credential from APIKeyEnv.
func (s Secrets) APIKey() string {
	for _, key := range APIKeyEnv {
		if val := s.Get(key); val != "" {
			return val
		}
	}
	return ""
}

// MaskSecret keeps only enough of a secret to recognise it.
func MaskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return strings.Repeat("*", len(s))
	}
	return s[:4] + strings.Repeat("*", len(s)-8) + s[len(s)-4:]
}

// SetEnvValue replaces or appends key=value in a dotenv file.
func SetEnvValue(path, key, value string) error {
	var lines []string
	seen := false
	f, err := os.Open(path)
	if err == nil {
		scanner := bufio.NewScanner(f)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, key+"=") {
				lines = append(lines, fmt.Sprintf("%s=%s", key, value))
				seen = true
			} else {
				lines = append(lines, line)
			}
		}
		if err := scanner.Err(); err != nil {
			f.Close()
			return err
		}
		f.Close()
	} else if !os.IsNotExist(err) {
		return err
	}
	if !seen {
		lines = append(lines, fmt.Sprintf("%s=%s", key, value))
	}
	content := strings.Join(lines, "\n")
	if content != "" && !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	return os.WriteFile(path, []byte(content), 0o600)
}
