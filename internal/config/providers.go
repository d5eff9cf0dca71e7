package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/SOG-web/reauth-sub001/internal/oauth/domain"
)

type providersFile struct {
	Providers []domain.Provider `mapstructure:"providers"`
}

// LoadOAuthProviders reads the OAuth provider list from path. The format is
// taken from the extension (yaml, yml or json). An empty path yields no
// providers. Secrets may be given as ${ENV_VAR} references.
func LoadOAuthProviders(path string) ([]domain.Provider, error) {
	if path == "" {
		return nil, nil
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: read oauth providers file: %w", err)
	}
	var f providersFile
	if err := v.Unmarshal(&f); err != nil {
		return nil, fmt.Errorf("config: decode oauth providers file: %w", err)
	}
	for i := range f.Providers {
		f.Providers[i].ClientSecret = expandEnv(f.Providers[i].ClientSecret)
		f.Providers[i].ClientID = expandEnv(f.Providers[i].ClientID)
	}
	return f.Providers, nil
}

// expandEnv replaces a value of the exact form ${NAME} with the environment
// variable NAME. Other values are returned unchanged.
func expandEnv(s string) string {
	if strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") && len(s) > 3 {
		return os.Getenv(s[2 : len(s)-1])
	}
	return s
}
