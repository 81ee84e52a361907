package dispatcher

import (
	"errors"
	"strings"
)

// WorkerPath is where the broker delivers job notifications, relative to the
// application base URL
const WorkerPath = "/api/v1/agent-jobs/worker"

// Configuration names reported by ConfigError
const (
	SettingStoreURL    = "REDIS_URL"
	SettingStoreToken  = "REDIS_TOKEN"
	SettingBrokerURL   = "BROKER_URL"
	SettingBrokerToken = "BROKER_TOKEN"
	SettingSigningKey  = "BROKER_CURRENT_SIGNING_KEY"
)

// ErrNoCallbackTarget is returned when neither a callback override nor an
// application base URL is configured
var ErrNoCallbackTarget = errors.New("no callback target: set AGENT_JOB_CALLBACK_URL or APP_BASE_URL")

// Settings is the configuration the dispatcher needs before it will accept work
type Settings struct {
	StoreURL    string
	StoreToken  string
	BrokerURL   string
	BrokerToken string
	SigningKey  string

	// CallbackURL overrides the derived callback target
	CallbackURL string
	// AppBaseURL is joined with WorkerPath when CallbackURL is empty
	AppBaseURL string
}

// Check reports every missing required setting at once
func (s Settings) Check() error {
	required := []struct {
		name  string
		value string
	}{
		{SettingStoreURL, s.StoreURL},
		{SettingStoreToken, s.StoreToken},
		{SettingBrokerURL, s.BrokerURL},
		{SettingBrokerToken, s.BrokerToken},
		{SettingSigningKey, s.SigningKey},
	}

	var missing []string
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			missing = append(missing, r.name)
		}
	}
	if len(missing) > 0 {
		return &ConfigError{Missing: missing}
	}
	return nil
}

// ResolveCallback returns the URL the broker should deliver to
func (s Settings) ResolveCallback() (string, error) {
	if override := strings.TrimSpace(s.CallbackURL); override != "" {
		return override, nil
	}
	if base := strings.TrimRight(strings.TrimSpace(s.AppBaseURL), "/"); base != "" {
		return base + WorkerPath, nil
	}
	return "", ErrNoCallbackTarget
}
