package policy

import (
	"fmt"
	"reflect"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/spiritnet/gledger/internal/fixed"
	"github.com/spiritnet/gledger/internal/models"
)

// LoadFile reads the policy set from a YAML or JSON file with a top-level
// "policies" key.
func LoadFile(path string) ([]models.Policy, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}
	return decodePolicies(v)
}

// Watch hot-reloads the policy file into the engine whenever it changes.
// Reload failures keep the previous policy set; gating never falls open
// because a file edit went bad.
func Watch(path string, engine *Engine, log *logrus.Logger) error {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read policy file: %w", err)
	}

	policies, err := decodePolicies(v)
	if err != nil {
		return err
	}
	engine.SetPolicies(policies)

	v.OnConfigChange(func(fsnotify.Event) {
		reloaded, err := decodePolicies(v)
		if err != nil {
			log.WithError(err).Error("[POLICY] reload failed, keeping previous policy set")
			return
		}
		engine.SetPolicies(reloaded)
	})
	v.WatchConfig()
	return nil
}

func decodePolicies(v *viper.Viper) ([]models.Policy, error) {
	var policies []models.Policy
	err := v.UnmarshalKey("policies", &policies, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			amountDecodeHook,
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to decode policies: %w", err)
	}
	for _, pol := range policies {
		if pol.PolicyID == "" {
			return nil, fmt.Errorf("policy without policy_id")
		}
	}
	return policies, nil
}

// amountDecodeHook lets policy files write token amounts as decimal strings.
func amountDecodeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != reflect.TypeOf(fixed.Amount{}) {
		return data, nil
	}
	switch value := data.(type) {
	case string:
		amount, err := fixed.Parse(value)
		if err != nil {
			return nil, err
		}
		return amount, nil
	case int:
		return fixed.FromTokens(uint64(value)), nil
	case float64:
		return fixed.Parse(fmt.Sprintf("%v", value))
	}
	return data, nil
}
