package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"

	"task-dispatch-service/internal/task-dispatch/scheduling"
)

// PolicyEnvPrefix marks environment overrides of single policy weights,
// e.g. DISPATCH_POLICY_CONFLICT_PENALTY=40.
const PolicyEnvPrefix = "DISPATCH_POLICY_"

// LoadPolicy reads the scoring policy. Keys missing from the file keep their
// default; an empty path yields the defaults plus env overrides.
func LoadPolicy(path string) (scheduling.Policy, error) {
	k := koanf.New(".")
	if path != "" {
		parser, err := parserFor(path)
		if err != nil {
			return scheduling.Policy{}, err
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return scheduling.Policy{}, fmt.Errorf("failed to read policy file %s: %w", path, err)
		}
	}
	if err := k.Load(env.Provider(PolicyEnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, PolicyEnvPrefix))
	}), nil); err != nil {
		return scheduling.Policy{}, fmt.Errorf("failed to read policy env overrides: %w", err)
	}

	policy := scheduling.DefaultPolicy()
	if err := k.Unmarshal("", &policy); err != nil {
		return scheduling.Policy{}, fmt.Errorf("failed to decode policy: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return scheduling.Policy{}, err
	}
	return policy, nil
}

func parserFor(path string) (koanf.Parser, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser(), nil
	case ".json":
		return json.Parser(), nil
	default:
		return nil, fmt.Errorf("unsupported policy format: %s", filepath.Ext(path))
	}
}

// PolicyTarget receives reloaded policies. *scheduling.Engine satisfies it.
type PolicyTarget interface {
	SetPolicy(p scheduling.Policy) error
}

// WatchPolicy reloads the policy file on change and hands every valid
// revision to target. Invalid revisions are logged and the running policy is
// kept. The returned func stops watching.
func WatchPolicy(path string, target PolicyTarget, log zerolog.Logger) (stop func(), err error) {
	if _, err := parserFor(path); err != nil {
		return nil, err
	}
	provider := file.Provider(path)
	err = provider.Watch(func(_ interface{}, werr error) {
		if werr != nil {
			log.Error().Err(werr).Str("path", path).Msg("policy watch error")
			return
		}
		policy, err := LoadPolicy(path)
		if err != nil {
			log.Error().Err(err).Str("path", path).Msg("ignoring invalid policy revision")
			return
		}
		if err := target.SetPolicy(policy); err != nil {
			log.Error().Err(err).Msg("failed to apply policy")
			return
		}
		log.Info().Str("path", path).Interface("policy", policy).Msg("scoring policy reloaded")
	})
	if err != nil {
		return nil, fmt.Errorf("failed to watch policy file %s: %w", path, err)
	}
	return func() { _ = provider.Unwatch() }, nil
}
