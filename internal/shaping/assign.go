package shaping

import "fmt"

// assign binds one decoded option value into cfg's typed field if key
// names one, otherwise it falls into Options. It runs when Resolve builds
// a config, so a value of the wrong type is reported by Resolve; Store.Load
// merges option values without checking their types.
func assign(cfg *EgressPathConfig, key string, value interface{}) error {
	switch key {
	case "connection_limit":
		n, err := asInt(key, value)
		if err != nil {
			return err
		}
		cfg.ConnectionLimit = n
	case "max_connection_rate":
		r, err := asRate(key, value)
		if err != nil {
			return err
		}
		cfg.MaxConnectionRate = r
	case "max_deliveries_per_connection":
		n, err := asInt(key, value)
		if err != nil {
			return err
		}
		cfg.MaxDeliveriesPerConnection = n
	case "max_message_rate":
		r, err := asRate(key, value)
		if err != nil {
			return err
		}
		cfg.MaxMessageRate = r
	case "idle_timeout":
		n, err := asInt(key, value)
		if err != nil {
			return err
		}
		cfg.IdleTimeoutSeconds = n
	case "enable_tls":
		mode, err := asTLSMode(value)
		if err != nil {
			return err
		}
		cfg.EnableTLS = mode
	case "consecutive_connection_failures_before_delay":
		n, err := asInt(key, value)
		if err != nil {
			return err
		}
		cfg.ConsecutiveConnectionFailuresBeforeDelay = n
	case "provider_connection_limit":
		n, err := asInt(key, value)
		if err != nil {
			return err
		}
		cfg.ProviderConnectionLimit = n
	case "provider_max_message_rate":
		r, err := asRate(key, value)
		if err != nil {
			return err
		}
		cfg.ProviderMaxMessageRate = r
	default:
		cfg.Options[key] = value
	}
	return nil
}

func asInt(key string, value interface{}) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		return int(v), nil
	default:
		return 0, fmt.Errorf("shaping: option %q: expected integer, got %T", key, value)
	}
}

func asRate(key string, value interface{}) (Rate, error) {
	if r, ok := value.(Rate); ok {
		return r, nil
	}
	return Rate{}, fmt.Errorf("shaping: option %q: expected rate, got %T", key, value)
}

func asTLSMode(value interface{}) (TLSMode, error) {
	s, ok := value.(string)
	if !ok {
		return 0, fmt.Errorf("shaping: option enable_tls: expected string, got %T", value)
	}
	switch s {
	case "Disabled":
		return TLSDisabled, nil
	case "Opportunistic":
		return TLSOpportunistic, nil
	case "OpportunisticInsecure":
		return TLSOpportunisticInsecure, nil
	case "Required":
		return TLSRequired, nil
	case "RequiredInsecure":
		return TLSRequiredInsecure, nil
	default:
		return 0, fmt.Errorf("shaping: option enable_tls: unknown mode %q", s)
	}
}
