package cli

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

func overrideString(key string, dst *string) {
	if viper.IsSet(key) {
		*dst = viper.GetString(key)
	}
}

func overrideInt(key string, dst *int) {
	if viper.IsSet(key) {
		*dst = viper.GetInt(key)
	}
}

func overrideBool(key string, dst *bool) {
	if viper.IsSet(key) {
		*dst = viper.GetBool(key)
	}
}

func overrideDuration(key string, dst *time.Duration) {
	if viper.IsSet(key) {
		*dst = viper.GetDuration(key)
	}
}

// overrideStrings accepts a list from the config file or flags, or a
// comma-separated string from the environment.
func overrideStrings(key string, dst *[]string) {
	if !viper.IsSet(key) {
		return
	}
	switch v := viper.Get(key).(type) {
	case string:
		*dst = splitList(v)
	default:
		*dst = viper.GetStringSlice(key)
	}
}

func splitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
