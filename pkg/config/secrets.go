package config

import (
	"strings"
)

// RedactedValue replaces secret values in printed settings.
const RedactedValue = "***"

var sensitiveKeyParts = []string{"password", "secret", "token", "credential", "private_key", "api_key"}

// Redact returns a copy of settings with secret values masked. A value is
// secret when its key looks sensitive or it came from the secrets file. URLs
// keep their shape with the password replaced.
func Redact(settings, secrets map[string]interface{}) map[string]interface{} {
	return redactMap(settings, secrets)
}

func redactMap(settings, secrets map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(settings))
	for key, value := range settings {
		var secretValue interface{}
		fromSecrets := false
		if secrets != nil {
			secretValue, fromSecrets = secrets[key]
		}
		out[key] = redactValue(key, value, secretValue, fromSecrets)
	}
	return out
}

func redactValue(key string, value, secretValue interface{}, fromSecrets bool) interface{} {
	if nested, ok := value.(map[string]interface{}); ok {
		nestedSecrets, _ := secretValue.(map[string]interface{})
		return redactMap(nested, nestedSecrets)
	}
	if fromSecrets || shouldRedactKey(key) {
		if s, ok := value.(string); ok && s == "" {
			return s
		}
		return RedactedValue
	}
	if s, ok := value.(string); ok && strings.EqualFold(key, "url") {
		return RedactURL(s)
	}
	return value
}

func shouldRedactKey(key string) bool {
	lower := strings.ToLower(key)
	for _, part := range sensitiveKeyParts {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// RedactURL masks the password of a url carrying userinfo.
func RedactURL(raw string) string {
	schemeEnd := strings.Index(raw, "://")
	if schemeEnd < 0 {
		return raw
	}
	rest := raw[schemeEnd+3:]
	at := strings.LastIndex(rest, "@")
	if at < 0 {
		return raw
	}
	userinfo := rest[:at]
	colon := strings.Index(userinfo, ":")
	if colon < 0 {
		return raw
	}
	return raw[:schemeEnd+3] + userinfo[:colon+1] + RedactedValue + rest[at:]
}
