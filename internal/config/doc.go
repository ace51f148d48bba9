// Package config loads and validates bridge configuration from YAML files.
//
// Configuration values support ${VAR} environment variable expansion.
// Loading is split into three stages: Load (parse), LoadWithDefaults
// (fill optional fields), LoadAndValidate (reject invalid combinations).
package config
