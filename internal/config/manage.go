package config

import (
	"fmt"
	"reflect"
	"strings"
)

// KeyInfo describes a config key for display purposes.
type KeyInfo struct {
	Key    string
	EnvVar string
	Value  string
}

// ShowAll flattens the effective config into key/env/value rows in struct
// declaration order, for the config show command.
func ShowAll(cfg Config) []KeyInfo {
	var out []KeyInfo
	v := reflect.ValueOf(cfg)
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		section := strings.ToLower(t.Field(i).Name)
		collectSection(v.Field(i), section, &out)
	}
	return out
}

func collectSection(v reflect.Value, section string, out *[]KeyInfo) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		tag := field.Tag.Get("env")
		if tag == "" {
			continue
		}
		envVar := strings.Split(tag, ",")[0]
		*out = append(*out, KeyInfo{
			Key:    keyFromEnv(envVar, section),
			EnvVar: envVar,
			Value:  fmt.Sprintf("%v", v.Field(i).Interface()),
		})
	}
}

// keyFromEnv derives the display key from the env var name: the MEMPROBE_
// prefix and the section name drop, the rest lowercases. MEMPROBE_DATA_DIR in
// section storage becomes storage.data_dir.
func keyFromEnv(envVar, section string) string {
	rest := strings.TrimPrefix(envVar, "MEMPROBE_")
	rest = strings.TrimPrefix(rest, strings.ToUpper(section)+"_")
	return section + "." + strings.ToLower(rest)
}
