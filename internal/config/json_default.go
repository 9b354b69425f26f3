//go:build !sonic

package config

import "github.com/goccy/go-json"

var (
	jsonMarshal   = json.MarshalIndent
	jsonUnmarshal = json.Unmarshal
)
