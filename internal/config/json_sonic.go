//go:build sonic

package config

import "github.com/bytedance/sonic"

var (
	jsonMarshal   = sonic.ConfigStd.MarshalIndent
	jsonUnmarshal = sonic.ConfigStd.Unmarshal
)
