package config

import (
	"bytes"

	"gopkg.in/yaml.v3"
)

// Render renders the effective config in the same layout Load reads.
func (c *Config) Render() ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
