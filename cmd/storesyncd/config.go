package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/DEMCON/libstored-sub002/store"
)

type FieldConfig struct {
	Name string `toml:"name"`
	Kind string `toml:"kind"`
	// Size is required for blob and string fields
	Size int `toml:"size"`
}

type Config struct {
	StoreName string   `toml:"store_name"`
	Listen    string   `toml:"listen"`
	Peers     []string `toml:"peers"`

	Mtu      int  `toml:"mtu"`
	CrcWidth int  `toml:"crc_width"`
	Compress bool `toml:"compress"`

	ProcessInterval    time.Duration `toml:"process_interval"`
	RetransmitInterval time.Duration `toml:"retransmit_interval"`
	KeepAliveInterval  time.Duration `toml:"keep_alive_interval"`

	Fields []FieldConfig `toml:"fields"`
}

func DefaultConfig() *Config {
	return &Config{
		StoreName:          "store",
		CrcWidth:           16,
		ProcessInterval:    100 * time.Millisecond,
		RetransmitInterval: 1 * time.Second,
		KeepAliveInterval:  10 * time.Second,
	}
}

func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	config := DefaultConfig()
	if err := toml.Unmarshal(raw, config); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(config.Fields) == 0 {
		return nil, fmt.Errorf("%s: no fields configured", path)
	}
	switch config.CrcWidth {
	case 0, 8, 16:
	default:
		return nil, fmt.Errorf("%s: crc_width must be 0, 8 or 16", path)
	}
	return config, nil
}

func (self *Config) FieldDefs() ([]store.FieldDef, error) {
	defs := make([]store.FieldDef, 0, len(self.Fields))
	for _, field := range self.Fields {
		kind, err := parseKind(field.Kind)
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", field.Name, err)
		}
		defs = append(defs, store.FieldDef{
			Name: field.Name,
			Kind: kind,
			Size: field.Size,
		})
	}
	return defs, nil
}

func parseKind(name string) (store.Kind, error) {
	kinds := map[string]store.Kind{
		"bool":    store.KindBool,
		"int8":    store.KindInt8,
		"uint8":   store.KindUint8,
		"int16":   store.KindInt16,
		"uint16":  store.KindUint16,
		"int32":   store.KindInt32,
		"uint32":  store.KindUint32,
		"int64":   store.KindInt64,
		"uint64":  store.KindUint64,
		"float32": store.KindFloat32,
		"float64": store.KindFloat64,
		"blob":    store.KindBlob,
		"string":  store.KindString,
	}
	kind, ok := kinds[name]
	if !ok {
		return 0, fmt.Errorf("unknown kind: %s", name)
	}
	return kind, nil
}
