package common

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog/log"
)

//go:embed config.default.yaml
var defaultConfig []byte

// ConfigManager layers configuration sources on top of the embedded
// defaults: /etc/sandboxd.d/*, the file named by CONFIG_PATH, and finally
// the CONFIG_JSON environment variable.
type ConfigManager[T any] struct {
	kf  *koanf.Koanf
	tag string
}

func NewConfigManager[T any]() (*ConfigManager[T], error) {
	cm := &ConfigManager[T]{
		kf:  koanf.New("."),
		tag: "key",
	}

	err := cm.LoadConfig(YAMLConfigFormat, rawbytes.Provider(defaultConfig))
	if err != nil {
		return nil, err
	}

	// Attempt to load configs from /etc/sandboxd.d/
	for ext := range parserMap {
		if matches, err := filepath.Glob(fmt.Sprintf("/etc/sandboxd.d/*%s", ext)); err == nil {
			sort.Strings(matches)
			for _, path := range matches {
				if err := cm.LoadConfig(ext, file.Provider(path)); err != nil {
					log.Error().Str("path", path).Err(err).Msg("failed to load config")
				}
			}
		}
	}

	cp := os.Getenv("CONFIG_PATH")
	ce := filepath.Ext(cp)
	if cp != "" && ce != "" {
		if err := cm.LoadConfig(ConfigFormat(ce), file.Provider(cp)); err != nil {
			return nil, err
		}
	}

	configJson := os.Getenv("CONFIG_JSON")
	if configJson != "" {
		if err := cm.LoadConfig(JSONConfigFormat, rawbytes.Provider([]byte(configJson))); err != nil {
			log.Error().Err(err).Msg("failed to load config from CONFIG_JSON")
		} else {
			cm.tag = "json"
		}
	}

	if cm.kf.Bool("debugMode") {
		log.Info().Str("config", cm.Print()).Msg("debug mode enabled. current configuration")
	}

	return cm, nil
}

func (cm *ConfigManager[T]) Print() string {
	return cm.kf.Sprint()
}

func (cm *ConfigManager[T]) GetConfig() T {
	var c T

	err := cm.kf.UnmarshalWithConf("", &c, koanf.UnmarshalConf{Tag: cm.tag, FlatPaths: false})
	if err != nil {
		log.Error().Err(err).Msg("failed to unmarshal config")
		os.Exit(1)
	}

	return c
}

func (cm *ConfigManager[T]) LoadConfig(format ConfigFormat, provider koanf.Provider) error {
	parser, err := GetConfigParser(format)
	if err != nil {
		return err
	}

	return cm.kf.Load(provider, parser)
}

var (
	JSONConfigFormat ConfigFormat = ".json"
	YAMLConfigFormat ConfigFormat = ".yaml"
	YMLConfigFormat  ConfigFormat = ".yml"

	parserMap map[ConfigFormat]ParserFunc = map[ConfigFormat]ParserFunc{
		JSONConfigFormat: jsonParserFunc,
		YAMLConfigFormat: yamlParserFunc,
		YMLConfigFormat:  yamlParserFunc,
	}
)

type ConfigFormat string

type ParserFunc func() (koanf.Parser, error)

func GetConfigParser(format ConfigFormat) (koanf.Parser, error) {
	if parserFunc, ok := parserMap[format]; ok {
		return parserFunc()
	}
	return nil, errors.New("parser not found for format" + string(format))
}

func jsonParserFunc() (koanf.Parser, error) {
	return json.Parser(), nil
}

func yamlParserFunc() (koanf.Parser, error) {
	return yaml.Parser(), nil
}
