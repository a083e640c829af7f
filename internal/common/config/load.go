package config

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

const envPrefix = "LCG"

// LoadConfig reads config.yaml from the given directory, applies any additional files given by userSpecifiedConfigs
// on top, binds LCG_ prefixed environment overrides and unmarshals the result into config.
func LoadConfig(config interface{}, defaultPath string, userSpecifiedConfigs []string) *viper.Viper {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath(defaultPath)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			log.Errorf("Error reading base config path=%s: %v", defaultPath, err)
			return nil
		}
		log.Debugf("No base config found in %s, using defaults", defaultPath)
	} else {
		log.Infof("Read base config from %s", v.ConfigFileUsed())
	}

	for _, configPath := range userSpecifiedConfigs {
		v.SetConfigFile(configPath)
		if err := v.MergeInConfig(); err != nil {
			log.Errorf("Error reading config from %s: %v", configPath, err)
			return nil
		}
		log.Infof("Read config from %s", v.ConfigFileUsed())
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	if err := v.Unmarshal(config, CustomHooks...); err != nil {
		log.Errorf("Error unmarshalling config: %v", err)
		return nil
	}
	return v
}

// Validate runs struct tag validation over the supplied configuration, logging every failing field.
func Validate(config interface{}) error {
	err := validator.New().Struct(config)
	if err != nil {
		LogValidationErrors(err)
		return errors.Wrap(err, "invalid configuration")
	}
	return nil
}
