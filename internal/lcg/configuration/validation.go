package configuration

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"

	commonconfig "github.com/armadaproject/lcg/internal/common/config"
)

func ValidateLCGConfiguration(config LCGConfiguration) error {
	if err := commonconfig.Validate(config); err != nil {
		return err
	}
	for _, ce := range config.Requirements.ExcludedCEs {
		if slices.Contains(config.Requirements.AllowedCEs, ce) {
			return errors.Errorf("cannot have the same value in both allowedCEs and excludedCEs. Value found in both lists \"%s\"", ce)
		}
	}
	if config.Sandbox.Cache == "s3" && config.Sandbox.S3.Bucket == "" {
		return errors.New("sandbox cache s3 requires a bucket")
	}
	if config.Sandbox.Cache == "local" && config.Sandbox.Local.Directory == "" {
		return errors.New("sandbox cache local requires a directory")
	}
	if config.Notifier.Type == "redis" && config.Notifier.Redis.Addr == "" {
		return errors.New("redis notifier requires an address")
	}
	return nil
}
