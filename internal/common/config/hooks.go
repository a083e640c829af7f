package config

import (
	"reflect"
	"strconv"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// ByteSize is a size in bytes that may be written in config as a plain number or with a KB/MB/GB suffix.
type ByteSize int64

var CustomHooks = []viper.DecoderConfigOption{
	viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		ByteSizeDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)),
}

var byteSizeSuffixes = []struct {
	suffix     string
	multiplier int64
}{
	{"GB", 1024 * 1024 * 1024},
	{"MB", 1024 * 1024},
	{"KB", 1024},
	{"B", 1},
}

func ByteSizeDecodeHook() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if t != reflect.TypeOf(ByteSize(0)) || f.Kind() != reflect.String {
			return data, nil
		}
		return ParseByteSize(data.(string))
	}
}

func ParseByteSize(s string) (ByteSize, error) {
	value := strings.ToUpper(strings.TrimSpace(s))
	for _, unit := range byteSizeSuffixes {
		if strings.HasSuffix(value, unit.suffix) {
			n, err := strconv.ParseFloat(strings.TrimSpace(strings.TrimSuffix(value, unit.suffix)), 64)
			if err != nil {
				return 0, errors.Wrapf(err, "invalid byte size %q", s)
			}
			return ByteSize(n * float64(unit.multiplier)), nil
		}
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "invalid byte size %q", s)
	}
	return ByteSize(n), nil
}
