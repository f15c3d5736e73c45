package crawler

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-viper/mapstructure/v2"
)

// ErrInvalidOption is returned for unrecognized or malformed stage options.
var ErrInvalidOption = errors.New("invalid option")

// DecodeOptions decodes opts into dst (a pointer to a struct with mapstructure
// tags). Unknown keys are rejected.
func DecodeOptions(opts Options, dst any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		ErrorUnused:      true,
		WeaklyTypedInput: true,
		Result:           dst,
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		),
	})
	if err != nil {
		return fmt.Errorf("build option decoder: %w", err)
	}
	if err := decoder.Decode(map[string]any(opts)); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidOption, err)
	}
	return nil
}

// configureStrategy hands opts to the strategy, or rejects them when the
// strategy takes no options.
func configureStrategy(stage Stage, strategy any, opts Options) error {
	if c, ok := strategy.(Configurer); ok {
		if err := c.Configure(opts); err != nil {
			return fmt.Errorf("%s options: %w", stage, err)
		}
		return nil
	}
	if len(opts) > 0 {
		return fmt.Errorf("%s options: %w: unrecognized keys %s", stage, ErrInvalidOption, optionKeys(opts))
	}
	return nil
}

// feederStageOptions are the keys consumed by the Feeder stage itself.
type feederStageOptions struct {
	Seeds []string `mapstructure:"seeds"`
}

// splitFeederOptions separates stage-level keys from strategy keys.
func splitFeederOptions(opts Options) (feederStageOptions, Options, error) {
	stage := Options{}
	rest := Options{}
	for k, v := range opts {
		if k == "seeds" {
			stage[k] = v
			continue
		}
		rest[k] = v
	}
	var out feederStageOptions
	if err := DecodeOptions(stage, &out); err != nil {
		return feederStageOptions{}, nil, fmt.Errorf("%s options: %w", StageFeeder, err)
	}
	seeds := out.Seeds[:0]
	for _, s := range out.Seeds {
		if s = strings.TrimSpace(s); s != "" {
			seeds = append(seeds, s)
		}
	}
	out.Seeds = seeds
	return out, rest, nil
}

func optionKeys(opts Options) string {
	keys := make([]string, 0, len(opts))
	for k := range opts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return strings.Join(keys, ", ")
}
