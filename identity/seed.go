package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/ruteri/enrollment-gateway/cryptoutils"
	"github.com/ruteri/enrollment-gateway/interfaces"
	"github.com/spf13/viper"
)

// SeedMember is a member declared in the bootstrap file. Key is the clear
// device key; only its hash is stored.
type SeedMember struct {
	Email       string `mapstructure:"email"`
	Label       string `mapstructure:"label"`
	Profile     string `mapstructure:"profile"`
	Key         string `mapstructure:"key"`
	DeviceLabel string `mapstructure:"device_label"`
}

// LoadSeedFile reads the "members" list of a YAML, JSON or TOML file:
//
//	members:
//	  - email: alice@example.com
//	    profile: ADMIN
//	    key: P@ssw0rd.
func LoadSeedFile(path string) ([]SeedMember, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read members file: %w", err)
	}

	var members []SeedMember
	if err := v.UnmarshalKey("members", &members); err != nil {
		return nil, fmt.Errorf("failed to parse members file: %w", err)
	}
	return members, nil
}

// Seed admits every seed member that is not yet in the directory and returns
// how many were added.
func (d *Directory) Seed(ctx context.Context, seeds []SeedMember) (int, error) {
	added := 0
	for _, seed := range seeds {
		if seed.Email == "" || seed.Key == "" {
			return added, fmt.Errorf("seed member needs an email and a key")
		}

		profile := interfaces.ProfileStandard
		if seed.Profile != "" {
			p, err := interfaces.ParseProfile(seed.Profile)
			if err != nil {
				return added, fmt.Errorf("seed member %s: %w", seed.Email, err)
			}
			profile = p
		}

		keyHash, err := cryptoutils.HashKey(seed.Key)
		if err != nil {
			return added, err
		}

		deviceLabel := seed.DeviceLabel
		if deviceLabel == "" {
			deviceLabel = "bootstrap"
		}

		err = d.AddMember(ctx, interfaces.Member{
			Email:   seed.Email,
			Label:   seed.Label,
			Profile: profile,
			Devices: []interfaces.Device{{Label: deviceLabel, KeyHash: keyHash}},
		})
		if errors.Is(err, interfaces.ErrClaimerAlreadyMember) {
			continue
		}
		if err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}
