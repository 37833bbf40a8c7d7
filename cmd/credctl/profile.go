package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

const (
	defaultRPCURL        = "http://127.0.0.1:8547/rpc"
	defaultPassphraseEnv = "CREDCTL_PASSPHRASE"
	defaultProfileName   = ".credctl.toml"
)

// Profile holds the operator settings credctl reads on every invocation.
type Profile struct {
	RPCURL        string `toml:"RPCURL"`
	Keystore      string `toml:"Keystore"`
	PassphraseEnv string `toml:"PassphraseEnv"`
	JWTSecretEnv  string `toml:"JWTSecretEnv"`
	JWTIssuer     string `toml:"JWTIssuer"`
	JWTAudience   string `toml:"JWTAudience"`
}

func defaultProfilePath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return defaultProfileName
	}
	return filepath.Join(home, defaultProfileName)
}

// loadProfile reads the profile at path, writing a default one when the file
// does not exist yet.
func loadProfile(path string) (*Profile, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return createDefaultProfile(path)
	}
	profile := &Profile{}
	meta, err := toml.DecodeFile(path, profile)
	if err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("profile %s: unknown key %s", path, undecoded[0].String())
	}
	profile.applyDefaults(path)
	return profile, nil
}

func createDefaultProfile(path string) (*Profile, error) {
	profile := &Profile{}
	profile.applyDefaults(path)
	if err := saveProfile(path, profile); err != nil {
		return nil, err
	}
	return profile, nil
}

func (p *Profile) applyDefaults(path string) {
	if strings.TrimSpace(p.RPCURL) == "" {
		p.RPCURL = defaultRPCURL
	}
	if strings.TrimSpace(p.Keystore) == "" {
		p.Keystore = filepath.Join(filepath.Dir(path), ".credctl", "operator.keystore")
	}
	if strings.TrimSpace(p.PassphraseEnv) == "" {
		p.PassphraseEnv = defaultPassphraseEnv
	}
	if strings.TrimSpace(p.JWTSecretEnv) == "" {
		p.JWTSecretEnv = "CREDENTIALD_JWT_SECRET"
	}
}

func saveProfile(path string, profile *Profile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(profile)
}
