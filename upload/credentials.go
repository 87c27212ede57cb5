package upload

import (
	"os"
	"strings"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
)

// Credentials configure the cloud endpoint. A partially filled file leaves
// the uploader disabled.
type Credentials struct {
	ServerURL string `toml:"server"`
	Username  string `toml:"user"`
	Password  string `toml:"pass"`
}

// Complete reports whether the credentials are usable for uploads.
func (c Credentials) Complete() bool {
	return c.ServerURL != "" && c.Username != "" && c.Password != ""
}

// LoadCredentials reads cloud credentials from a toml file at path. A
// missing file is not an error, it yields disabled credentials.
func LoadCredentials(path string) (Credentials, error) {
	creds := Credentials{}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return creds, nil
		}
		return creds, errors.Wrap(err, "read credentials")
	}
	if err := toml.Unmarshal(data, &creds); err != nil {
		return creds, errors.Wrap(err, "parse credentials")
	}
	creds.ServerURL = strings.TrimRight(creds.ServerURL, "/")
	return creds, nil
}
