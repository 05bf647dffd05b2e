package evoauth

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/pkg/errors"
)

// TimestampLayout is the vendor's token expiry format: ISO-8601 with a
// numeric zone offset.  Bundles persist their expiries in the same layout
// so a saved bundle round-trips exactly.
const TimestampLayout = "2006-01-02T15:04:05Z07:00"

// The offset sometimes arrives without the colon ("+0300")
const compactTimestampLayout = "2006-01-02T15:04:05Z0700"

// ParseTimestamp parses a vendor expiry in either offset form.
func ParseTimestamp(s string) (time.Time, error) {
	t, err := time.Parse(TimestampLayout, s)
	if err == nil {
		return t, nil
	}
	if t, err2 := time.Parse(compactTimestampLayout, s); err2 == nil {
		return t, nil
	}
	return time.Time{}, err
}

// Bundle is the credential set returned by login or refresh.  A present
// access token with a zero expiry counts as already expired.
type Bundle struct {
	AccessToken   string
	AccessExpiry  time.Time
	RefreshToken  string
	RefreshExpiry time.Time
}

// IsZero reports whether the bundle holds no credentials at all.
func (b Bundle) IsZero() bool {
	return b.AccessToken == "" && b.RefreshToken == ""
}

func hashOf(s string) string {
	sum := sha1.Sum([]byte(s))
	return base64.StdEncoding.EncodeToString(sum[:])
}

// obfuscate tokens when stringified
func (b Bundle) String() string {
	return fmt.Sprintf("accessToken [%s]  accessExpiry [%s]  refreshToken [%s]  refreshExpiry [%s]",
		hashOf(b.AccessToken), b.AccessExpiry, hashOf(b.RefreshToken), b.RefreshExpiry)
}

// Store persists the credential bundle between runs.
type Store interface {
	Load() (Bundle, error)
	Save(Bundle) error
}

// Version of the bundle that we marshal/unmarshal.  Field names match the
// token file the original mobile client writes; cleared fields are null.
type bundleMarshal struct {
	Token         *string `json:"token"`
	TokenExpire   *string `json:"tokenexpire"`
	RefreshToken  *string `json:"refreshtoken"`
	RefreshExpire *string `json:"refreshexpire"`
}

type FileStore struct {
	fileName string
}

func NewFileStore(fileName string) *FileStore {
	return &FileStore{fileName: fileName}
}

func (s *FileStore) Save(b Bundle) error {
	sm := bundleMarshal{}
	if b.AccessToken != "" {
		sm.Token = &b.AccessToken
	}
	if !b.AccessExpiry.IsZero() {
		v := b.AccessExpiry.Format(TimestampLayout)
		sm.TokenExpire = &v
	}
	if b.RefreshToken != "" {
		sm.RefreshToken = &b.RefreshToken
	}
	if !b.RefreshExpiry.IsZero() {
		v := b.RefreshExpiry.Format(TimestampLayout)
		sm.RefreshExpire = &v
	}

	file, err := os.OpenFile(s.fileName, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrapf(err, "opening token file %s for write", s.fileName)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(sm); err != nil {
		return errors.Wrapf(err, "saving tokens to %s", s.fileName)
	}

	return nil
}

func (s *FileStore) Load() (Bundle, error) {
	sm := bundleMarshal{}

	file, err := os.Open(s.fileName)
	if err != nil {
		return Bundle{}, errors.Wrapf(err, "opening token file %s for read", s.fileName)
	}
	defer file.Close()

	if err := json.NewDecoder(file).Decode(&sm); err != nil {
		return Bundle{}, errors.Wrapf(err, "loading tokens from %s", s.fileName)
	}

	b := Bundle{}
	if sm.Token != nil {
		b.AccessToken = *sm.Token
	}
	if sm.RefreshToken != nil {
		b.RefreshToken = *sm.RefreshToken
	}
	if sm.TokenExpire != nil {
		t, err := ParseTimestamp(*sm.TokenExpire)
		if err != nil {
			return Bundle{}, errors.Wrapf(err, "parsing token expiry from %s", s.fileName)
		}
		b.AccessExpiry = t
	}
	if sm.RefreshExpire != nil {
		t, err := ParseTimestamp(*sm.RefreshExpire)
		if err != nil {
			return Bundle{}, errors.Wrapf(err, "parsing refresh expiry from %s", s.fileName)
		}
		b.RefreshExpiry = t
	}

	return b, nil
}
