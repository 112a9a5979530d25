// Package auth checks signed requests against the access file.
//
// A request carries user, timestamp and hash where hash is the hex MD5 of
// user + timestamp + key. Artifacts flagged public may be read without a
// signature; writes always need a valid signature from a user with write
// access to the artifact.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jonboulle/clockwork"
	"gopkg.in/yaml.v3"

	"github.com/fruitsalade/sds/internal/metrics"
	"github.com/fruitsalade/sds/pkg/protocol"
)

var (
	ErrUnauthorized    = errors.New("unauthorized")
	ErrUnknownArtifact = errors.New("unknown artifact")
)

// AccessFile is the YAML document listing artifacts and users.
type AccessFile struct {
	Artifacts []ArtifactConfig `yaml:"artifacts"`
	Users     []UserConfig     `yaml:"users"`
}

type ArtifactConfig struct {
	Name   string `yaml:"name"`
	Public bool   `yaml:"public"`
}

type UserConfig struct {
	Name      string   `yaml:"name"`
	Key       string   `yaml:"key"`
	Artifacts []string `yaml:"artifacts"` // "*" grants every artifact
	Write     bool     `yaml:"write"`
}

func (u UserConfig) grants(artifact string) bool {
	for _, a := range u.Artifacts {
		if a == "*" || a == artifact {
			return true
		}
	}
	return false
}

// Request is the signature material of one HTTP request.
type Request struct {
	Artifact  string
	User      string
	Hash      string
	Timestamp int64
	Write     bool
}

// Authorizer decides whether a request may touch an artifact.
type Authorizer struct {
	artifacts map[string]ArtifactConfig
	users     map[string]UserConfig
	clock     clockwork.Clock
}

// Load reads and parses an access file.
func Load(path string, clock clockwork.Clock) (*Authorizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read access file: %w", err)
	}
	return Parse(data, clock)
}

// Parse builds an Authorizer from YAML.
func Parse(data []byte, clock clockwork.Clock) (*Authorizer, error) {
	var f AccessFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse access file: %w", err)
	}
	return New(f, clock)
}

// New validates f and builds an Authorizer.
func New(f AccessFile, clock clockwork.Clock) (*Authorizer, error) {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	a := &Authorizer{
		artifacts: make(map[string]ArtifactConfig, len(f.Artifacts)),
		users:     make(map[string]UserConfig, len(f.Users)),
		clock:     clock,
	}
	for _, art := range f.Artifacts {
		if art.Name == "" {
			return nil, fmt.Errorf("artifact without name")
		}
		if _, dup := a.artifacts[art.Name]; dup {
			return nil, fmt.Errorf("duplicate artifact %q", art.Name)
		}
		a.artifacts[art.Name] = art
	}
	for _, u := range f.Users {
		if u.Name == "" {
			return nil, fmt.Errorf("user without name")
		}
		if u.Key == "" {
			return nil, fmt.Errorf("user %q has no key", u.Name)
		}
		if _, dup := a.users[u.Name]; dup {
			return nil, fmt.Errorf("duplicate user %q", u.Name)
		}
		a.users[u.Name] = u
	}
	return a, nil
}

// Artifacts returns the configured artifact names in order.
func (a *Authorizer) Artifacts() []string {
	names := make([]string, 0, len(a.artifacts))
	for n := range a.artifacts {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Authorize returns nil when req may proceed. An artifact missing from the
// access file yields ErrUnknownArtifact, everything else ErrUnauthorized.
func (a *Authorizer) Authorize(req Request) error {
	err := a.authorize(req)
	metrics.RecordAuthAttempt(err == nil)
	return err
}

func (a *Authorizer) authorize(req Request) error {
	art, ok := a.artifacts[req.Artifact]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownArtifact, req.Artifact)
	}
	if art.Public && !req.Write {
		return nil
	}
	u, err := a.verify(req.User, req.Hash, req.Timestamp)
	if err != nil {
		return err
	}
	if !u.grants(req.Artifact) {
		return fmt.Errorf("%w: %s may not access %s", ErrUnauthorized, req.User, req.Artifact)
	}
	if req.Write && !u.Write {
		return fmt.Errorf("%w: %s has no write access", ErrUnauthorized, req.User)
	}
	return nil
}

// verify checks the signature and its age.
func (a *Authorizer) verify(user, hash string, timestamp int64) (UserConfig, error) {
	if user == "" || hash == "" {
		return UserConfig{}, fmt.Errorf("%w: missing credentials", ErrUnauthorized)
	}
	u, ok := a.users[user]
	if !ok {
		return UserConfig{}, fmt.Errorf("%w: unknown user %s", ErrUnauthorized, user)
	}
	age := a.clock.Now().Sub(time.Unix(timestamp, 0))
	if age > protocol.SignatureMaxAge || age < -protocol.SignatureMaxAge {
		return UserConfig{}, fmt.Errorf("%w: stale timestamp", ErrUnauthorized)
	}
	want := protocol.Sign(user, timestamp, u.Key)
	if subtle.ConstantTimeCompare([]byte(want), []byte(hash)) != 1 {
		return UserConfig{}, fmt.Errorf("%w: bad signature", ErrUnauthorized)
	}
	return u, nil
}

// Visible lists the artifacts the caller may read: every public artifact,
// plus those granted to the user when the signature is valid.
func (a *Authorizer) Visible(user, hash string, timestamp int64) []protocol.ArtifactInfo {
	u, err := a.verify(user, hash, timestamp)
	signed := err == nil

	out := []protocol.ArtifactInfo{}
	for _, name := range a.Artifacts() {
		art := a.artifacts[name]
		if art.Public || (signed && u.grants(name)) {
			out = append(out, protocol.ArtifactInfo{Name: name, Public: art.Public})
		}
	}
	return out
}
