// Package identity manages Numscull static X25519 identities on disk.
package identity

import (
	"crypto/rand"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/nacl/box"
)

const (
	// KeySize is the length in bytes of a raw X25519 public or secret key.
	KeySize = 32

	identitiesDir = "identities"
	usersDir      = "users"
	serverKeyFile = "server.keypair"
)

var (
	// ErrNotFound is returned when an identity or public key file is absent.
	ErrNotFound = errors.New("identity: not found")
	// ErrMalformed is returned when a keypair file has the wrong size.
	ErrMalformed = errors.New("identity: malformed key file")
)

// KeyPair is a static X25519 public/secret key pair.
type KeyPair struct {
	Public [KeySize]byte
	Secret [KeySize]byte
}

// GenerateKeyPair creates a fresh random X25519 keypair.
func GenerateKeyPair() (KeyPair, error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate keypair: %w", err)
	}
	return KeyPair{Public: *pub, Secret: *sec}, nil
}

// Zero overwrites the secret half of the keypair with zero bytes.
func (kp *KeyPair) Zero() {
	for i := range kp.Secret {
		kp.Secret[i] = 0
	}
}

// Store resolves the on-disk layout rooted at a config directory:
//
//	<config>/identities/<name>  — 64 bytes, pub(32)‖sec(32)
//	<config>/users/<name>.pub   — 32 bytes, public only
//	<config>/server.keypair     — 64 bytes, server's static pub‖sec
type Store struct {
	ConfigDir string
}

// NewStore returns a Store rooted at configDir, creating the directory
// tree if it does not already exist.
func NewStore(configDir string) (*Store, error) {
	s := &Store{ConfigDir: configDir}
	for _, d := range []string{s.identitiesPath(), s.usersPath()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}
	return s, nil
}

func (s *Store) identitiesPath() string { return filepath.Join(s.ConfigDir, identitiesDir) }
func (s *Store) usersPath() string      { return filepath.Join(s.ConfigDir, usersDir) }

func (s *Store) identityFile(name string) string {
	return filepath.Join(s.identitiesPath(), name)
}

func (s *Store) userPubFile(name string) string {
	return filepath.Join(s.usersPath(), name+".pub")
}

func (s *Store) serverKeyFile() string {
	return filepath.Join(s.ConfigDir, serverKeyFile)
}

// CreateIdentity generates a fresh keypair for name and writes both the
// identity file (pub‖sec) and the public-only user file, as the
// create_keypair CLI subcommand requires.
func (s *Store) CreateIdentity(name string) (KeyPair, error) {
	kp, err := GenerateKeyPair()
	if err != nil {
		return KeyPair{}, err
	}
	if err := writeAtomic(s.identityFile(name), append(append([]byte{}, kp.Public[:]...), kp.Secret[:]...), 0600); err != nil {
		return KeyPair{}, fmt.Errorf("write identity: %w", err)
	}
	if err := writeAtomic(s.userPubFile(name), kp.Public[:], 0644); err != nil {
		return KeyPair{}, fmt.Errorf("write user pubkey: %w", err)
	}
	return kp, nil
}

// LoadIdentity reads a client identity's full keypair from
// identities/<name>.
func (s *Store) LoadIdentity(name string) (KeyPair, error) {
	data, err := os.ReadFile(s.identityFile(name))
	if err != nil {
		if os.IsNotExist(err) {
			return KeyPair{}, fmt.Errorf("%w: identity %q", ErrNotFound, name)
		}
		return KeyPair{}, err
	}
	if len(data) != KeySize*2 {
		return KeyPair{}, fmt.Errorf("%w: identity %q", ErrMalformed, name)
	}
	var kp KeyPair
	copy(kp.Public[:], data[:KeySize])
	copy(kp.Secret[:], data[KeySize:])
	return kp, nil
}

// ResolvePublicKey resolves a connecting identity's public key the way
// the reference server does: users/<name>.pub first, falling back to
// the first 32 bytes of identities/<name> if the former is absent.
func (s *Store) ResolvePublicKey(name string) ([KeySize]byte, error) {
	var pub [KeySize]byte
	data, err := os.ReadFile(s.userPubFile(name))
	if err == nil {
		if len(data) != KeySize {
			return pub, fmt.Errorf("%w: user %q", ErrMalformed, name)
		}
		copy(pub[:], data)
		return pub, nil
	}
	if !os.IsNotExist(err) {
		return pub, err
	}

	data, err = os.ReadFile(s.identityFile(name))
	if err != nil {
		if os.IsNotExist(err) {
			return pub, fmt.Errorf("%w: identity %q", ErrNotFound, name)
		}
		return pub, err
	}
	if len(data) < KeySize {
		return pub, fmt.Errorf("%w: identity %q", ErrMalformed, name)
	}
	copy(pub[:], data[:KeySize])
	return pub, nil
}

// RegisterPublicKey writes an identity's public key to users/<name>.pub
// on disk; control/add/user/server calls it, so a registration made at
// runtime survives a server restart.
func (s *Store) RegisterPublicKey(name string, pub [KeySize]byte) error {
	return writeAtomic(s.userPubFile(name), pub[:], 0644)
}

// LoadOrCreateServerKeyPair loads the server's static keypair, or
// generates and persists one on first boot.
func (s *Store) LoadOrCreateServerKeyPair() (KeyPair, error) {
	data, err := os.ReadFile(s.serverKeyFile())
	if err == nil {
		if len(data) != KeySize*2 {
			return KeyPair{}, fmt.Errorf("%w: server.keypair", ErrMalformed)
		}
		var kp KeyPair
		copy(kp.Public[:], data[:KeySize])
		copy(kp.Secret[:], data[KeySize:])
		return kp, nil
	}
	if !os.IsNotExist(err) {
		return KeyPair{}, err
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		return KeyPair{}, err
	}
	if err := writeAtomic(s.serverKeyFile(), append(append([]byte{}, kp.Public[:]...), kp.Secret[:]...), 0600); err != nil {
		return KeyPair{}, fmt.Errorf("write server keypair: %w", err)
	}
	return kp, nil
}

func writeAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return err
	}
	return nil
}
