package identity

import (
	"os"
	"testing"
)

func TestCreateAndResolve(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	kp, err := store.CreateIdentity("alice")
	if err != nil {
		t.Fatalf("CreateIdentity: %v", err)
	}

	loaded, err := store.LoadIdentity("alice")
	if err != nil {
		t.Fatalf("LoadIdentity: %v", err)
	}
	if loaded.Public != kp.Public || loaded.Secret != kp.Secret {
		t.Fatalf("loaded identity does not match created identity")
	}

	pub, err := store.ResolvePublicKey("alice")
	if err != nil {
		t.Fatalf("ResolvePublicKey: %v", err)
	}
	if pub != kp.Public {
		t.Fatalf("resolved public key mismatch")
	}
}

func TestResolvePublicKeyFallsBackToIdentityFile(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	combined := append(append([]byte{}, kp.Public[:]...), kp.Secret[:]...)
	if err := os.WriteFile(store.identityFile("bob"), combined, 0600); err != nil {
		t.Fatalf("write identity file: %v", err)
	}

	pub, err := store.ResolvePublicKey("bob")
	if err != nil {
		t.Fatalf("ResolvePublicKey: %v", err)
	}
	if pub != kp.Public {
		t.Fatalf("resolved public key mismatch via fallback")
	}
}

func TestResolvePublicKeyUnknown(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if _, err := store.ResolvePublicKey("mallory"); err == nil {
		t.Fatalf("expected error for unknown identity")
	}
}

func TestLoadOrCreateServerKeyPairPersists(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(dir)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}

	first, err := store.LoadOrCreateServerKeyPair()
	if err != nil {
		t.Fatalf("LoadOrCreateServerKeyPair: %v", err)
	}
	second, err := store.LoadOrCreateServerKeyPair()
	if err != nil {
		t.Fatalf("LoadOrCreateServerKeyPair (reload): %v", err)
	}
	if first.Public != second.Public || first.Secret != second.Secret {
		t.Fatalf("server keypair not stable across reload")
	}
}
