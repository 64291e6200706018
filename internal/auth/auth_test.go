package auth

import (
	"context"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

const (
	addr1 = "0x1234567890123456789012345678901234567890"
	addr2 = "0xabcdefabcdefabcdefabcdefabcdefabcdefabcd"
)

func TestGenerateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, err := mgr.GenerateKey(ctx, addr1, "Test key")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	if !strings.HasPrefix(rawKey, "sk_") {
		t.Errorf("Expected raw key to start with sk_, got %s", rawKey[:10])
	}
	if len(rawKey) != 67 { // "sk_" + 64 hex chars
		t.Errorf("Expected raw key length 67, got %d", len(rawKey))
	}

	if !strings.HasPrefix(key.ID, "ak_") {
		t.Errorf("Expected key ID to start with ak_, got %s", key.ID)
	}
	if key.Address != common.HexToAddress(addr1) {
		t.Errorf("Expected address to match, got %s", key.Address.Hex())
	}
	if key.Name != "Test key" {
		t.Errorf("Expected name 'Test key', got %s", key.Name)
	}
}

func TestGenerateKey_InvalidAddress(t *testing.T) {
	mgr := NewManager(NewMemoryStore())

	for _, addr := range []string{"", "0xAgent123", "0x1234"} {
		if _, _, err := mgr.GenerateKey(context.Background(), addr, "bad"); err != ErrInvalidAddress {
			t.Errorf("GenerateKey(%q): expected ErrInvalidAddress, got %v", addr, err)
		}
	}
}

func TestValidateKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, _, err := mgr.GenerateKey(ctx, strings.ToUpper(addr2[2:]), "Primary")
	if err != nil {
		t.Fatalf("GenerateKey failed: %v", err)
	}

	key, err := mgr.ValidateKey(ctx, rawKey)
	if err != nil {
		t.Fatalf("ValidateKey failed for valid key: %v", err)
	}
	if key.Address != common.HexToAddress(addr2) {
		t.Errorf("Expected address %s, got %s", addr2, key.Address.Hex())
	}

	if _, err = mgr.ValidateKey(ctx, "Bearer "+rawKey); err != nil {
		t.Errorf("ValidateKey failed with Bearer prefix: %v", err)
	}

	_, err = mgr.ValidateKey(ctx, "sk_wrongkey12345678901234567890123456789012345678901234567890")
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for wrong key, got: %v", err)
	}

	_, err = mgr.ValidateKey(ctx, "")
	if err != ErrNoAPIKey {
		t.Errorf("Expected ErrNoAPIKey for empty key, got: %v", err)
	}

	_, err = mgr.ValidateKey(ctx, "not_a_valid_key")
	if err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey for malformed key, got: %v", err)
	}
}

func TestListKeys(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	mgr.GenerateKey(ctx, addr1, "Key 1")
	mgr.GenerateKey(ctx, addr1, "Key 2")
	mgr.GenerateKey(ctx, addr2, "Key 3")

	keys, err := mgr.ListKeys(ctx, common.HexToAddress(addr1))
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 2 {
		t.Errorf("Expected 2 keys for addr1, got %d", len(keys))
	}

	keys, err = mgr.ListKeys(ctx, common.HexToAddress(addr2))
	if err != nil {
		t.Fatalf("ListKeys failed: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("Expected 1 key for addr2, got %d", len(keys))
	}
}

func TestRevokeKey(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, key, _ := mgr.GenerateKey(ctx, addr1, "To revoke")

	if _, err := mgr.ValidateKey(ctx, rawKey); err != nil {
		t.Errorf("Key should be valid before revoke")
	}

	if err := mgr.RevokeKey(ctx, key.ID, common.HexToAddress(addr2)); err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound revoking another address's key, got: %v", err)
	}

	if err := mgr.RevokeKey(ctx, key.ID, common.HexToAddress(addr1)); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}

	if _, err := mgr.ValidateKey(ctx, rawKey); err != ErrInvalidAPIKey {
		t.Errorf("Expected ErrInvalidAPIKey after revoke, got: %v", err)
	}

	if err := mgr.RevokeKey(ctx, key.ID, common.HexToAddress(addr1)); err != ErrKeyNotFound {
		t.Errorf("Expected ErrKeyNotFound on second revoke, got: %v", err)
	}
}

func TestMemoryStore_UpdateKeepsRevocation(t *testing.T) {
	store := NewMemoryStore()
	mgr := NewManager(store)
	ctx := context.Background()

	_, key, _ := mgr.GenerateKey(ctx, addr1, "k")
	stale := *key

	if err := mgr.RevokeKey(ctx, key.ID, key.Address); err != nil {
		t.Fatalf("RevokeKey failed: %v", err)
	}

	// A late last-used write from before the revocation must not revive it
	if err := store.Update(ctx, &stale); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	keys, _ := store.GetByAddress(ctx, key.Address)
	if len(keys) != 1 || !keys[0].Revoked {
		t.Errorf("Expected key to stay revoked")
	}
}

func TestKeyHashNotExposed(t *testing.T) {
	mgr := NewManager(NewMemoryStore())
	ctx := context.Background()

	rawKey, _, _ := mgr.GenerateKey(ctx, addr1, "Test")
	key, _ := mgr.ValidateKey(ctx, rawKey)

	if key.Hash == rawKey {
		t.Error("Hash should not equal raw key")
	}
	if key.Hash == "" {
		t.Error("Hash should be set")
	}
}
