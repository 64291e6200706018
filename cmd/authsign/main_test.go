package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/bountyledger/internal/escrow"
)

func noEnv(string) string { return "" }

func field(t *testing.T, out, name string) string {
	t.Helper()
	for _, line := range strings.Split(out, "\n") {
		if v, ok := strings.CutPrefix(line, name+":"); ok {
			return strings.TrimSpace(v)
		}
	}
	t.Fatalf("no %q line in output:\n%s", name, out)
	return ""
}

func TestRunSignsRecoverableAuthorization(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyHex := hexutil.Encode(crypto.FromECDSA(key))

	submitter := common.HexToAddress("0x00000000000000000000000000000000000A11CE")
	beneficiary := common.HexToAddress("0x0000000000000000000000000000000000000B0B")

	var out bytes.Buffer
	err = run([]string{
		"-key", keyHex,
		"-id", "3",
		"-submitter", submitter.Hex(),
		"-beneficiary", beneficiary.Hex(),
		"-reference", "ipfs://report",
	}, noEnv, &out)
	require.NoError(t, err)

	want, err := escrow.AuthorizationDigest(3, submitter, beneficiary, "ipfs://report")
	require.NoError(t, err)
	assert.Equal(t, want.Hex(), field(t, out.String(), "digest"))

	sig, err := hexutil.Decode(field(t, out.String(), "signature"))
	require.NoError(t, err)
	signer, err := escrow.RecoverAuthorizer(want, sig)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), signer)
}

func TestRunSignsDigestWithEnvKey(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	env := func(k string) string {
		if k == "AUTHORIZER_KEY" {
			return hexutil.Encode(crypto.FromECDSA(key))
		}
		return ""
	}

	digest := crypto.Keccak256Hash([]byte("anything"))
	var out bytes.Buffer
	require.NoError(t, run([]string{"-digest", digest.Hex()}, env, &out))

	sig, err := hexutil.Decode(field(t, out.String(), "signature"))
	require.NoError(t, err)
	signer, err := escrow.RecoverAuthorizer(digest, sig)
	require.NoError(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(key.PublicKey), signer)
}

func TestRunRejectsBadInput(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	keyHex := hexutil.Encode(crypto.FromECDSA(key))

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing key", []string{"-id", "1"}, "private key is required"},
		{"bad key", []string{"-key", "zz"}, "invalid private key"},
		{"missing id", []string{"-key", keyHex}, "-id is required"},
		{"bad address", []string{"-key", keyHex, "-id", "1", "-submitter", "nope", "-beneficiary", "nope"}, "hex addresses"},
		{"short digest", []string{"-key", keyHex, "-digest", "0x1234"}, "32 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := run(tt.args, noEnv, &bytes.Buffer{})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
