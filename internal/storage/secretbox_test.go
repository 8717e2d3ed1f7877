package storage

import (
	"bytes"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSecretBox(t *testing.T) *SecretBox {
	t.Helper()
	box, err := NewSecretBox(bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	return box
}

func TestSecretBox_SealOpen(t *testing.T) {
	box := testSecretBox(t)

	sealed, err := box.Seal("AIzaSy-test-key")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "AIzaSy")

	again, err := box.Seal("AIzaSy-test-key")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonces must differ")

	plain, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "AIzaSy-test-key", plain)
}

func TestSecretBox_OpenRejectsTampering(t *testing.T) {
	box := testSecretBox(t)
	sealed, err := box.Seal("gsk_live")
	require.NoError(t, err)

	raw, _ := base64.StdEncoding.DecodeString(sealed)
	raw[len(raw)-1] ^= 0xff
	_, err = box.Open(base64.StdEncoding.EncodeToString(raw))
	assert.Error(t, err)

	_, err = box.Open("###")
	assert.Error(t, err)

	_, err = box.Open(base64.StdEncoding.EncodeToString([]byte("short")))
	assert.Error(t, err)
}

func TestSecretBox_Fingerprint(t *testing.T) {
	box := testSecretBox(t)
	other, err := NewSecretBox(bytes.Repeat([]byte{9}, 32))
	require.NoError(t, err)

	fp := box.Fingerprint("hf_abc")
	assert.Len(t, fp, 16)
	assert.Equal(t, fp, box.Fingerprint("hf_abc"))
	assert.NotEqual(t, fp, box.Fingerprint("hf_abd"))
	assert.NotEqual(t, fp, other.Fingerprint("hf_abc"))
}

func TestNewSecretBox_Keys(t *testing.T) {
	_, err := NewSecretBox([]byte("too short"))
	assert.Error(t, err)

	_, err = NewSecretBoxFromBase64("")
	assert.Error(t, err)

	key, err := GenerateKey()
	require.NoError(t, err)
	box, err := NewSecretBoxFromBase64(key)
	require.NoError(t, err)
	assert.NotNil(t, box)
}
