package storage

import (
	"bytes"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestSettings(t *testing.T) (*Settings, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "settings.db")
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, path
}

func TestSettingsGetSet(t *testing.T) {
	s, _ := openTestSettings(t)

	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.Set("blob", []byte{0, 1, 2}))
	value, err := s.Get("blob")
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 1, 2}, value)

	require.NoError(t, s.SetString("blob", "replaced"))
	str, err := s.GetString("blob")
	require.NoError(t, err)
	assert.Equal(t, "replaced", str)

	require.NoError(t, s.Set("empty", nil))
	value, err = s.Get("empty")
	require.NoError(t, err)
	assert.Empty(t, value)

	keys, err := s.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"blob", "empty"}, keys)

	require.NoError(t, s.Delete("blob"))
	require.NoError(t, s.Delete("blob"))
	_, err = s.Get("blob")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSettingsBool(t *testing.T) {
	s, _ := openTestSettings(t)

	tests := []struct {
		name     string
		stored   string
		fallback bool
		expected bool
		wantErr  bool
	}{
		{"unset uses fallback", "", true, true, false},
		{"stored true", "true", false, true, false},
		{"stored false", "false", true, false, false},
		{"garbage", "maybe", true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.NoError(t, s.Delete("flag"))
			if tt.stored != "" {
				require.NoError(t, s.SetString("flag", tt.stored))
			}
			got, err := s.GetBool("flag", tt.fallback)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expected, got)
		})
	}
}

func TestClusterSecretGeneratedOnce(t *testing.T) {
	s, path := openTestSettings(t)

	var wg sync.WaitGroup
	secrets := make([][]byte, 8)
	for i := range secrets {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			secret, err := s.ClusterSecret()
			assert.NoError(t, err)
			secrets[i] = secret
		}(i)
	}
	wg.Wait()

	require.Len(t, secrets[0], ClusterSecretSize)
	for _, secret := range secrets[1:] {
		assert.Equal(t, secrets[0], secret)
	}

	// survives reopening
	require.NoError(t, s.Close())
	reopened, err := Open(path)
	require.NoError(t, err)
	defer reopened.Close()

	secret, err := reopened.ClusterSecret()
	require.NoError(t, err)
	assert.Equal(t, secrets[0], secret)
}

func TestSetClusterSecret(t *testing.T) {
	s, _ := openTestSettings(t)

	assert.ErrorIs(t, s.SetClusterSecret([]byte("short")), ErrInvalidSecret)

	want := bytes.Repeat([]byte{0xab}, ClusterSecretSize)
	require.NoError(t, s.SetClusterSecret(want))
	got, err := s.ClusterSecret()
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestAdminCredentials(t *testing.T) {
	s, _ := openTestSettings(t)

	_, _, err := s.AdminCredentials()
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Error(t, s.SetAdminCredentials("", "pw"))
	require.NoError(t, s.SetAdminCredentials("admin", "s3cret"))

	user, pass, err := s.AdminCredentials()
	require.NoError(t, err)
	assert.Equal(t, "admin", user)
	assert.Equal(t, "s3cret", pass)
}

func TestAcceptIncoming(t *testing.T) {
	s, _ := openTestSettings(t)

	accept, err := s.AcceptIncoming()
	require.NoError(t, err)
	assert.True(t, accept)

	require.NoError(t, s.SetAcceptIncoming(false))
	accept, err = s.AcceptIncoming()
	require.NoError(t, err)
	assert.False(t, accept)
}
