package credentials

import (
	"context"
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"
)

func TestStatic(t *testing.T) {
	t.Parallel()

	src := map[string]string{"username": "u"}
	p := NewStatic(map[string]map[string]string{"sftp-main": src})
	src["username"] = "changed"

	creds, err := p.Get(context.Background(), "sftp-main")
	require.NoError(t, err)
	require.Equal(t, "u", creds["username"])

	_, err = p.Get(context.Background(), "nope")
	require.ErrorIs(t, err, ErrCredentialNotFound)
}

func TestEnvReadsEnvironment(t *testing.T) {
	t.Setenv("BUNDLEFETCH_CREDENTIALS_PARTNER_USERNAME", "alice")
	t.Setenv("BUNDLEFETCH_CREDENTIALS_PARTNER_PASSWORD", "s3cret")

	v := viper.New()
	v.SetEnvPrefix("BUNDLEFETCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	p := NewEnv(v)
	creds, err := p.Get(context.Background(), "partner")
	require.NoError(t, err)
	require.Equal(t, map[string]string{"username": "alice", "password": "s3cret"}, creds)

	_, err = p.Get(context.Background(), "unknown")
	require.ErrorIs(t, err, ErrCredentialNotFound)
	_, err = p.Get(context.Background(), " ")
	require.ErrorIs(t, err, ErrCredentialNotFound)
}
