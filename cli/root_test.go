package cli_test

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/devpulse/devpulse/buildinfo"
	"github.com/devpulse/devpulse/cli"
)

func TestVersion(t *testing.T) {
	t.Parallel()

	var (
		root cli.RootCmd
		buf  bytes.Buffer
	)
	inv := root.Command().Invoke("version")
	inv.Stdout = &buf
	err := inv.Run()
	require.NoError(t, err)
	require.Equal(t, buildinfo.Version(), strings.TrimSpace(buf.String()))
}

func TestRootShowsHelp(t *testing.T) {
	t.Parallel()

	var (
		root cli.RootCmd
		buf  bytes.Buffer
	)
	inv := root.Command().Invoke()
	inv.Stdout = &buf
	inv.Stderr = &buf
	err := inv.Run()
	require.NoError(t, err)
	require.Contains(t, buf.String(), "devpulse")
}
