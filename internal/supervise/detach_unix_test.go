//go:build unix

package supervise

import (
	"os/exec"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDetachStartsOwnSession(t *testing.T) {
	cmd := exec.Command("true")
	detach(cmd)
	require.NotNil(t, cmd.SysProcAttr)
	require.True(t, cmd.SysProcAttr.Setsid,
		"the spawned daemon must not share the client's process group")
}
