package factory

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCStringEscape_GoldenExample(t *testing.T) {
	in := "abc\"d\\n"
	got := CStringEscape(in)
	assert.Equal(t, `"abc\x22d\x5cn"`, got)
}

func TestCStringEscape_PlainASCIIUnchanged(t *testing.T) {
	assert.Equal(t, `"hello world"`, CStringEscape("hello world"))
}

func TestCCharArrayEscape_GoldenExample(t *testing.T) {
	got := CCharArrayEscape([]byte{0x00, 0xff})
	assert.Equal(t, "(char[]) { 0, 255 }", got)
}

func TestCCharArrayEscape_Empty(t *testing.T) {
	assert.Equal(t, "(char[]) { }", CCharArrayEscape(nil))
}

// writeFakeScript writes an executable POSIX shell script named name into
// dir, with body as its contents after the shebang line, and returns its
// path. Tests use it as a stand-in compiler.
func writeFakeScript(t *testing.T, dir, name string, body string) string {
	t.Helper()
	if runtime.GOOS != "linux" && runtime.GOOS != "darwin" {
		t.Skip("fake compiler script requires a POSIX shell")
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

func TestFactory_Build_CompilerFailureSurfacesStderr(t *testing.T) {
	dir := t.TempDir()
	fakeCompiler := writeFakeScript(t, dir, "fake-cc", `echo "boom" >&2; exit 3`+"\n")

	f := New(fakeCompiler, "", zap.NewNop())
	_, err := f.Build(context.Background(), BuildRequest{
		Secret: "s3cret",
		Host:   "127.0.0.1",
		Port:   4444,
	})
	require.Error(t, err)

	var compErr *CompilerFailureError
	require.ErrorAs(t, err, &compErr)
	assert.Equal(t, 3, compErr.ExitCode)
	assert.Contains(t, compErr.Stderr, "boom")
}

func TestFactory_Build_RejectsNonASCIISecret(t *testing.T) {
	f := New("zig", "upx", zap.NewNop())
	_, err := f.Build(context.Background(), BuildRequest{
		Secret: "sëcret",
		Host:   "127.0.0.1",
		Port:   4444,
	})
	require.Error(t, err)

	var invErr *InvalidInputError
	require.ErrorAs(t, err, &invErr)
}

func TestFactory_Build_SucceedsAndReadsOutput(t *testing.T) {
	dir := t.TempDir()
	// The fake compiler ignores its defines/flags and just writes fixed
	// bytes to the path following "-o".
	fakeCompiler := writeFakeScript(t, dir, "fake-cc", `
while [ "$1" != "-o" ]; do shift; done
shift
printf 'FAKEBIN' > "$1"
exit 0
`)

	f := New(fakeCompiler, "", zap.NewNop())
	data, err := f.Build(context.Background(), BuildRequest{
		Secret: "s3cret",
		Host:   "127.0.0.1",
		Port:   4444,
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("FAKEBIN"), data)
}
