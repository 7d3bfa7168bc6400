package runner

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRsync writes a shell script standing in for rsync, same
// technique as the worker pool's own tests: it reads the file list from
// stdin, touches each listed path under the destination (its last
// argument), and exits with a fixed code.
func fakeRsync(t *testing.T, exitCode int) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rsync")
	script := "#!/bin/bash\n" +
		"dst=\"${@: -1}\"\n" +
		"while IFS= read -r line; do touch \"$dst/$line\" 2>/dev/null; done\n" +
		"exit " + itoa(exitCode) + "\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{byte('0' + n%10)}, buf...)
		n /= 10
	}
	return string(buf)
}

func TestRun_OK(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(filepath.Join(src, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "file.txt"), []byte("data"), 0o644))
	require.NoError(t, os.MkdirAll(dst, 0o755))

	res := Run(context.Background(), Config{
		Sources:     []string{src},
		Destination: dst,
		NumWorkers:  2,
		RsyncPath:   fakeRsync(t, 0),
		Quiet:       true,
	})

	require.NoError(t, res.Err)
	assert.Equal(t, ExitOK, res.ExitCode)
	assert.Equal(t, int64(0), res.Snapshot.BucketsFailed)
}

func TestRun_ConfigErrorOnMissingSource(t *testing.T) {
	res := Run(context.Background(), Config{
		Sources:     []string{"/does/not/exist"},
		Destination: t.TempDir(),
	})
	assert.Equal(t, ExitConfig, res.ExitCode)
	assert.Error(t, res.Err)
}

func TestRun_ConfigErrorOnRemoteSource(t *testing.T) {
	res := Run(context.Background(), Config{
		Sources:     []string{"host:/remote/path"},
		Destination: t.TempDir(),
	})
	assert.Equal(t, ExitConfig, res.ExitCode)
	assert.Error(t, res.Err)
}

func TestRun_ConfigErrorOnDeniedRsyncOption(t *testing.T) {
	res := Run(context.Background(), Config{
		Sources:      []string{t.TempDir()},
		Destination:  t.TempDir(),
		ExtraArgsRaw: "--delete",
	})
	assert.Equal(t, ExitConfig, res.ExitCode)
	assert.Error(t, res.Err)
}

func TestRun_FailedBucketKeepGoing(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "file.txt"), []byte("data"), 0o644))
	require.NoError(t, os.MkdirAll(dst, 0o755))

	res := Run(context.Background(), Config{
		Sources:     []string{src},
		Destination: dst,
		NumWorkers:  1,
		RsyncPath:   fakeRsync(t, 1),
		KeepGoing:   true,
		Quiet:       true,
	})

	assert.Equal(t, ExitFailed, res.ExitCode)
	assert.Equal(t, int64(1), res.Snapshot.BucketsFailed)
}

func TestRun_FailedBucketNoKeepGoingUsesRsyncExitStatus(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(src, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(src, "file.txt"), []byte("data"), 0o644))
	require.NoError(t, os.MkdirAll(dst, 0o755))

	res := Run(context.Background(), Config{
		Sources:     []string{src},
		Destination: dst,
		NumWorkers:  1,
		RsyncPath:   fakeRsync(t, 11),
		KeepGoing:   false,
		Quiet:       true,
	})

	assert.Equal(t, 11, res.ExitCode)
}

func TestRun_SpawnFailureAbortsEvenWithKeepGoing(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(src, 0o755))
	for i := 0; i < 50; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(src, itoa(i)+".txt"), []byte("data"), 0o644))
	}
	require.NoError(t, os.MkdirAll(dst, 0o755))

	res := Run(context.Background(), Config{
		Sources:      []string{src},
		Destination:  dst,
		NumWorkers:   1,
		EntriesLimit: 1,
		RsyncPath:    filepath.Join(dir, "does-not-exist"),
		KeepGoing:    true,
		Quiet:        true,
	})

	assert.Equal(t, ExitFailed, res.ExitCode)
	assert.Less(t, res.Snapshot.BucketsFailed, int64(50))
}

func TestRun_CancelledContextYieldsExitCancelled(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src")
	dst := filepath.Join(dir, "dst")
	require.NoError(t, os.MkdirAll(src, 0o755))
	for i := 0; i < 20; i++ {
		require.NoError(t, os.WriteFile(filepath.Join(src, itoa(i)+".txt"), []byte("data"), 0o644))
	}
	require.NoError(t, os.MkdirAll(dst, 0o755))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := Run(ctx, Config{
		Sources:     []string{src},
		Destination: dst,
		NumWorkers:  2,
		RsyncPath:   fakeRsync(t, 0),
		Quiet:       true,
		GracePeriod: 100 * time.Millisecond,
	})

	assert.Equal(t, ExitCancelled, res.ExitCode)
}
