package encoder

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

// fakeFFmpeg writes a script that records its arguments and creates its last argument.
func fakeFFmpeg(t *testing.T, exitCode int) (bin, argsFile string) {
	t.Helper()
	requireSh(t)
	dir := t.TempDir()
	argsFile = filepath.Join(dir, "args")
	bin = filepath.Join(dir, "ffmpeg")
	script := "#!/bin/sh\n" +
		"printf '%s\\n' \"$@\" > '" + argsFile + "'\n" +
		"for last; do :; done\n" +
		"echo out > \"$last\"\n" +
		"echo 'fake failure' >&2\n" +
		"exit " + strconv.Itoa(exitCode) + "\n"
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o755))
	return bin, argsFile
}

func readArgs(t *testing.T, path string) []string {
	t.Helper()
	b, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(b)), "\n")
}

func TestNewFFmpegMissingBinary(t *testing.T) {
	f := NewFFmpeg(filepath.Join(t.TempDir(), "nope"), DefaultProfile, Timeouts{}, nil)
	assert.False(t, f.Available())
	assert.ErrorIs(t, f.Transcode(context.Background(), "a", "b"), ErrUnavailable)
	_, err := f.StartSegmenter("in", "out_%05d.mp4", 60)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestTranscodeUsesDeliveryProfile(t *testing.T) {
	bin, argsFile := fakeFFmpeg(t, 0)
	f := NewFFmpeg(bin, DefaultProfile, Timeouts{}, nil)
	require.True(t, f.Available())

	dst := filepath.Join(t.TempDir(), "out.mp4")
	require.NoError(t, f.Transcode(context.Background(), "in.webm", dst))
	assert.FileExists(t, dst)

	args := readArgs(t, argsFile)
	joined := strings.Join(args, " ")
	assert.Contains(t, joined, "-i in.webm")
	assert.Contains(t, joined, "-c:v libx264 -preset ultrafast -crf 28")
	assert.Contains(t, joined, "-c:a aac -b:a 128k")
	assert.Contains(t, joined, "scale='min(1280,iw)':-2")
	assert.Contains(t, joined, "-movflags +faststart")
	assert.Equal(t, dst, args[len(args)-1])
}

func TestTranscodeFailureCarriesStderr(t *testing.T) {
	bin, _ := fakeFFmpeg(t, 1)
	f := NewFFmpeg(bin, DefaultProfile, Timeouts{}, nil)
	err := f.Transcode(context.Background(), "in.webm", filepath.Join(t.TempDir(), "out.mp4"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fake failure")
}

func TestConcatArgsAndList(t *testing.T) {
	bin, argsFile := fakeFFmpeg(t, 0)
	f := NewFFmpeg(bin, DefaultProfile, Timeouts{}, nil)
	dir := t.TempDir()
	list := filepath.Join(dir, "list.txt")
	segs := []string{filepath.Join(dir, "a_00000.mp4"), filepath.Join(dir, "a_00001.mp4")}

	require.NoError(t, f.Concat(context.Background(), segs, list, filepath.Join(dir, "a.mp4")))
	body, err := os.ReadFile(list)
	require.NoError(t, err)
	assert.Equal(t, "file '"+segs[0]+"'\nfile '"+segs[1]+"'\n", string(body))
	assert.Contains(t, strings.Join(readArgs(t, argsFile), " "), "-f concat -safe 0 -i "+list+" -c copy")

	assert.Error(t, f.Concat(context.Background(), nil, list, "x.mp4"))
}

func TestConcatListQuotes(t *testing.T) {
	assert.Equal(t, "file '/tmp/it'\\''s.mp4'\n", ConcatList([]string{"/tmp/it's.mp4"}))
}

func TestSegmenterArgs(t *testing.T) {
	bin, argsFile := fakeFFmpeg(t, 0)
	f := NewFFmpeg(bin, DefaultProfile, Timeouts{}, nil)
	out := filepath.Join(t.TempDir(), "r1_seg_%05d.mp4")
	p, err := f.StartSegmenter("in.fifo", out, 15)
	require.NoError(t, err)
	require.NoError(t, p.Wait(context.Background()))

	joined := strings.Join(readArgs(t, argsFile), " ")
	assert.Contains(t, joined, "-i in.fifo")
	assert.Contains(t, joined, "-f segment -segment_time 15 -reset_timestamps 1 -segment_format mp4 "+out)
}

func TestFIFOStreamsToProcess(t *testing.T) {
	requireSh(t)
	dir := t.TempDir()
	fifo := filepath.Join(dir, "in.fifo")
	out := filepath.Join(dir, "out.bin")
	require.NoError(t, MakeFIFO(fifo))

	p, err := Start("sh", []string{"-c", `cat "$0" > "$1"`, fifo, out}, nil)
	require.NoError(t, err)
	w, err := OpenFIFOWriter(fifo, 3*time.Second, p.Done())
	require.NoError(t, err)
	p.Attach(w)

	_, err = p.Write([]byte("hello "))
	require.NoError(t, err)
	_, err = p.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, p.CloseInput())
	require.NoError(t, p.CloseInput())

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, p.Wait(ctx))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
}

func TestWriteTimesOutWhenReaderStalls(t *testing.T) {
	requireSh(t)
	fifo := filepath.Join(t.TempDir(), "stalled.fifo")
	require.NoError(t, MakeFIFO(fifo))

	// holds the read end open without ever reading
	p, err := Start("sh", []string{"-c", `exec sleep 30 < "$0"`, fifo}, nil)
	require.NoError(t, err)
	defer p.Stop()
	w, err := OpenFIFOWriter(fifo, 3*time.Second, p.Done())
	require.NoError(t, err)
	p.Attach(w)
	p.SetWriteTimeout(100 * time.Millisecond)

	start := time.Now()
	n, err := p.Write(make([]byte, 1<<20))
	require.ErrorIs(t, err, ErrWriteTimeout)
	assert.ErrorIs(t, err, os.ErrDeadlineExceeded)
	assert.Less(t, n, 1<<20)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestOpenFIFOWriterWithoutReader(t *testing.T) {
	fifo := filepath.Join(t.TempDir(), "lonely.fifo")
	require.NoError(t, MakeFIFO(fifo))

	start := time.Now()
	_, err := OpenFIFOWriter(fifo, 100*time.Millisecond, nil)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)

	exited := make(chan struct{})
	close(exited)
	_, err = OpenFIFOWriter(fifo, time.Minute, exited)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reader exited")
}

func TestMakeFIFOExisting(t *testing.T) {
	fifo := filepath.Join(t.TempDir(), "dup.fifo")
	require.NoError(t, MakeFIFO(fifo))
	assert.Error(t, MakeFIFO(fifo))
}

func TestWaitTimeoutInterrupts(t *testing.T) {
	requireSh(t)
	p, err := Start("sh", []string{"-c", "exec sleep 30"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	err = p.Wait(ctx)
	require.ErrorIs(t, err, ErrWaitTimeout)
	assert.True(t, p.Exited())
	assert.Less(t, time.Since(start), 10*time.Second)
}

func TestWaitKillsStubbornProcess(t *testing.T) {
	requireSh(t)
	old := interruptGrace
	interruptGrace = 100 * time.Millisecond
	defer func() { interruptGrace = old }()

	p, err := Start("sh", []string{"-c", `trap '' INT; while :; do sleep 1; done`}, nil)
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Wait(ctx), ErrWaitTimeout)
	assert.True(t, p.Exited())
}

func TestWriteWithoutInput(t *testing.T) {
	requireSh(t)
	p, err := Start("sh", []string{"-c", "exit 0"}, nil)
	require.NoError(t, err)
	_, err = p.Write([]byte("x"))
	assert.ErrorIs(t, err, ErrNoInput)
	p.Stop()
	assert.True(t, p.Exited())
}

func TestTailBufferKeepsEnd(t *testing.T) {
	tb := &tailBuffer{max: 4}
	_, _ = tb.Write([]byte("abcdef"))
	_, _ = tb.Write([]byte("gh"))
	assert.Equal(t, "efgh", tb.String())
}
