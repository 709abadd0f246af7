// cmd/snapsafe/main_test.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"bytes"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"
	"github.com/mmp/snapsafe/backup"
	"github.com/mmp/snapsafe/config"
	"github.com/mmp/snapsafe/password"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

type testEnv struct {
	t          *testing.T
	configPath string
	prompt     backup.Prompter
}

func newTestEnv(t *testing.T) *testEnv {
	dir := t.TempDir()
	cfg := config.Default()
	cfg.RegistryDir = filepath.Join(dir, "registry")
	path := filepath.Join(dir, config.FileName)
	require.NoError(t, cfg.Save(path))
	return &testEnv{
		t:          t,
		configPath: path,
		prompt:     backup.StaticPrompter{Pass: "password", Yes: true},
	}
}

func (e *testEnv) run(args ...string) (string, error) {
	var out, diag bytes.Buffer
	a := &app{stdout: &out, stderr: &diag, stdin: strings.NewReader(""), prompt: e.prompt}
	cmd := newRootCmd(a)
	cmd.SetArgs(append([]string{"--config", e.configPath}, args...))
	err := cmd.Execute()
	return out.String(), err
}

func (e *testEnv) mustRun(args ...string) string {
	out, err := e.run(args...)
	require.NoError(e.t, err, "%v", args)
	return out
}

func writeFile(t *testing.T, root, rel, contents string) {
	path := filepath.Join(root, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))
}

func readTree(t *testing.T, dir string) map[string]string {
	tree := make(map[string]string)
	require.NoError(t, filepath.Walk(dir, func(path string, fi os.FileInfo, err error) error {
		if err != nil || fi.IsDir() {
			return err
		}
		b, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		rel, _ := filepath.Rel(dir, path)
		tree[filepath.ToSlash(rel)] = string(b)
		return nil
	}))
	return tree
}

func TestBackupListRestore(t *testing.T) {
	e := newTestEnv(t)
	src := t.TempDir()
	dest := filepath.Join(t.TempDir(), "D")
	writeFile(t, src, "file1.txt", "This is the content of file1")
	writeFile(t, src, "logs/file2.log", "This is a log in file2. What?")
	original := readTree(t, src)

	out := e.mustRun("backup", "-s", src, "-d", dest)
	assert.Contains(t, out, "Backup completed successfully")

	writeFile(t, src, "file_1.txt", "Another file")
	e.mustRun("backup", "--source", src, "--dest", dest)

	out = e.mustRun("list")
	assert.Contains(t, out, "Original Path: "+src)
	assert.Contains(t, out, "Backup Path: "+dest)
	assert.Contains(t, out, "Snapshots: 2")
	assert.Contains(t, out, "- ID: ")

	restored := filepath.Join(t.TempDir(), "restored")
	out = e.mustRun("restore", "--number", "2", "--origin", dest, "-o", restored)
	assert.Contains(t, out, "Restore to "+restored+" completed.")
	assert.Equal(t, original, readTree(t, restored))
}

func TestListEmpty(t *testing.T) {
	e := newTestEnv(t)
	assert.Contains(t, e.mustRun("list"), "No data has been backed up yet!")
}

func TestDeleteCommand(t *testing.T) {
	e := newTestEnv(t)
	src := t.TempDir()
	dest := filepath.Join(t.TempDir(), "D")
	writeFile(t, src, "a.txt", "a")
	e.mustRun("backup", "-s", src, "-d", dest)
	writeFile(t, src, "b.txt", "b")
	e.mustRun("backup", "-s", src, "-d", dest)

	e.prompt = backup.StaticPrompter{Pass: "password", Yes: false}
	assert.Contains(t, e.mustRun("delete", "-n", "1", "-o", dest), "Delete Aborted")
	assert.Contains(t, e.mustRun("list"), "Snapshots: 2")

	assert.Contains(t, e.mustRun("delete", "-n", "1", "-o", dest, "--force"), "Deletion complete.")
	assert.Contains(t, e.mustRun("list"), "Snapshots: 1")

	e.mustRun("delete", "-o", dest, "--force")
	assert.Contains(t, e.mustRun("list"), "No data has been backed up yet!")
}

func TestCommandErrors(t *testing.T) {
	e := newTestEnv(t)
	src := t.TempDir()
	dest := filepath.Join(t.TempDir(), "D")
	writeFile(t, src, "a.txt", "a")
	e.mustRun("backup", "-s", src, "-d", dest)

	_, err := e.run("restore", "-n", "5", "--origin", dest, "-o", t.TempDir())
	assert.True(t, errors.Is(err, backup.ErrNoBackup))
	assert.Contains(t, err.Error(), "Restore Error")

	_, err = e.run("backup", "-s", src, "-d", dest)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "no file changes")

	e.prompt = backup.StaticPrompter{Pass: "wrong", Yes: true}
	_, err = e.run("restore", "--origin", dest, "-o", t.TempDir())
	assert.True(t, errors.Is(err, password.ErrIncorrectPassword))

	_, err = e.run("backup", "-s", src)
	assert.Error(t, err)

	_, err = e.run("--config", filepath.Join(t.TempDir(), "missing.toml"), "list")
	assert.Error(t, err)
}

func TestConfigCommand(t *testing.T) {
	e := newTestEnv(t)
	out := e.mustRun("config")
	assert.Contains(t, out, "# "+e.configPath)
	assert.Contains(t, out, `compression = "gzip"`)
	assert.Contains(t, out, "gc_limit = 3")
}

func TestFsckAndReconcile(t *testing.T) {
	e := newTestEnv(t)
	src := t.TempDir()
	dest := filepath.Join(t.TempDir(), "D")
	writeFile(t, src, "a.txt", "a")
	e.mustRun("backup", "-s", src, "-d", dest)

	out := e.mustRun("fsck", "--origin", dest)
	assert.Contains(t, out, "1 snapshots, 1 blobs")
	assert.Contains(t, out, "No problems found.")

	assert.Contains(t, e.mustRun("reconcile"), "Registry is consistent.")
}

func TestFormat(t *testing.T) {
	e := newTestEnv(t)
	out := e.mustRun("format")
	assert.Contains(t, out, "Reed-Solomon")
	assert.Contains(t, out, "key_salt")
}

func TestParityCommands(t *testing.T) {
	e := newTestEnv(t)
	fn := filepath.Join(t.TempDir(), "data.bin")
	orig := bytes.Repeat([]byte("parity check "), 5000)
	require.NoError(t, os.WriteFile(fn, orig, 0644))

	assert.Contains(t, e.mustRun("parity", "encode", fn), "created Reed-Solomon encoding file")
	assert.Contains(t, e.mustRun("parity", "check", fn), fn+": ok")

	damaged := bytes.Clone(orig)
	damaged[100] ^= 0xff
	require.NoError(t, os.WriteFile(fn, damaged, 0644))
	_, err := e.run("parity", "check", fn)
	assert.Error(t, err)

	assert.Contains(t, e.mustRun("parity", "restore", fn), fn+": restored")
	b, err := os.ReadFile(fn)
	require.NoError(t, err)
	assert.Equal(t, orig, b)
}

func TestPrompter(t *testing.T) {
	t.Setenv(config.PasswordEnv, "")

	p := newPrompter(strings.NewReader("secret\nsecret\ny\n"), io.Discard)
	pw, err := p.Password("/dest", true)
	require.NoError(t, err)
	assert.Equal(t, "secret", pw)
	ok, err := p.Confirm("really?")
	require.NoError(t, err)
	assert.True(t, ok)

	p = newPrompter(strings.NewReader("one\ntwo\n"), io.Discard)
	_, err = p.Password("/dest", true)
	assert.Error(t, err)

	p = newPrompter(strings.NewReader("\n"), io.Discard)
	_, err = p.Password("/dest", false)
	assert.Error(t, err)

	p = newPrompter(strings.NewReader("nope\n"), io.Discard)
	ok, err = p.Confirm("really?")
	require.NoError(t, err)
	assert.False(t, ok)

	t.Setenv(config.PasswordEnv, "from-env")
	p = newPrompter(strings.NewReader(""), io.Discard)
	pw, err = p.Password("/dest", true)
	require.NoError(t, err)
	assert.Equal(t, "from-env", pw)
}
