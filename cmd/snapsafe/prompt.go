// cmd/snapsafe/prompt.go
// Copyright(c) 2017 Matt Pharr
// BSD licensed; see LICENSE for details.

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mmp/snapsafe/config"
	u "github.com/mmp/snapsafe/util"
	"golang.org/x/term"
)

// prompter asks for passwords and confirmations on the terminal. If
// SNAPSAFE_PASSWORD is set, its value is used as the password without
// asking. When stdin isn't a terminal, input is read a line at a time.
type prompter struct {
	in  *bufio.Reader
	fd  int
	out io.Writer
	env string
}

func newPrompter(stdin io.Reader, out io.Writer) *prompter {
	p := &prompter{in: bufio.NewReader(stdin), fd: -1, out: out, env: os.Getenv(config.PasswordEnv)}
	if f, ok := stdin.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		p.fd = int(f.Fd())
	}
	return p
}

func (p *prompter) Password(dest string, confirm bool) (string, error) {
	if p.env != "" {
		return p.env, nil
	}

	prompt := fmt.Sprintf("Password for %s: ", dest)
	if confirm {
		prompt = fmt.Sprintf("New password for %s: ", dest)
	}
	pw, err := p.readSecret(prompt)
	if err != nil {
		return "", err
	}
	if pw == "" {
		return "", u.Errorf(u.KindPassword, "empty password")
	}
	if confirm {
		again, err := p.readSecret("Confirm password: ")
		if err != nil {
			return "", err
		}
		if again != pw {
			return "", u.Errorf(u.KindPassword, "passwords don't match")
		}
	}
	return pw, nil
}

func (p *prompter) Confirm(question string) (bool, error) {
	fmt.Fprintf(p.out, "%s [y/N] ", question)
	line, err := p.readLine()
	if err != nil {
		return false, err
	}
	switch strings.ToLower(line) {
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

func (p *prompter) readSecret(prompt string) (string, error) {
	fmt.Fprint(p.out, prompt)
	if p.fd < 0 {
		return p.readLine()
	}
	b, err := term.ReadPassword(p.fd)
	fmt.Fprintln(p.out)
	if err != nil {
		return "", u.WrapError(u.KindPassword, err, "read password")
	}
	return string(b), nil
}

func (p *prompter) readLine() (string, error) {
	line, err := p.in.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", u.WrapError(u.KindCommand, err, "read input")
	}
	return strings.TrimRight(line, "\r\n"), nil
}
