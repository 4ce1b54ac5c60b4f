package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"

	"golang.org/x/term"
)

// readPassword reads the credential password from file, or prompts on the
// terminal when file is empty or "-". confirm asks twice.
func readPassword(file string, confirm bool) ([]byte, error) {
	if file != "" && file != "-" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", file, err)
		}
		return bytes.TrimRight(data, "\r\n"), nil
	}

	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return nil, errors.New("no terminal available for password prompt (use --password-file)")
	}

	password, err := prompt(fd, "Password: ")
	if err != nil {
		return nil, err
	}
	if confirm {
		again, err := prompt(fd, "Confirm password: ")
		if err != nil {
			return nil, err
		}
		if !bytes.Equal(password, again) {
			return nil, errors.New("passwords do not match")
		}
	}
	return password, nil
}

func prompt(fd int, label string) ([]byte, error) {
	fmt.Fprint(os.Stderr, label)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("reading password: %w", err)
	}
	return password, nil
}
