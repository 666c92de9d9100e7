package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"
)

// linePrompter implements plugin.Prompter over line-oriented input.
// End of input counts as cancel.
type linePrompter struct {
	in  *bufio.Reader
	out io.Writer
}

func newLinePrompter(in io.Reader, out io.Writer) *linePrompter {
	return &linePrompter{in: bufio.NewReader(in), out: out}
}

func (p *linePrompter) readLine() (string, bool, error) {
	line, err := p.in.ReadString('\n')
	if errors.Is(err, io.EOF) {
		if line == "" {
			return "", false, nil
		}
		err = nil
	}
	if err != nil {
		return "", false, err
	}
	return strings.TrimSpace(line), true, nil
}

// Input displays a labeled prompt with a default value. An empty answer
// returns the default.
func (p *linePrompter) Input(message, defaultValue string) (*string, error) {
	if defaultValue != "" {
		fmt.Fprintf(p.out, "%s [%s]: ", message, defaultValue)
	} else {
		fmt.Fprintf(p.out, "%s: ", message)
	}
	line, ok, err := p.readLine()
	if err != nil || !ok {
		return nil, err
	}
	if line == "" {
		line = defaultValue
	}
	return &line, nil
}

func (p *linePrompter) Confirm(message string, defaultValue bool) (*bool, error) {
	hint := "y/N"
	if defaultValue {
		hint = "Y/n"
	}
	fmt.Fprintf(p.out, "%s [%s]: ", message, hint)
	line, ok, err := p.readLine()
	if err != nil || !ok {
		return nil, err
	}
	answer := defaultValue
	switch strings.ToLower(line) {
	case "y", "yes":
		answer = true
	case "n", "no":
		answer = false
	}
	return &answer, nil
}

func (p *linePrompter) Note(message string) {
	fmt.Fprintln(p.out, message)
}
