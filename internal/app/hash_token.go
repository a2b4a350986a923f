package app

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"horse.fit/pulse/internal/auth"
)

// runHashToken prints the bcrypt hash to put in API_TOKEN_HASH.
func runHashToken(args []string) int {
	fs := flag.NewFlagSet("hash-token", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	token := fs.String("token", "", "Token to hash (default: first line of stdin)")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 2
	}
	if fs.NArg() != 0 {
		fmt.Fprintln(os.Stderr, "usage: pulse hash-token [--token value] < token.txt")
		return 2
	}

	value := *token
	if strings.TrimSpace(value) == "" {
		line, err := readFirstLine(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read token from stdin: %v\n", err)
			return 1
		}
		value = line
	}

	hash, err := auth.HashToken(value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Invalid token: %v\n", err)
		return 2
	}
	fmt.Println(hash)
	return 0
}

func readFirstLine(r io.Reader) (string, error) {
	line, err := bufio.NewReader(r).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
