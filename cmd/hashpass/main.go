// Command hashpass prints credentials for the auth section of the config:
// an argon2id hash for an operator password, or a new machine token with
// its hash.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/KevinKickass/SorterBridge/internal/auth"
)

func main() {
	machineToken := flag.Bool("machine-token", false, "generate a machine token instead of hashing a password")
	flag.Parse()

	if *machineToken {
		token, hash, err := auth.GenerateMachineToken()
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to generate token: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("token:      %s\n", token)
		fmt.Printf("token_hash: %s\n", hash)
		fmt.Fprintln(os.Stderr, "The token is shown only once, store it in the client.")
		return
	}

	password := flag.Arg(0)
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fmt.Fprintf(os.Stderr, "failed to read password: %v\n", err)
			os.Exit(1)
		}
		password = strings.TrimRight(line, "\r\n")
	}
	if len(password) < 8 {
		fmt.Fprintln(os.Stderr, "password must have at least 8 characters")
		os.Exit(1)
	}

	hash, err := auth.NewPasswordHasher(auth.DefaultHashParams()).HashPassword(password)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to hash password: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hash)
}
