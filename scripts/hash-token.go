package main

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"

	"github.com/novamd/bridge-server-go/internal/util"
)

// Prints an ADMIN_TOKEN_HASH for the given token. Without an argument a
// random token is generated and printed first.
func main() {
	token := ""
	if len(os.Args) >= 2 {
		token = os.Args[1]
	} else {
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		token = base64.RawURLEncoding.EncodeToString(buf)
		fmt.Printf("token: %s\n", token)
	}

	hash, err := util.HashSecret(token)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("ADMIN_TOKEN_HASH=%s\n", hash)
}
