// Remora is a Nostr data vending machine agent.
// Copyright (C) 2025  Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// remora-keygen generates a Nostr keypair for the agent and can write
// the secret key to an encrypted key file for REMORA_KEY_FILE.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/nbd-wtf/go-nostr"

	"remora/pkg/crypto"
)

func main() {
	var (
		outFile    = flag.String("out", "", "Write the encrypted secret key to this file instead of stdout")
		passphrase = flag.String("passphrase", "", "Passphrase for the encrypted key file (uses REMORA_KEY_PASSPHRASE env var if not set)")
	)
	flag.Parse()

	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		fmt.Fprintf(os.Stderr, "derive public key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("public key:  %s\n", pk)

	if *outFile == "" {
		fmt.Printf("private key: %s\n", sk)
		return
	}

	pass := *passphrase
	if pass == "" {
		pass = os.Getenv("REMORA_KEY_PASSPHRASE")
	}
	if pass == "" {
		fmt.Fprintln(os.Stderr, "a passphrase is required to write a key file (--passphrase or REMORA_KEY_PASSPHRASE)")
		os.Exit(1)
	}

	enc, err := crypto.NewEncryptor(pass)
	if err != nil {
		fmt.Fprintf(os.Stderr, "init encryptor: %v\n", err)
		os.Exit(1)
	}
	ciphertext, err := enc.Encrypt(sk)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encrypt key: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(*outFile, []byte(ciphertext+"\n"), 0o600); err != nil {
		fmt.Fprintf(os.Stderr, "write key file: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("encrypted key written to %s\n", *outFile)
}
