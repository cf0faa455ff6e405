// Command settlement-keys generates master keys and encrypts bonder private
// keys for the chains.*.private_key configuration entries.
package main

import (
	"bufio"
	"encoding/hex"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/chainsafe/bridge-settlement/pkg/keys"
)

func main() {
	generate := flag.Bool("generate-master-key", false, "Print a new base64 master key")
	encrypt := flag.Bool("encrypt", false, "Encrypt a hex private key read from stdin with KEYS_MASTER_KEY")
	flag.Parse()

	switch {
	case *generate:
		key, err := keys.GenerateMasterKey()
		if err != nil {
			fatal(err)
		}
		fmt.Println(keys.MasterKeyToBase64(key))
	case *encrypt:
		masterKey, err := keys.MasterKeyFromBase64(os.Getenv("KEYS_MASTER_KEY"))
		if err != nil {
			fatal(fmt.Errorf("KEYS_MASTER_KEY: %w", err))
		}
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fatal(fmt.Errorf("read private key: %w", err))
		}
		raw, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(line), "0x"))
		if err != nil {
			fatal(fmt.Errorf("decode private key: %w", err))
		}
		encrypted, err := keys.EncryptPrivateKey(raw, masterKey)
		if err != nil {
			fatal(err)
		}
		fmt.Println(encrypted)
	default:
		flag.Usage()
		os.Exit(2)
	}
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
