package main

import (
	"fmt"
	"os"

	"github.com/tjfontaine/webhook-gateway/internal/auth"
)

func main() {
	key, err := auth.GenerateKey()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate key: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("API Key: %s\n", key)
	fmt.Println("\nAdd this to your config.yaml:")
	fmt.Printf("  auth:\n")
	fmt.Printf("    api_key: \"%s\"\n", key)
	fmt.Println("\nor export it:")
	fmt.Printf("  GATEWAY_AUTH__API_KEY=%s\n", key)
}
