package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/pizzaface/pizzapi/internal/hub"
)

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate the hub's ES256 signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, encoded, err := hub.GenerateECKey()
			if err != nil {
				return err
			}
			fmt.Println("Add to the hub environment:")
			fmt.Printf("\n  PIZZAPI_JWT_KEY=%s\n", encoded)
			return nil
		},
	}
}
