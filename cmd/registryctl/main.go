package main

import (
    "log"

    "github.com/spf13/cobra"

    registrycli "github.com/amirimatin/go-registry/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "registryctl",
        Short:         "go-registry node and client CLI",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    registrycli.AddAll(root)
    return root
}
