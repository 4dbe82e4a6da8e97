package main

import (
    "log"

    "github.com/spf13/cobra"

    ensemblecli "github.com/amirimatin/go-ensemble/pkg/cli"
)

func main() {
    if err := newRoot().Execute(); err != nil {
        log.Fatal(err)
    }
}

func newRoot() *cobra.Command {
    root := &cobra.Command{
        Use:           "ensemblectl",
        Short:         "ensemble lifecycle and reconfiguration manager",
        SilenceUsage:  true,
        SilenceErrors: true,
    }
    ensemblecli.AddAll(root)
    return root
}
