package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/tiller/pkg/chain"
	"github.com/Mindburn-Labs/tiller/pkg/config"
	"github.com/Mindburn-Labs/tiller/pkg/plan"
)

func runChainCmd(args []string, stdout, stderr io.Writer) int {
	switch args[0] {
	case "show":
		return runChainShow(args[1:], stdout, stderr)
	case "verify":
		return runChainVerify(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown chain subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, "Usage: tiller chain <show|verify>")
		return 2
	}
}

func runChainShow(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("chain show", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		planID     string
		kind       string
		jsonOutput bool
	)
	cmd.StringVar(&planID, "plan", "", "Plan id to show actions for (REQUIRED)")
	cmd.StringVar(&kind, "kind", "", "Filter by action kind")
	cmd.BoolVar(&jsonOutput, "json", false, "Output entries as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if planID == "" {
		fmt.Fprintln(stderr, "Error: --plan is required")
		cmd.Usage()
		return 2
	}

	c, closeFn, err := openChainOnly()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer closeFn()

	entries, err := c.ActionsFor(context.Background(), planID)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if kind != "" {
		entries = chain.FilterKind(entries, plan.ActionKind(kind))
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(entries, "", "  ")
		fmt.Fprintln(stdout, string(data))
		return 0
	}

	for _, e := range entries {
		line := fmt.Sprintf("%4d  %-20s", e.Sequence, e.Action.Kind)
		if e.Action.CapabilityID != "" {
			line += "  " + e.Action.CapabilityID
		}
		if e.Action.Error != "" {
			line += "  error=" + e.Action.Error
		}
		fmt.Fprintln(stdout, line)
	}
	fmt.Fprintf(stdout, "%d actions\n", len(entries))
	return 0
}

func runChainVerify(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("chain verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)
	if err := cmd.Parse(args); err != nil {
		return 2
	}

	c, closeFn, err := openChainOnly()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer closeFn()

	verifier, ok := c.(chain.Verifier)
	if !ok {
		fmt.Fprintln(stderr, "Error: configured chain store does not support verification")
		return 2
	}

	valid, detail := verifier.Verify(context.Background())
	if !valid {
		fmt.Fprintf(stderr, "Chain verification FAILED: %s\n", detail)
		return 1
	}
	fmt.Fprintln(stdout, "Chain verified")
	return 0
}

func openChainOnly() (chain.Chain, func(), error) {
	cfg := config.Load()
	e := &engine{logger: newLogger(cfg.LogLevel)}
	c, err := openChain(cfg.ChainDSN, e)
	if err != nil {
		return nil, nil, err
	}
	return c, e.Close, nil
}
