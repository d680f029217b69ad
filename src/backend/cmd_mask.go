package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var (
	maskSession   string
	maskEphemeral bool
	unmaskSession string
)

var maskCmd = &cobra.Command{
	Use:   "mask [text...]",
	Short: "Replace PII in text with session pseudonyms",
	Long:  "Masks the arguments, or stdin when none are given. Without --session a new session id is generated and printed.",
	RunE:  runMask,
}

var unmaskCmd = &cobra.Command{
	Use:   "unmask [text...]",
	Short: "Restore pseudonyms of a session to their original values",
	RunE:  runUnmask,
}

func init() {
	maskCmd.Flags().StringVar(&maskSession, "session", "", "session id whose mapping table is extended")
	maskCmd.Flags().BoolVar(&maskEphemeral, "ephemeral", false, "keep the mapping in memory only")
	unmaskCmd.Flags().StringVar(&unmaskSession, "session", "", "session id to restore from")
	_ = unmaskCmd.MarkFlagRequired("session")
}

func inputText(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(os.Stdin)
	if err != nil {
		return "", fmt.Errorf("read stdin: %w", err)
	}
	return string(data), nil
}

func runMask(cmd *cobra.Command, args []string) error {
	if err := cfg.RequireSecret(); err != nil {
		return err
	}
	text, err := inputText(args)
	if err != nil {
		return err
	}
	if maskSession == "" {
		maskSession = uuid.NewString()
	}

	a := newApp(cfg, logger, reporter)
	defer a.Close()
	if err := a.initStorage(cmd.Context(), maskEphemeral); err != nil {
		return err
	}
	if err := a.initPII(cmd.Context()); err != nil {
		return err
	}

	res, err := a.maskOnly().Mask(cmd.Context(), maskSession, text)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"session_id":  maskSession,
		"masked_text": res.MaskedText,
		"mapping":     res.MaskedToOriginal,
		"degraded":    res.Degraded,
	})
}

func runUnmask(cmd *cobra.Command, args []string) error {
	text, err := inputText(args)
	if err != nil {
		return err
	}

	a := newApp(cfg, logger, reporter)
	defer a.Close()
	if err := a.initStorage(cmd.Context(), false); err != nil {
		return err
	}
	// restoration only reads the mapping table, no detector needed
	a.initUnmasker()

	res, err := a.maskOnly().Unmask(cmd.Context(), unmaskSession, text)
	if err != nil {
		return err
	}
	return printJSON(map[string]interface{}{
		"text":       res.Text,
		"unresolved": res.Unresolved,
	})
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
