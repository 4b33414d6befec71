package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/matt-riley/featurehub-go/featurehub"
	"github.com/matt-riley/featurehub-go/internal/config"
)

type evalFlags struct {
	userKey    string
	session    string
	country    string
	platform   string
	device     string
	appVersion string
	attrs      []string
}

type evalResult struct {
	Key     string              `json:"key"`
	Exists  bool                `json:"exists"`
	Type    string              `json:"type,omitempty"`
	Value   any                 `json:"value"`
	Context map[string][]string `json:"context"`
}

func newEvalCmd(load configLoader) *cobra.Command {
	var flags evalFlags
	cmd := &cobra.Command{
		Use:   "eval <feature-key>",
		Short: "Evaluate one feature for a user context and print it as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, cleanup, err := setup(cmd.Context(), load)
			if err != nil {
				return err
			}
			defer cleanup()
			return runEval(cmd.Context(), cfg, log, flags, args[0], cmd.OutOrStdout())
		},
	}

	f := cmd.Flags()
	f.StringVar(&flags.userKey, "user", "", "user key")
	f.StringVar(&flags.session, "session", "", "session key (default: a random UUID)")
	f.StringVar(&flags.country, "country", "", "country")
	f.StringVar(&flags.platform, "platform", "", "platform")
	f.StringVar(&flags.device, "device", "", "device")
	f.StringVar(&flags.appVersion, "app-version", "", "application version")
	f.StringArrayVar(&flags.attrs, "attr", nil, "custom attribute as name=value (repeatable)")
	return cmd
}

func runEval(ctx context.Context, cfg config.Config, log *slog.Logger, flags evalFlags, key string, out io.Writer) error {
	hub, err := newFeatureHub(cfg, log, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err := hub.Close(); err != nil {
			log.Warn("close featurehub", "error", err)
		}
	}()

	fctx, err := buildContext(hub.NewContext(), flags)
	if err != nil {
		return err
	}
	fctx.Build()

	waitCtx, cancel := context.WithTimeout(ctx, cfg.ReadyTimeout)
	defer cancel()
	if err := hub.WaitReady(waitCtx); err != nil {
		return err
	}

	feature := fctx.Feature(key)
	result := evalResult{
		Key:     key,
		Exists:  feature.Exists(),
		Type:    string(feature.Type()),
		Value:   feature.Value(),
		Context: make(map[string][]string),
	}
	attrs := fctx.Attributes()
	for _, name := range attrs.Keys() {
		result.Context[name] = attrs.Values(name)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	return nil
}

func buildContext(c *featurehub.ClientContext, flags evalFlags) (*featurehub.ClientContext, error) {
	session := flags.session
	if session == "" {
		session = uuid.NewString()
	}
	c.SessionKey(session)

	set := func(value string, fn func(string) *featurehub.ClientContext) {
		if value != "" {
			fn(value)
		}
	}
	set(flags.userKey, c.UserKey)
	set(flags.country, c.Country)
	set(flags.platform, c.Platform)
	set(flags.device, c.Device)
	set(flags.appVersion, c.Version)

	custom := make(map[string][]string)
	var order []string
	for _, pair := range flags.attrs {
		name, value, ok := strings.Cut(pair, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --attr %q: want name=value", pair)
		}
		if _, seen := custom[name]; !seen {
			order = append(order, name)
		}
		custom[name] = append(custom[name], value)
	}
	for _, name := range order {
		c.AttributeValue(name, custom[name]...)
	}
	return c, nil
}
