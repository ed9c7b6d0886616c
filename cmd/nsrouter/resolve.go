// Copyright 2023-2025 Buf Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/bufbuild/nsrouter"
	"github.com/spf13/cobra"
)

func newResolveCommand(flags *rootFlags) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "resolve NAME...",
		Short: "Resolve names once and print their addresses",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			names, err := parseNames(args)
			if err != nil {
				return err
			}
			env, err := flags.setup(cmd)
			if err != nil {
				return err
			}
			defer env.router.Close()
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runResolve(ctx, cmd, env, names)
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "How long to wait for every name to resolve")
	return cmd
}

func runResolve(ctx context.Context, cmd *cobra.Command, env *environment, names []nsrouter.Name) error {
	sub := env.router.SubscribeNames(ctx, names...)
	defer sub.Close()
	var update nsrouter.Update
	for {
		next, err := sub.Next(ctx)
		if err != nil {
			latest, ok := sub.Latest()
			if ok {
				// Print what is known about the names that are still pending.
				update = latest
				break
			}
			return fmt.Errorf("resolving: %w", err)
		}
		update = next
		if !hasPending(update) {
			break
		}
	}
	printUpdate(cmd.OutOrStdout(), update, names)
	if failed := update.Failed(); len(failed) > 0 {
		return fmt.Errorf("%d of %d names did not resolve", len(failed), len(names))
	}
	return nil
}

func hasPending(update nsrouter.Update) bool {
	for _, status := range update.Names {
		if status.State == nsrouter.StatePending {
			return true
		}
	}
	return false
}
