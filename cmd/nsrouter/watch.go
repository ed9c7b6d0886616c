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
	"errors"
	"time"

	"github.com/bufbuild/nsrouter"
	"github.com/bufbuild/nsrouter/config"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWatchCommand(flags *rootFlags) *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch NAME...",
		Short: "Print every change to the addresses of names",
		Long: `watch subscribes to names and prints an update each time their addresses
or status change. The configuration file is reloaded when it changes.`,
		Args: cobra.MinimumNArgs(1),
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

			watcher := config.NewWatcher(flags.configPath, env.router,
				config.WithRegistry(env.registry),
				config.WithInterval(interval),
				config.WithLogger(env.logger),
				config.WithLoadedContent(env.loaded),
			)
			group, ctx := errgroup.WithContext(cmd.Context())
			group.Go(func() error {
				return ignoreCanceled(watcher.Run(ctx))
			})
			group.Go(func() error {
				return flags.serveMetrics(ctx, env)
			})
			group.Go(func() error {
				return runWatch(ctx, cmd, env, names)
			})
			return group.Wait()
		},
	}
	cmd.Flags().DurationVar(&interval, "reload-interval", 5*time.Second, "How often to check the configuration file for changes")
	return cmd
}

func runWatch(ctx context.Context, cmd *cobra.Command, env *environment, names []nsrouter.Name) error {
	sub := env.router.SubscribeNames(ctx, names...)
	defer sub.Close()
	for {
		update, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		printUpdate(cmd.OutOrStdout(), update, names)
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
